// Package stats holds small summary helpers shared by the estimators.
package stats

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Quantile returns the empirical q-quantile of samples (0 <= q <= 1)
// using linear interpolation between order statistics. samples is not modified.
func Quantile(samples []float64, q float64) float64 {
	n := len(samples)
	if n == 0 {
		return math.NaN()
	}

	tmp := make([]float64, n)
	copy(tmp, samples)
	sort.Float64s(tmp)

	return sortedQuantile(tmp, q)
}

func sortedQuantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[n-1]
	}

	pos := q * float64(n-1)
	idxBelow := int(math.Floor(pos))
	idxAbove := int(math.Ceil(pos))

	if idxAbove == idxBelow {
		return sorted[idxBelow]
	}

	weight := pos - float64(idxBelow)
	return sorted[idxBelow]*(1.0-weight) + sorted[idxAbove]*weight
}

// Spread is the median and interquartile range of a sample.
type Spread struct {
	Median float64
	Q1     float64
	Q3     float64
	N      int
}

// IQR returns Q3 - Q1.
func (s Spread) IQR() float64 { return s.Q3 - s.Q1 }

// Summarize computes median and quartiles, ignoring NaN entries.
func Summarize(samples []float64) Spread {
	tmp := make([]float64, 0, len(samples))
	for _, v := range samples {
		if !math.IsNaN(v) {
			tmp = append(tmp, v)
		}
	}
	if len(tmp) == 0 {
		return Spread{Median: math.NaN(), Q1: math.NaN(), Q3: math.NaN()}
	}
	sort.Float64s(tmp)
	return Spread{
		Median: sortedQuantile(tmp, 0.5),
		Q1:     sortedQuantile(tmp, 0.25),
		Q3:     sortedQuantile(tmp, 0.75),
		N:      len(tmp),
	}
}

// WeightedMeanVar returns the weighted mean and the (frequency style)
// weighted variance of x. Nil weights mean equal weights.
func WeightedMeanVar(x, w []float64) (mean, variance float64) {
	if len(x) < 2 {
		if len(x) == 1 {
			return x[0], 0
		}
		return math.NaN(), math.NaN()
	}
	mean, std := stat.MeanStdDev(x, w)
	return mean, std * std
}

// KishESS is the Kish effective sample size (sum w)^2 / sum w^2.
func KishESS(w []float64) float64 {
	var s, s2 float64
	for _, v := range w {
		s += v
		s2 += v * v
	}
	if s2 == 0 {
		return 0
	}
	return s * s / s2
}
