// Package rd estimates fuzzy regression-discontinuity effects around an
// eligibility cutoff with local linear fits, and runs the sensitivity
// checks around them: bandwidth sweeps, placebo cutoffs and strata.
package rd

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"cashdrag/internal/config"
	"cashdrag/internal/estimate"
	"cashdrag/internal/panel"
	"cashdrag/internal/regress"
)

// Options configures the RD estimators.
type Options struct {
	Running   string // summary column used as the running variable
	Outcome   string
	Treatment string
	Strata    string

	Cutoff     float64
	Bandwidths []float64
	Placebos   []float64
	Alpha      float64
	Workers    int
}

// FromConfig maps run configuration onto RD options.
func FromConfig(cfg config.Config) Options {
	return Options{
		Running:    "eligibility_score",
		Outcome:    "invested_12m",
		Treatment:  "ever_nudged",
		Strata:     "rollover_month",
		Cutoff:     cfg.Cutoff,
		Bandwidths: cfg.BandwidthGrid,
		Placebos:   cfg.PlaceboCutoffs,
		Alpha:      cfg.Alpha,
		Workers:    cfg.Workers,
	}
}

// Bandwidth is the bandwidth used for single estimates: the middle of the
// sorted grid. The configured order is left alone.
func (o Options) Bandwidth() float64 {
	if len(o.Bandwidths) == 0 {
		return math.NaN()
	}
	grid := append([]float64(nil), o.Bandwidths...)
	sort.Float64s(grid)
	return grid[len(grid)/2]
}

// Sample is the account-level data around the cutoff.
type Sample struct {
	Score  []float64
	Y      []float64
	D      []float64
	Strata []float64
}

// Len returns the number of accounts.
func (s *Sample) Len() int { return len(s.Score) }

// SampleFrom extracts the running variable, outcome, exposure and strata
// from the account summaries.
func SampleFrom(s *panel.Store, o Options) (*Sample, error) {
	var (
		smp Sample
		err error
	)
	for _, c := range []struct {
		name string
		dst  *[]float64
	}{
		{o.Running, &smp.Score},
		{o.Outcome, &smp.Y},
		{o.Treatment, &smp.D},
		{o.Strata, &smp.Strata},
	} {
		if *c.dst, err = s.SummaryColumn(c.name); err != nil {
			return nil, fmt.Errorf("rd sample: %w", err)
		}
	}
	return &smp, nil
}

// where returns the accounts matching keep.
func (s *Sample) where(keep func(i int) bool) *Sample {
	out := &Sample{}
	for i := range s.Score {
		if keep(i) {
			out.Score = append(out.Score, s.Score[i])
			out.Y = append(out.Y, s.Y[i])
			out.D = append(out.D, s.D[i])
			out.Strata = append(out.Strata, s.Strata[i])
		}
	}
	return out
}

// Estimate is one local fuzzy Wald estimate.
type Estimate struct {
	Cutoff    float64
	Bandwidth float64
	NLeft     int
	NRight    int

	// Reduced-form (outcome) and first-stage (exposure) jumps.
	JumpY, SEY float64
	JumpD, SED float64

	Wald estimate.Result
	// Weak is set when the first-stage jump is not distinguishable from
	// zero at Alpha. Wald is still reported, annotated, and is NaN when
	// exposure does not jump at all.
	Weak *estimate.WeakDiscontinuityError
}

// side is a weighted local linear fit on one side of the cutoff.
type side struct {
	n     int
	y, d  *regress.LeastSquares
	cross *mat.Dense
}

func fitSide(smp *Sample, cutoff, h float64, right bool) (*side, error) {
	var rows []int
	for i, x := range smp.Score {
		dist := x - cutoff
		if math.Abs(dist) >= h {
			continue
		}
		if right == (x >= cutoff) {
			rows = append(rows, i)
		}
	}
	if len(rows) < 3 {
		return nil, fmt.Errorf("%d observations within %.4g of the cutoff, need 3", len(rows), h)
	}

	X := mat.NewDense(len(rows), 2, nil)
	y := make([]float64, len(rows))
	d := make([]float64, len(rows))
	w := make([]float64, len(rows))
	for r, i := range rows {
		dist := smp.Score[i] - cutoff
		X.Set(r, 0, 1)
		X.Set(r, 1, dist)
		y[r], d[r] = smp.Y[i], smp.D[i]
		// triangular kernel
		w[r] = 1 - math.Abs(dist)/h
	}
	names := []string{"intercept", "slope"}
	fy, err := regress.OLS(names, X, y, w)
	if err != nil {
		return nil, err
	}
	fd, err := regress.OLS(names, X, d, w)
	if err != nil {
		return nil, err
	}
	cross, err := regress.CrossCovariance(fy, fd)
	if err != nil {
		return nil, err
	}
	return &side{n: len(rows), y: fy, d: fd, cross: cross}, nil
}

// LocalWald estimates the fuzzy RD effect at cutoff with bandwidth h: the
// outcome jump over the exposure jump, each the difference of local linear
// intercepts, with a delta-method SE from the joint sandwich covariance.
func LocalWald(smp *Sample, cutoff, h, alpha float64) (*Estimate, error) {
	if !(h > 0) {
		return nil, &estimate.ConfigurationError{Option: "bandwidth_grid", Value: h, Reason: "bandwidth must be positive"}
	}
	left, err := fitSide(smp, cutoff, h, false)
	if err != nil {
		return nil, fmt.Errorf("rd left of %.4g: %w", cutoff, err)
	}
	right, err := fitSide(smp, cutoff, h, true)
	if err != nil {
		return nil, fmt.Errorf("rd right of %.4g: %w", cutoff, err)
	}

	e := &Estimate{Cutoff: cutoff, Bandwidth: h, NLeft: left.n, NRight: right.n}
	e.JumpY = right.y.Coef[0] - left.y.Coef[0]
	e.JumpD = right.d.Coef[0] - left.d.Coef[0]
	varY := right.y.Vcov.At(0, 0) + left.y.Vcov.At(0, 0)
	varD := right.d.Vcov.At(0, 0) + left.d.Vcov.At(0, 0)
	cov := right.cross.At(0, 0) + left.cross.At(0, 0)
	e.SEY, e.SED = math.Sqrt(varY), math.Sqrt(varD)

	tau, se := math.NaN(), math.NaN()
	if e.JumpD != 0 {
		tau = e.JumpY / e.JumpD
		jd2 := e.JumpD * e.JumpD
		variance := varY/jd2 + e.JumpY*e.JumpY*varD/(jd2*jd2) - 2*e.JumpY*cov/(jd2*e.JumpD)
		se = math.Sqrt(math.Max(variance, 0))
	}

	e.Wald = estimate.NewResult(estimate.KindFuzzyRD, tau, se, left.n+right.n, 1-alpha)
	if z := estimate.NormalQuantile(1 - alpha/2); e.JumpD == 0 || math.Abs(e.JumpD) < z*e.SED {
		e.Weak = &estimate.WeakDiscontinuityError{Cutoff: cutoff, Bandwidth: h, Jump: e.JumpD, SE: e.SED}
		e.Wald = e.Wald.With(estimate.AnnotationWeakDiscontinuity, "%s", e.Weak.Error())
	}
	return e, nil
}
