package did

import (
	"fmt"

	"cashdrag/internal/estimate"
	"cashdrag/internal/panel"
	"cashdrag/internal/regress"
)

// BinName names the indicator of relative time e: lead6..lead2, lag0..lagN.
func BinName(e int) string {
	if e < 0 {
		return fmt.Sprintf("lead%d", -e)
	}
	return fmt.Sprintf("lag%d", e)
}

// Coefficient is one event-time bin estimate relative to e = -1.
type Coefficient struct {
	EventTime int
	Estimate  float64
	SE        float64
	Lower     float64
	Upper     float64
	N         int // treated rows in the bin
}

// EventStudy is a fitted event study.
type EventStudy struct {
	Coefficients []Coefficient
	// EmptyBins are window bins with no treated rows in the sample. They
	// are left out of the regression.
	EmptyBins []int
	// PreTrend is the joint test that every lead is zero; nil without leads.
	PreTrend *regress.WaldResult
	// Post averages the lag coefficients with equal weights.
	Post estimate.Result
	Fit  *regress.Fit
}

// Leads returns the coefficients for e <= -2.
func (es *EventStudy) Leads() []Coefficient {
	var out []Coefficient
	for _, c := range es.Coefficients {
		if c.EventTime < 0 {
			out = append(out, c)
		}
	}
	return out
}

// Lags returns the coefficients for e >= 0.
func (es *EventStudy) Lags() []Coefficient {
	var out []Coefficient
	for _, c := range es.Coefficients {
		if c.EventTime >= 0 {
			out = append(out, c)
		}
	}
	return out
}

// BuildEventStudy fits outcome on relative-time bin indicators with account
// and month fixed effects. Relative time -1 is the omitted reference, times
// outside the window fall into the edge bins, and never-treated accounts have
// all indicators zero. A rejected joint lead test annotates Post with
// PreTrend; leads are never dropped.
func BuildEventStudy(s *panel.Store, o Options) (*EventStudy, error) {
	v := sample(s, o)
	rows := v.Rows()
	bins := o.Window.Bins()

	slot := make(map[int]int, len(bins))
	for j, e := range bins {
		slot[e] = j
	}
	cols := make([][]float64, len(bins))
	for j := range cols {
		cols[j] = make([]float64, len(rows))
	}
	counts := make([]int, len(bins))
	for i, r := range rows {
		e, ok := r.RelativeTime()
		if !ok {
			continue
		}
		j, ok := slot[o.Window.Clamp(e)]
		if !ok {
			continue // reference period
		}
		cols[j][i] = 1
		counts[j]++
	}

	es := &EventStudy{}
	var (
		names  []string
		regs   [][]float64
		used   []int
		nInBin []int
	)
	for j, e := range bins {
		if counts[j] == 0 {
			es.EmptyBins = append(es.EmptyBins, e)
			continue
		}
		names = append(names, BinName(e))
		regs = append(regs, cols[j])
		used = append(used, e)
		nInBin = append(nInBin, counts[j])
	}
	if len(regs) == 0 {
		return nil, fmt.Errorf("event study: no treated rows inside the event window")
	}

	d, err := design(v, o, names, regs)
	if err != nil {
		return nil, err
	}
	fit, err := regress.FitTWFE(d, regress.Options{Method: o.Method, Level: o.level()})
	if err != nil {
		return nil, fmt.Errorf("event study: %w", err)
	}
	es.Fit = fit

	var leads []string
	lags := make(map[string]float64)
	for j, e := range used {
		es.Coefficients = append(es.Coefficients, Coefficient{
			EventTime: e,
			Estimate:  fit.Coef[j],
			SE:        fit.SE[j],
			Lower:     fit.Lower[j],
			Upper:     fit.Upper[j],
			N:         nInBin[j],
		})
		if e < 0 {
			leads = append(leads, names[j])
		} else {
			lags[names[j]] = 1
		}
	}
	if len(lags) == 0 {
		return nil, fmt.Errorf("event study: no post-adoption bins observed")
	}
	for name := range lags {
		lags[name] = 1 / float64(len(lags))
	}

	est, se, err := fit.Combination(lags)
	if err != nil {
		return nil, fmt.Errorf("event study post average: %w", err)
	}
	lo, hi := fit.Interval(est, se)
	es.Post = estimate.NewResult(estimate.KindEventStudy, est, se, fit.N, fit.Level).
		WithInterval(lo, hi, fit.Level)
	es.Post = annotateFit(es.Post, fit)

	if len(leads) > 0 {
		w, err := fit.Wald(leads)
		if err != nil {
			return nil, fmt.Errorf("event study pre-trend test: %w", err)
		}
		es.PreTrend = w
		if w.PValue < o.Alpha {
			es.Post = es.Post.With(estimate.AnnotationPreTrend,
				"joint lead test rejects at %.3g: F(%d,%d)=%.3f p=%.4f", o.Alpha, w.DF1, w.DF2, w.FStatistic, w.PValue)
		}
	}
	return es, nil
}
