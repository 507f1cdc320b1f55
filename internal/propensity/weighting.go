package propensity

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"cashdrag/internal/config"
	"cashdrag/internal/estimate"
	"cashdrag/internal/panel"
	"cashdrag/internal/regress"
	"cashdrag/internal/stats"
)

// Options configures Analyze.
type Options struct {
	Treatment  string   // summary column, 0/1
	Outcome    string   // summary column
	Covariates []string // empty means every summary covariate

	TrimEpsilon      float64
	MaxIterations    int
	Tolerance        float64
	BalanceThreshold float64
	Alpha            float64
}

// FromConfig maps run configuration onto weighting options.
func FromConfig(cfg config.Config) Options {
	return Options{
		Treatment:        "ever_nudged",
		Outcome:          "invested_12m",
		Covariates:       cfg.PropensityCovariates,
		TrimEpsilon:      cfg.TrimEpsilon,
		MaxIterations:    cfg.MaxIterations,
		Tolerance:        1e-8,
		BalanceThreshold: cfg.BalanceThreshold,
		Alpha:            cfg.Alpha,
	}
}

// Sample is the account-level cross-section the weighting estimators use.
type Sample struct {
	Names []string
	X     [][]float64 // one slice per covariate
	T     []float64
	Y     []float64
}

// Len returns the number of accounts.
func (s *Sample) Len() int { return len(s.T) }

// SampleFrom extracts treatment, outcome and covariates from the account
// summaries.
func SampleFrom(s *panel.Store, o Options) (*Sample, error) {
	names := o.Covariates
	if len(names) == 0 {
		names = s.CovariateNames()
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("propensity: store has no summary covariates")
	}
	t, err := s.SummaryColumn(o.Treatment)
	if err != nil {
		return nil, err
	}
	y, err := s.SummaryColumn(o.Outcome)
	if err != nil {
		return nil, err
	}
	smp := &Sample{Names: append([]string(nil), names...), T: t, Y: y}
	for _, name := range names {
		col, err := s.SummaryColumn(name)
		if err != nil {
			return nil, &estimate.ConfigurationError{Option: "propensity_covariates", Value: name, Reason: err.Error()}
		}
		smp.X = append(smp.X, col)
	}
	return smp, nil
}

// Analysis bundles the fitted model with every weighting estimate.
type Analysis struct {
	Model   *Model
	Weights []float64
	IPW     estimate.Result
	DR      estimate.Result
	// DRErr is set when an outcome model could not be fit. DR is then the
	// zero Result; IPW and Balance are unaffected.
	DRErr   error
	Balance estimate.BalanceReport
}

// Analyze fits the propensity model once and derives IPW, DR and balance
// from it. Convergence, trimming and balance problems become annotations
// on both results.
func Analyze(s *panel.Store, o Options) (*Analysis, error) {
	smp, err := SampleFrom(s, o)
	if err != nil {
		return nil, err
	}
	return AnalyzeSample(smp, o)
}

// AnalyzeSample is Analyze on an extracted sample.
func AnalyzeSample(smp *Sample, o Options) (*Analysis, error) {
	m, err := FitLogit(smp.Names, smp.X, smp.T, o.MaxIterations, o.Tolerance, o.TrimEpsilon)
	if err != nil {
		return nil, fmt.Errorf("propensity model: %w", err)
	}
	a := &Analysis{Model: m, Weights: Weights(smp.T, m.Scores)}

	level := 1 - o.Alpha
	a.IPW = IPW(smp, m, level)
	a.DR, a.DRErr = DoublyRobust(smp, m, level)
	a.Balance = Balance(smp, a.Weights, o.BalanceThreshold)

	annotate := func(r estimate.Result) estimate.Result {
		if !m.Converged {
			r = r.With(estimate.AnnotationConvergence, "logit stopped after %d iterations without converging", m.Iterations)
		}
		if m.Trimmed > 0 {
			r = r.With(estimate.AnnotationTrimmed, "%d scores (%.1f%%) clipped to [%g, %g]",
				m.Trimmed, 100*m.TrimmedShare, m.Epsilon, 1-m.Epsilon)
		}
		if !a.Balance.Balanced() {
			r = r.With(estimate.AnnotationBalance, "max weighted |SMD| %.3f exceeds %.3f",
				a.Balance.MaxWeighted, a.Balance.Threshold)
		}
		return r
	}
	a.IPW = annotate(a.IPW)
	if a.DRErr == nil {
		a.DR = annotate(a.DR)
	}
	return a, nil
}

// Weights are the inverse probability weights T/p + (1-T)/(1-p).
func Weights(t, p []float64) []float64 {
	w := make([]float64, len(t))
	for i := range t {
		w[i] = t[i]/p[i] + (1-t[i])/(1-p[i])
	}
	return w
}

// IPW is the Hajek (normalised) inverse probability weighted ATE with an
// influence-function standard error that treats the scores as known.
func IPW(smp *Sample, m *Model, level float64) estimate.Result {
	n := smp.Len()
	var s1, s0, sw1, sw0 float64
	for i := 0; i < n; i++ {
		p := m.Scores[i]
		if smp.T[i] == 1 {
			s1 += smp.Y[i] / p
			sw1 += 1 / p
		} else {
			s0 += smp.Y[i] / (1 - p)
			sw0 += 1 / (1 - p)
		}
	}
	mu1, mu0 := s1/sw1, s0/sw0
	// sw/n are the normalising means in the influence function
	norm1, norm0 := sw1/float64(n), sw0/float64(n)

	psi := make([]float64, n)
	for i := 0; i < n; i++ {
		p := m.Scores[i]
		if smp.T[i] == 1 {
			psi[i] = (smp.Y[i] - mu1) / p / norm1
		} else {
			psi[i] = -(smp.Y[i] - mu0) / (1 - p) / norm0
		}
	}
	res := estimate.NewResult(estimate.KindIPW, mu1-mu0, ifSE(psi, 0), n, level)
	res.EffectiveN = stats.KishESS(Weights(smp.T, m.Scores))
	return res
}

// DoublyRobust is the augmented IPW ATE with linear outcome models fit
// separately on treated and untreated accounts.
func DoublyRobust(smp *Sample, m *Model, level float64) (estimate.Result, error) {
	m1, err := outcomeModel(smp, 1)
	if err != nil {
		return estimate.Result{}, fmt.Errorf("treated outcome model: %w", err)
	}
	m0, err := outcomeModel(smp, 0)
	if err != nil {
		return estimate.Result{}, fmt.Errorf("control outcome model: %w", err)
	}

	n := smp.Len()
	psi := make([]float64, n)
	x := make([]float64, len(smp.X)+1)
	x[0] = 1
	for i := 0; i < n; i++ {
		for j, col := range smp.X {
			x[j+1] = col[i]
		}
		mu1, mu0 := m1.Predict(x), m0.Predict(x)
		p, t, y := m.Scores[i], smp.T[i], smp.Y[i]
		psi[i] = mu1 - mu0 + t*(y-mu1)/p - (1-t)*(y-mu0)/(1-p)
	}
	ate := stat.Mean(psi, nil)
	res := estimate.NewResult(estimate.KindDoublyRobust, ate, ifSE(psi, ate), n, level)
	res.EffectiveN = stats.KishESS(Weights(smp.T, m.Scores))
	return res, nil
}

// outcomeModel regresses Y on an intercept and the covariates within the
// arm T == arm.
func outcomeModel(smp *Sample, arm float64) (*regress.LeastSquares, error) {
	var rows []int
	for i, t := range smp.T {
		if t == arm {
			rows = append(rows, i)
		}
	}
	k := len(smp.X) + 1
	X := mat.NewDense(len(rows), k, nil)
	y := make([]float64, len(rows))
	for r, i := range rows {
		X.Set(r, 0, 1)
		for j, col := range smp.X {
			X.Set(r, j+1, col[i])
		}
		y[r] = smp.Y[i]
	}
	return regress.OLS(append([]string{"intercept"}, smp.Names...), X, y, nil)
}

// ifSE is sqrt(sum (psi_i - center)^2) / n.
func ifSE(psi []float64, center float64) float64 {
	ss := 0.0
	for _, v := range psi {
		ss += (v - center) * (v - center)
	}
	return math.Sqrt(ss) / float64(len(psi))
}

// Balance reports standardised mean differences before and after weighting.
// Both use the pooled unweighted standard deviation as the denominator.
func Balance(smp *Sample, w []float64, threshold float64) estimate.BalanceReport {
	covs := make([]estimate.CovariateBalance, len(smp.Names))
	for j, name := range smp.Names {
		var (
			xt, xc, wt, wc []float64
		)
		for i, v := range smp.X[j] {
			if smp.T[i] == 1 {
				xt = append(xt, v)
				wt = append(wt, w[i])
			} else {
				xc = append(xc, v)
				wc = append(wc, w[i])
			}
		}
		mt, vt := stats.WeightedMeanVar(xt, nil)
		mc, vc := stats.WeightedMeanVar(xc, nil)
		sd := math.Sqrt((vt + vc) / 2)

		covs[j] = estimate.CovariateBalance{Name: name}
		if sd > 0 {
			covs[j].Unweighted = (mt - mc) / sd
			covs[j].Weighted = (stat.Mean(xt, wt) - stat.Mean(xc, wc)) / sd
		}
	}
	return estimate.NewBalanceReport(covs, threshold)
}
