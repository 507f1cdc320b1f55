// Package propensity fits treatment propensities and builds the weighting
// estimators on them: Hajek IPW, augmented IPW (doubly robust) and the
// covariate balance report.
package propensity

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"cashdrag/internal/estimate"
)

// Model is a fitted logistic propensity model.
type Model struct {
	// Names are "intercept" followed by the covariates. Coefficients are on
	// the standardised covariate scale.
	Names []string
	Coef  []float64

	// Raw are fitted propensities; Scores are Raw clipped to [eps, 1-eps].
	Raw    []float64
	Scores []float64

	Iterations   int
	Converged    bool
	LogLik       float64
	Trimmed      int
	TrimmedShare float64
	Epsilon      float64
}

// FitLogit fits P(T=1|x) by Newton/IRLS on standardised covariates, stopping
// when the largest step falls below tol or after maxIter iterations. On the
// cap, or when the Hessian becomes singular (separation), it returns the
// best iterate seen with Converged false. Propensities are clipped to
// [eps, 1-eps].
func FitLogit(names []string, cols [][]float64, t []float64, maxIter int, tol, eps float64) (*Model, error) {
	n := len(t)
	if n == 0 {
		return nil, fmt.Errorf("logit: no observations")
	}
	if len(names) != len(cols) {
		return nil, fmt.Errorf("logit: got %d names for %d covariates", len(names), len(cols))
	}
	treated := 0
	for _, v := range t {
		if v != 0 && v != 1 {
			return nil, fmt.Errorf("logit: treatment must be 0/1, got %v", v)
		}
		if v == 1 {
			treated++
		}
	}
	if treated == 0 || treated == n {
		return nil, fmt.Errorf("logit: need both treated and untreated units, got %d of %d treated", treated, n)
	}

	k := len(cols) + 1
	X := mat.NewDense(n, k, nil)
	for i := 0; i < n; i++ {
		X.Set(i, 0, 1)
	}
	for j, col := range cols {
		if len(col) != n {
			return nil, fmt.Errorf("logit: covariate %q has %d rows, want %d", names[j], len(col), n)
		}
		mean, sd := stat.MeanStdDev(col, nil)
		if sd == 0 || math.IsNaN(sd) {
			return nil, &estimate.CollinearityError{Columns: []string{names[j]}, Rank: k - 1, Want: k}
		}
		for i, v := range col {
			X.Set(i, j+1, (v-mean)/sd)
		}
	}

	m := &Model{
		Names:   append([]string{"intercept"}, names...),
		Epsilon: eps,
	}
	beta := mat.NewVecDense(k, nil)
	best := mat.VecDenseCopyOf(beta)
	bestLL := logLik(X, beta, t)

	for iter := 1; iter <= maxIter; iter++ {
		m.Iterations = iter

		var eta mat.VecDense
		eta.MulVec(X, beta)
		resid := make([]float64, n)
		w := make([]float64, n)
		for i := 0; i < n; i++ {
			p := sigmoid(eta.AtVec(i))
			resid[i] = t[i] - p
			w[i] = p * (1 - p)
		}

		// H = X'WX, g = X'(t - p)
		var grad mat.VecDense
		grad.MulVec(X.T(), mat.NewVecDense(n, resid))
		hess := mat.NewSymDense(k, nil)
		hess.SymOuterK(1, scaleRows(X, w).T())

		var chol mat.Cholesky
		if ok := chol.Factorize(hess); !ok {
			break
		}
		var step mat.VecDense
		if err := chol.SolveVecTo(&step, &grad); err != nil {
			break
		}
		beta.AddVec(beta, &step)

		if ll := logLik(X, beta, t); ll > bestLL || math.IsNaN(bestLL) {
			bestLL = ll
			best.CopyVec(beta)
		}
		if mat.Norm(&step, math.Inf(1)) < tol {
			m.Converged = true
			break
		}
	}

	m.LogLik = bestLL
	m.Coef = make([]float64, k)
	for j := range m.Coef {
		m.Coef[j] = best.AtVec(j)
	}

	var eta mat.VecDense
	eta.MulVec(X, best)
	m.Raw = make([]float64, n)
	m.Scores = make([]float64, n)
	for i := 0; i < n; i++ {
		p := sigmoid(eta.AtVec(i))
		m.Raw[i] = p
		m.Scores[i] = math.Min(1-eps, math.Max(eps, p))
		if m.Scores[i] != p {
			m.Trimmed++
		}
	}
	m.TrimmedShare = float64(m.Trimmed) / float64(n)
	return m, nil
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

func logLik(X *mat.Dense, beta *mat.VecDense, t []float64) float64 {
	var eta mat.VecDense
	eta.MulVec(X, beta)
	ll := 0.0
	for i, y := range t {
		// log(1+exp(x)) without overflow
		x := eta.AtVec(i)
		ll += y*x - (math.Max(x, 0) + math.Log1p(math.Exp(-math.Abs(x))))
	}
	return ll
}

// scaleRows returns diag(sqrt(w)) X.
func scaleRows(X *mat.Dense, w []float64) *mat.Dense {
	n, k := X.Dims()
	out := mat.NewDense(n, k, nil)
	for i := 0; i < n; i++ {
		s := math.Sqrt(w[i])
		for j := 0; j < k; j++ {
			out.Set(i, j, s*X.At(i, j))
		}
	}
	return out
}
