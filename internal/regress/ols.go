package regress

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"cashdrag/internal/estimate"
)

// rankTolerance is the singular-value cutoff relative to the largest one.
const rankTolerance = 1e-10

// LeastSquares is a (weighted) OLS fit with HC1 robust covariance.
type LeastSquares struct {
	Names []string
	Coef  []float64
	SE    []float64
	Vcov  *mat.SymDense
	Resid []float64
	N     int
	K     int

	x     *mat.Dense
	w     []float64
	bread *mat.SymDense
}

// OLS solves min sum w_i (y_i - x_i b)^2. A nil w means unit weights.
// Rank-deficient designs return *estimate.CollinearityError.
func OLS(names []string, X *mat.Dense, y, w []float64) (*LeastSquares, error) {
	n, k := X.Dims()
	if len(y) != n {
		return nil, fmt.Errorf("outcome has %d rows, design has %d", len(y), n)
	}
	if w != nil && len(w) != n {
		return nil, fmt.Errorf("weights have %d rows, design has %d", len(w), n)
	}
	if len(names) != k {
		return nil, fmt.Errorf("got %d names for %d columns", len(names), k)
	}
	if n <= k {
		return nil, fmt.Errorf("need more than %d observations, got %d", k, n)
	}

	if rank := numericalRank(weighted(X, w)); rank < k {
		return nil, &estimate.CollinearityError{
			Columns: collinearColumns(weighted(X, w), names),
			Rank:    rank,
			Want:    k,
		}
	}
	bread, err := invertGram(X, w)
	if err != nil {
		return nil, &estimate.CollinearityError{Columns: names, Rank: -1, Want: k}
	}

	// b = (X'WX)^(-1) X'Wy
	wy := make([]float64, n)
	for i := range y {
		wy[i] = weight(w, i) * y[i]
	}
	var xty, beta mat.VecDense
	xty.MulVec(X.T(), mat.NewVecDense(n, wy))
	beta.MulVec(bread, &xty)

	var fitted mat.VecDense
	fitted.MulVec(X, &beta)
	resid := make([]float64, n)
	for i := range resid {
		resid[i] = y[i] - fitted.AtVec(i)
	}

	ls := &LeastSquares{
		Names: append([]string(nil), names...),
		Coef:  make([]float64, k),
		SE:    make([]float64, k),
		Resid: resid,
		N:     n,
		K:     k,
		x:     X,
		w:     w,
		bread: bread,
	}
	for j := range ls.Coef {
		ls.Coef[j] = beta.AtVec(j)
	}

	scores := scoreMatrix(X, w, resid)
	meat := mat.NewSymDense(k, nil)
	meat.SymOuterK(1, scores.T())
	ls.Vcov = sandwich(bread, meat, float64(n)/float64(n-k))
	for j := range ls.SE {
		ls.SE[j] = math.Sqrt(math.Max(ls.Vcov.At(j, j), 0))
	}
	return ls, nil
}

// Predict evaluates x'b.
func (ls *LeastSquares) Predict(x []float64) float64 {
	v := 0.0
	for j, c := range ls.Coef {
		v += c * x[j]
	}
	return v
}

// CrossCovariance returns the HC1 covariance between the coefficients of two
// fits on the same design and weights, e.g. reduced form and first stage.
func CrossCovariance(a, b *LeastSquares) (*mat.Dense, error) {
	if a.x != b.x || a.N != b.N {
		return nil, fmt.Errorf("cross covariance needs fits on the same design")
	}
	sa := scoreMatrix(a.x, a.w, a.Resid)
	sb := scoreMatrix(b.x, b.w, b.Resid)

	var meat, tmp, out mat.Dense
	meat.Mul(sa.T(), sb)
	tmp.Mul(a.bread, &meat)
	out.Mul(&tmp, b.bread)
	out.Scale(float64(a.N)/float64(a.N-a.K), &out)
	return &out, nil
}

// scoreMatrix has rows w_i e_i x_i.
func scoreMatrix(X *mat.Dense, w, resid []float64) *mat.Dense {
	n, k := X.Dims()
	s := mat.NewDense(n, k, nil)
	for i := 0; i < n; i++ {
		f := weight(w, i) * resid[i]
		for j := 0; j < k; j++ {
			s.Set(i, j, f*X.At(i, j))
		}
	}
	return s
}

func weight(w []float64, i int) float64 {
	if w == nil {
		return 1
	}
	return w[i]
}

// weighted returns diag(sqrt(w)) X, or X itself for unit weights.
func weighted(X *mat.Dense, w []float64) *mat.Dense {
	if w == nil {
		return X
	}
	n, k := X.Dims()
	out := mat.NewDense(n, k, nil)
	for i := 0; i < n; i++ {
		sw := math.Sqrt(w[i])
		for j := 0; j < k; j++ {
			out.Set(i, j, sw*X.At(i, j))
		}
	}
	return out
}

// invertGram returns (X'WX)^(-1).
func invertGram(X *mat.Dense, w []float64) (*mat.SymDense, error) {
	_, k := X.Dims()
	gram := mat.NewSymDense(k, nil)
	gram.SymOuterK(1, weighted(X, w).T())

	var chol mat.Cholesky
	if ok := chol.Factorize(gram); !ok {
		return nil, fmt.Errorf("gram matrix is not positive definite")
	}
	inv := mat.NewSymDense(k, nil)
	if err := chol.InverseTo(inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// sandwich returns adj * B M B, symmetrised.
func sandwich(bread, meat *mat.SymDense, adj float64) *mat.SymDense {
	k := bread.SymmetricDim()
	var tmp, full mat.Dense
	tmp.Mul(bread, meat)
	full.Mul(&tmp, bread)

	v := mat.NewSymDense(k, nil)
	for a := 0; a < k; a++ {
		for b := a; b < k; b++ {
			v.SetSym(a, b, adj*(full.At(a, b)+full.At(b, a))/2)
		}
	}
	return v
}

// numericalRank counts singular values above rankTolerance times the largest.
func numericalRank(X mat.Matrix) int {
	var svd mat.SVD
	if ok := svd.Factorize(X, mat.SVDNone); !ok {
		return 0
	}
	return svd.Rank(rankTolerance)
}

// collinearColumns names the columns that add nothing to the span of the
// columns tested before them. Columns past len(names) are absorbed effects;
// they are tested first so rank loss is charged to the named regressors.
func collinearColumns(X *mat.Dense, names []string) []string {
	n, p := X.Dims()
	order := make([]int, 0, p)
	for j := len(names); j < p; j++ {
		order = append(order, j)
	}
	for j := 0; j < len(names) && j < p; j++ {
		order = append(order, j)
	}

	var (
		out  []string
		kept []int
	)
	for _, j := range order {
		cand := append(append([]int(nil), kept...), j)
		sub := mat.NewDense(n, len(cand), nil)
		for c, col := range cand {
			for i := 0; i < n; i++ {
				sub.Set(i, c, X.At(i, col))
			}
		}
		if numericalRank(sub) == len(cand) {
			kept = cand
			continue
		}
		if j < len(names) {
			out = append(out, names[j])
		} else {
			out = append(out, fmt.Sprintf("fixed_effect[%d]", j-len(names)))
		}
	}
	return out
}
