// Package regress is the least-squares engine shared by every estimator:
// two-way fixed-effects fits with cluster-robust inference, and plain or
// weighted OLS with heteroskedasticity-robust covariance.
package regress

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"cashdrag/internal/estimate"
)

// Method selects how the entity and time effects are absorbed.
type Method int

const (
	// Within demeans by entity and time with alternating projections.
	Within Method = iota
	// Dummies adds explicit indicator columns, dropping one level per
	// dimension. Only practical for small panels.
	Dummies
)

func (m Method) String() string {
	switch m {
	case Within:
		return "within"
	case Dummies:
		return "dummies"
	}
	return fmt.Sprintf("Method(%d)", int(m))
}

// Design is one two-way fixed-effects problem. All slices have one entry per
// observation; Regressors holds one slice per column.
type Design struct {
	Outcome    []float64
	Regressors [][]float64
	Names      []string
	Entity     []int64
	Time       []int64
	Cluster    []int64
}

// Options tunes FitTWFE. Zero values select the defaults.
type Options struct {
	Method        Method
	Level         float64 // confidence level, default 0.95
	Tolerance     float64 // demeaning convergence, default 1e-10
	MaxIterations int     // demeaning passes, default 10000
}

func (o Options) withDefaults() Options {
	if o.Level <= 0 || o.Level >= 1 {
		o.Level = 0.95
	}
	if o.Tolerance <= 0 {
		o.Tolerance = 1e-10
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = 10000
	}
	return o
}

// Fit holds the coefficients and cluster-robust inference of a TWFE fit.
type Fit struct {
	Names []string
	Coef  []float64
	SE    []float64
	Lower []float64
	Upper []float64
	Level float64
	Vcov  *mat.SymDense

	N        int
	Clusters int
	Entities int
	Periods  int
	DoF      int // N - regressors - absorbed levels, as in the small-cluster correction

	RSS      float64
	RMSE     float64
	R2Within float64

	SingletonsDropped int
	MissingDropped    int
	Iterations        int
	Method            Method
}

// FitTWFE regresses the outcome on the regressors with entity and time fixed
// effects and clusters the variance on Design.Cluster.
//
// Singleton entities or periods are dropped iteratively and counted in
// Fit.SingletonsDropped. A rank-deficient design returns
// *estimate.CollinearityError; fewer than two clusters returns
// *estimate.ClusterDegeneracyError.
func FitTWFE(d Design, opts Options) (*Fit, error) {
	opts = opts.withDefaults()

	n := len(d.Outcome)
	k := len(d.Regressors)
	if k == 0 {
		return nil, fmt.Errorf("design has no regressors")
	}
	if len(d.Names) != k {
		return nil, fmt.Errorf("got %d names for %d regressors", len(d.Names), k)
	}
	if len(d.Entity) != n || len(d.Time) != n || len(d.Cluster) != n {
		return nil, fmt.Errorf("key lengths do not match %d observations", n)
	}
	for j, col := range d.Regressors {
		if len(col) != n {
			return nil, fmt.Errorf("regressor %q has %d rows, want %d", d.Names[j], len(col), n)
		}
	}

	// 1. Drop rows with missing values, then singleton groups
	keep := make([]bool, n)
	missing := 0
	for i := 0; i < n; i++ {
		keep[i] = finite(d.Outcome[i])
		for _, col := range d.Regressors {
			keep[i] = keep[i] && finite(col[i])
		}
		if !keep[i] {
			missing++
		}
	}
	singletons := dropSingletons(keep, d.Entity, d.Time)

	rows := make([]int, 0, n)
	for i, ok := range keep {
		if ok {
			rows = append(rows, i)
		}
	}
	nObs := len(rows)
	if nObs == 0 {
		return nil, fmt.Errorf("no observations left after dropping %d missing and %d singleton rows", missing, singletons)
	}

	// 2. Compact group indexes
	entity, nEntity := compact(d.Entity, rows)
	period, nPeriod := compact(d.Time, rows)
	cluster, nCluster := compact(d.Cluster, rows)
	if nCluster < 2 {
		return nil, &estimate.ClusterDegeneracyError{Clusters: nCluster}
	}

	y := make([]float64, nObs)
	cols := make([][]float64, k)
	for j := range cols {
		cols[j] = make([]float64, nObs)
	}
	for r, i := range rows {
		y[r] = d.Outcome[i]
		for j := range cols {
			cols[j][r] = d.Regressors[j][i]
		}
	}

	// 3. Absorb the fixed effects
	var (
		X          *mat.Dense
		yv         *mat.VecDense
		iterations int
	)
	switch opts.Method {
	case Within:
		all := append([][]float64{y}, cols...)
		it, err := demean(all, entity, nEntity, period, nPeriod, opts.Tolerance, opts.MaxIterations)
		if err != nil {
			return nil, err
		}
		iterations = it
		X = columnsToDense(cols)
		yv = mat.NewVecDense(nObs, y)
	case Dummies:
		X = withDummies(cols, entity, nEntity, period, nPeriod)
		yv = mat.NewVecDense(nObs, y)
	default:
		return nil, fmt.Errorf("unknown method %v", opts.Method)
	}

	// 4. Least squares with rank check
	_, p := X.Dims()
	if nObs <= p {
		return nil, fmt.Errorf("need more than %d observations, got %d", p, nObs)
	}
	if rank := numericalRank(X); rank < p {
		return nil, &estimate.CollinearityError{
			Columns: collinearColumns(X, d.Names),
			Rank:    rank,
			Want:    p,
		}
	}

	bread, err := invertGram(X, nil)
	if err != nil {
		return nil, &estimate.CollinearityError{Columns: d.Names, Rank: -1, Want: p}
	}

	var xty mat.VecDense
	xty.MulVec(X.T(), yv)
	var beta mat.VecDense
	beta.MulVec(bread, &xty)

	var fitted, resid mat.VecDense
	fitted.MulVec(X, &beta)
	resid.SubVec(yv, &fitted)

	// 5. Cluster-robust sandwich, small-cluster corrected
	meat := clusterMeat(X, resid.RawVector().Data, cluster, nCluster)

	// Entity effects nested in clusters do not count against the residual
	// degrees of freedom. Both methods use the same correction.
	absorbed := nPeriod
	if !nested(entity, cluster) {
		absorbed = nEntity + nPeriod - 1
	}
	kTotal := k + absorbed
	if nObs <= kTotal {
		return nil, fmt.Errorf("insufficient degrees of freedom: %d observations, %d parameters", nObs, kTotal)
	}
	adj := float64(nCluster) / float64(nCluster-1) * float64(nObs-1) / float64(nObs-kTotal)

	vFull := sandwich(bread, meat, adj)

	// Coefficients of interest are the first k columns in both methods.
	vcov := mat.NewSymDense(k, nil)
	for a := 0; a < k; a++ {
		for b := a; b < k; b++ {
			vcov.SetSym(a, b, vFull.At(a, b))
		}
	}

	fit := &Fit{
		Names:             append([]string(nil), d.Names...),
		Coef:              make([]float64, k),
		SE:                make([]float64, k),
		Lower:             make([]float64, k),
		Upper:             make([]float64, k),
		Level:             opts.Level,
		Vcov:              vcov,
		N:                 nObs,
		Clusters:          nCluster,
		Entities:          nEntity,
		Periods:           nPeriod,
		DoF:               nObs - kTotal,
		SingletonsDropped: singletons,
		MissingDropped:    missing,
		Iterations:        iterations,
		Method:            opts.Method,
	}

	tDist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(nCluster - 1)}
	crit := tDist.Quantile(1 - (1-opts.Level)/2)
	for j := 0; j < k; j++ {
		fit.Coef[j] = beta.AtVec(j)
		fit.SE[j] = math.Sqrt(math.Max(vcov.At(j, j), 0))
		fit.Lower[j] = fit.Coef[j] - crit*fit.SE[j]
		fit.Upper[j] = fit.Coef[j] + crit*fit.SE[j]
	}

	// 6. Residual diagnostics on the transformed outcome
	fit.RSS = mat.Dot(&resid, &resid)
	if fit.DoF > 0 {
		fit.RMSE = math.Sqrt(fit.RSS / float64(fit.DoF))
	}
	tss := 0.0
	if opts.Method == Within {
		for _, v := range y {
			tss += v * v
		}
	} else {
		tss = withinTSS(y, entity, nEntity, period, nPeriod, opts)
	}
	if tss > 0 {
		fit.R2Within = 1 - fit.RSS/tss
	}

	return fit, nil
}

// Index returns the column of a named coefficient.
func (f *Fit) Index(name string) (int, bool) {
	for j, n := range f.Names {
		if n == name {
			return j, true
		}
	}
	return -1, false
}

// Coefficient returns a named coefficient and its standard error.
func (f *Fit) Coefficient(name string) (coef, se float64, ok bool) {
	j, ok := f.Index(name)
	if !ok {
		return math.NaN(), math.NaN(), false
	}
	return f.Coef[j], f.SE[j], true
}

// Interval is the t interval with clusters-1 degrees of freedom at the fit's
// level, for derived quantities such as Combination.
func (f *Fit) Interval(est, se float64) (lower, upper float64) {
	tDist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(f.Clusters - 1)}
	crit := tDist.Quantile(1 - (1-f.Level)/2)
	return est - crit*se, est + crit*se
}

// Combination returns sum_j w_j * coef_j and its standard error.
func (f *Fit) Combination(weights map[string]float64) (est, se float64, err error) {
	a := mat.NewVecDense(len(f.Names), nil)
	for name, w := range weights {
		j, ok := f.Index(name)
		if !ok {
			return math.NaN(), math.NaN(), fmt.Errorf("unknown coefficient %q", name)
		}
		a.SetVec(j, w)
	}
	for j := range f.Coef {
		est += a.AtVec(j) * f.Coef[j]
	}
	var va mat.VecDense
	va.MulVec(f.Vcov, a)
	return est, math.Sqrt(math.Max(mat.Dot(a, &va), 0)), nil
}

// WaldResult is a joint test that a set of coefficients is zero.
type WaldResult struct {
	Names      []string
	FStatistic float64
	DF1        int
	DF2        int
	PValue     float64
}

// Wald tests H0: all named coefficients are zero using the cluster-robust
// covariance, with an F(q, clusters-1) reference distribution.
func (f *Fit) Wald(names []string) (*WaldResult, error) {
	q := len(names)
	if q == 0 {
		return nil, fmt.Errorf("no coefficients to test")
	}
	idx := make([]int, q)
	for i, name := range names {
		j, ok := f.Index(name)
		if !ok {
			return nil, fmt.Errorf("unknown coefficient %q", name)
		}
		idx[i] = j
	}

	b := mat.NewVecDense(q, nil)
	v := mat.NewSymDense(q, nil)
	for a := 0; a < q; a++ {
		b.SetVec(a, f.Coef[idx[a]])
		for c := a; c < q; c++ {
			v.SetSym(a, c, f.Vcov.At(idx[a], idx[c]))
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(v); !ok {
		return nil, fmt.Errorf("covariance of tested coefficients is not positive definite")
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, b); err != nil {
		return nil, fmt.Errorf("wald solve: %w", err)
	}

	res := &WaldResult{
		Names: append([]string(nil), names...),
		DF1:   q,
		DF2:   f.Clusters - 1,
	}
	stat := mat.Dot(b, &x) / float64(q)

	// Guard before calling F.CDF: F is only defined for x >= 0.
	if stat <= 0 || math.IsNaN(stat) || math.IsInf(stat, 0) {
		res.FStatistic = 0
		res.PValue = 1
		return res, nil
	}
	res.FStatistic = stat
	fDist := distuv.F{D1: float64(q), D2: float64(res.DF2)}
	res.PValue = 1.0 - fDist.CDF(stat)

	// Final sanity clamp on pValue to ensure it's in [0, 1]
	res.PValue = math.Min(1, math.Max(0, res.PValue))
	return res, nil
}

// dropSingletons iteratively removes rows whose entity or period occurs once
// among kept rows, and returns how many rows it removed.
func dropSingletons(keep []bool, entity, period []int64) int {
	dropped := 0
	for {
		ec := make(map[int64]int)
		pc := make(map[int64]int)
		for i, ok := range keep {
			if ok {
				ec[entity[i]]++
				pc[period[i]]++
			}
		}
		changed := false
		for i, ok := range keep {
			if ok && (ec[entity[i]] == 1 || pc[period[i]] == 1) {
				keep[i] = false
				dropped++
				changed = true
			}
		}
		if !changed {
			return dropped
		}
	}
}

// compact maps the keys of the selected rows to 0..levels-1 in ascending key
// order, so results never depend on input order.
func compact(keys []int64, rows []int) ([]int, int) {
	uniq := make([]int64, 0)
	seen := make(map[int64]bool)
	for _, i := range rows {
		if !seen[keys[i]] {
			seen[keys[i]] = true
			uniq = append(uniq, keys[i])
		}
	}
	sort.Slice(uniq, func(a, b int) bool { return uniq[a] < uniq[b] })
	level := make(map[int64]int, len(uniq))
	for l, key := range uniq {
		level[key] = l
	}
	out := make([]int, len(rows))
	for r, i := range rows {
		out[r] = level[keys[i]]
	}
	return out, len(uniq)
}

// nested reports whether every entity lies in exactly one cluster.
func nested(entity, cluster []int) bool {
	home := make(map[int]int)
	for i, e := range entity {
		if c, ok := home[e]; ok && c != cluster[i] {
			return false
		}
		home[e] = cluster[i]
	}
	return true
}

// demean applies alternating entity/time demeaning to every column in
// place until the largest adjustment falls below tol.
func demean(cols [][]float64, entity []int, nEntity int, period []int, nPeriod int, tol float64, maxIter int) (int, error) {
	eCount := groupCounts(entity, nEntity)
	pCount := groupCounts(period, nPeriod)

	for iter := 1; iter <= maxIter; iter++ {
		maxAdj := 0.0
		for _, col := range cols {
			maxAdj = math.Max(maxAdj, subtractGroupMeans(col, entity, eCount))
			maxAdj = math.Max(maxAdj, subtractGroupMeans(col, period, pCount))
		}
		if maxAdj < tol {
			return iter, nil
		}
	}
	return maxIter, fmt.Errorf("within transformation did not converge in %d passes", maxIter)
}

func groupCounts(g []int, levels int) []float64 {
	c := make([]float64, levels)
	for _, l := range g {
		c[l]++
	}
	return c
}

// subtractGroupMeans removes group means from col and returns the largest
// absolute mean removed.
func subtractGroupMeans(col []float64, g []int, counts []float64) float64 {
	sums := make([]float64, len(counts))
	for i, v := range col {
		sums[g[i]] += v
	}
	maxAdj := 0.0
	for l := range sums {
		sums[l] /= counts[l]
		maxAdj = math.Max(maxAdj, math.Abs(sums[l]))
	}
	for i := range col {
		col[i] -= sums[g[i]]
	}
	return maxAdj
}

func withinTSS(y []float64, entity []int, nEntity int, period []int, nPeriod int, opts Options) float64 {
	tmp := append([]float64(nil), y...)
	if _, err := demean([][]float64{tmp}, entity, nEntity, period, nPeriod, opts.Tolerance, opts.MaxIterations); err != nil {
		return 0
	}
	tss := 0.0
	for _, v := range tmp {
		tss += v * v
	}
	return tss
}

// withDummies lays out [regressors | intercept | entity 2..E | period 2..P].
func withDummies(cols [][]float64, entity []int, nEntity int, period []int, nPeriod int) *mat.Dense {
	n := len(entity)
	k := len(cols)
	p := k + 1 + (nEntity - 1) + (nPeriod - 1)
	X := mat.NewDense(n, p, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			X.Set(i, j, cols[j][i])
		}
		X.Set(i, k, 1)
		if entity[i] > 0 {
			X.Set(i, k+entity[i], 1)
		}
		if period[i] > 0 {
			X.Set(i, k+nEntity-1+period[i], 1)
		}
	}
	return X
}

func columnsToDense(cols [][]float64) *mat.Dense {
	n := len(cols[0])
	X := mat.NewDense(n, len(cols), nil)
	for j, col := range cols {
		X.SetCol(j, col)
	}
	return X
}

// clusterMeat accumulates sum_c S_c' S_c with S_c = sum_{i in c} e_i x_i.
func clusterMeat(X *mat.Dense, resid []float64, cluster []int, nCluster int) *mat.SymDense {
	n, p := X.Dims()
	scores := mat.NewDense(nCluster, p, nil)
	for i := 0; i < n; i++ {
		c := cluster[i]
		for j := 0; j < p; j++ {
			scores.Set(c, j, scores.At(c, j)+resid[i]*X.At(i, j))
		}
	}
	meat := mat.NewSymDense(p, nil)
	meat.SymOuterK(1, scores.T())
	return meat
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
