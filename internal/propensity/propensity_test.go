package propensity_test

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cashdrag/internal/config"
	"cashdrag/internal/estimate"
	"cashdrag/internal/panel/paneltest"
	"cashdrag/internal/propensity"
)

func confounded(n int, seed int64) paneltest.CrossSectionOptions {
	return paneltest.CrossSectionOptions{
		Accounts:            n,
		Effect:              0.1,
		PropensityIntercept: 0,
		PropensityCoefs:     []float64{1.0, -0.8, 0.5},
		OutcomeBase:         0.3,
		OutcomeCoefs:        []float64{0.1, 0.1, 0},
		Seed:                seed,
	}
}

func options() propensity.Options {
	return propensity.FromConfig(config.Default())
}

func TestWeightingImprovesBalance(t *testing.T) {
	s := paneltest.CrossSection(confounded(3000, 1))

	a, err := propensity.Analyze(s, options())
	require.NoError(t, err)
	require.True(t, a.Model.Converged)

	rep := a.Balance
	require.Len(t, rep.Covariates, 3)
	assert.Greater(t, rep.MaxUnweighted, 0.1)
	assert.Less(t, rep.MaxWeighted, rep.MaxUnweighted)
	assert.Less(t, rep.MeanWeighted, rep.MeanUnweighted)
	assert.True(t, rep.Balanced(), "max weighted |SMD| %.3f", rep.MaxWeighted)
	assert.Equal(t, 1.0, rep.ShareBelow)
	assert.False(t, a.IPW.Annotated(estimate.AnnotationBalance))
	for _, c := range rep.Covariates {
		assert.LessOrEqual(t, math.Abs(c.Weighted), math.Abs(c.Unweighted), c.Name)
	}
}

func TestWeakConfoundingIsBalancedAway(t *testing.T) {
	// |SMD| of a uniform covariate is about 0.58 * coef near p = 0.5
	o := confounded(20000, 5)
	o.PropensityCoefs = []float64{0.09, -0.09, 0.09}
	s := paneltest.CrossSection(o)

	a, err := propensity.Analyze(s, options())
	require.NoError(t, err)

	rep := a.Balance
	require.Len(t, rep.Covariates, 3)
	assert.InDelta(t, 0.05, rep.MeanUnweighted, 0.02)
	assert.LessOrEqual(t, rep.MeanWeighted, 0.01)
	for _, c := range rep.Covariates {
		assert.LessOrEqual(t, math.Abs(c.Weighted), math.Abs(c.Unweighted), c.Name)
	}
}

func TestDoublyRobustFailureKeepsIPW(t *testing.T) {
	// four treated accounts cannot fit an outcome model with four parameters
	const n = 300
	rng := rand.New(rand.NewSource(6))
	smp := &propensity.Sample{Names: []string{"x1", "x2", "x3"}, X: make([][]float64, 3)}
	for i := 0; i < n; i++ {
		for j := range smp.X {
			smp.X[j] = append(smp.X[j], 2*rng.Float64()-1)
		}
		tr := 0.0
		if i < 4 {
			tr = 1
		}
		smp.T = append(smp.T, tr)
		smp.Y = append(smp.Y, float64(i%3))
	}

	a, err := propensity.AnalyzeSample(smp, options())
	require.NoError(t, err)
	require.Error(t, a.DRErr)
	assert.Contains(t, a.DRErr.Error(), "treated outcome model")

	assert.Equal(t, estimate.KindIPW, a.IPW.Kind)
	assert.Equal(t, n, a.IPW.N)
	assert.False(t, math.IsNaN(a.IPW.Estimate))
	assert.Len(t, a.Balance.Covariates, 3)
	assert.Equal(t, estimate.Result{}, a.DR)
}

func TestIPWAndDoublyRobustAgree(t *testing.T) {
	s := paneltest.CrossSection(confounded(4000, 2))

	a, err := propensity.Analyze(s, options())
	require.NoError(t, err)

	assert.Equal(t, estimate.KindIPW, a.IPW.Kind)
	assert.Equal(t, estimate.KindDoublyRobust, a.DR.Kind)
	assert.InDelta(t, a.IPW.Estimate, a.DR.Estimate, 0.04)
	assert.InDelta(t, 0.1, a.IPW.Estimate, 0.07)
	assert.InDelta(t, 0.1, a.DR.Estimate, 0.07)
	assert.Greater(t, a.IPW.SE, 0.0)
	assert.Greater(t, a.DR.SE, 0.0)

	assert.Equal(t, 4000, a.IPW.N)
	assert.Less(t, a.IPW.EffectiveN, 4000.0)
	assert.Greater(t, a.IPW.EffectiveN, 1000.0)
}

func TestConvergenceCap(t *testing.T) {
	s := paneltest.CrossSection(confounded(500, 3))

	o := options()
	o.MaxIterations = 1
	a, err := propensity.Analyze(s, o)
	require.NoError(t, err)

	assert.False(t, a.Model.Converged)
	assert.Equal(t, 1, a.Model.Iterations)
	assert.True(t, a.IPW.Annotated(estimate.AnnotationConvergence))
	assert.True(t, a.DR.Annotated(estimate.AnnotationConvergence))
	assert.True(t, a.IPW.Valid())
}

func TestSeparationIsTrimmedNotFatal(t *testing.T) {
	const n = 200
	x := make([]float64, n)
	tr := make([]float64, n)
	for i := range x {
		x[i] = float64(i) / n
		if x[i] > 0.5 {
			tr[i] = 1
		}
	}
	m, err := propensity.FitLogit([]string{"x"}, [][]float64{x}, tr, 25, 1e-8, 0.01)
	require.NoError(t, err)

	assert.False(t, m.Converged)
	assert.Greater(t, m.Trimmed, 0)
	for _, p := range m.Scores {
		assert.GreaterOrEqual(t, p, 0.01)
		assert.LessOrEqual(t, p, 0.99)
	}
	assert.False(t, math.IsNaN(m.LogLik))
}

func TestFitLogitErrors(t *testing.T) {
	x := []float64{1, 2, 3, 4}

	_, err := propensity.FitLogit([]string{"x"}, [][]float64{x}, []float64{1, 1, 1, 1}, 10, 1e-8, 0.01)
	assert.Error(t, err)

	_, err = propensity.FitLogit([]string{"x"}, [][]float64{x}, []float64{0, 2, 1, 0}, 10, 1e-8, 0.01)
	assert.Error(t, err)

	_, err = propensity.FitLogit([]string{"c"}, [][]float64{{5, 5, 5, 5}}, []float64{0, 1, 1, 0}, 10, 1e-8, 0.01)
	var ce *estimate.CollinearityError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, []string{"c"}, ce.Columns)
}

func TestWeights(t *testing.T) {
	w := propensity.Weights([]float64{1, 0}, []float64{0.25, 0.25})
	assert.InDelta(t, 4, w[0], 1e-12)
	assert.InDelta(t, 4.0/3, w[1], 1e-12)
}

func TestSampleFromUnknownCovariate(t *testing.T) {
	s := paneltest.CrossSection(confounded(50, 4))

	o := options()
	o.Covariates = []string{"x1", "income"}
	_, err := propensity.SampleFrom(s, o)
	var cfgErr *estimate.ConfigurationError
	require.True(t, errors.As(err, &cfgErr), "got %v", err)
	assert.Equal(t, "income", cfgErr.Value)

	o.Covariates = nil
	smp, err := propensity.SampleFrom(s, o)
	require.NoError(t, err)
	assert.Equal(t, []string{"x1", "x2", "x3"}, smp.Names)
	assert.Equal(t, 50, smp.Len())
}
