package bootstrap_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	"cashdrag/internal/bootstrap"
	"cashdrag/internal/config"
	"cashdrag/internal/estimate"
	"cashdrag/internal/panel"
	"cashdrag/internal/panel/paneltest"
)

func store(n int) *panel.Store {
	return paneltest.CrossSection(paneltest.CrossSectionOptions{
		Accounts:        n,
		Effect:          0.1,
		PropensityCoefs: []float64{0.5},
		OutcomeBase:     0.4,
		OutcomeCoefs:    []float64{0.1},
		Seed:            5,
	})
}

func meanOf(column string) bootstrap.Estimator {
	return func(_ context.Context, s *panel.Store) (float64, error) {
		x, err := s.SummaryColumn(column)
		if err != nil {
			return 0, err
		}
		return stat.Mean(x, nil), nil
	}
}

func options(b int) bootstrap.Options {
	o := bootstrap.FromConfig(config.Default())
	o.Replicates = b
	return o
}

func TestRunIsDeterministic(t *testing.T) {
	s := store(300)

	o := options(100)
	o.Workers = 1
	a, err := bootstrap.Run(context.Background(), s, meanOf("invested_12m"), o)
	require.NoError(t, err)

	o.Workers = 8
	b, err := bootstrap.Run(context.Background(), s, meanOf("invested_12m"), o)
	require.NoError(t, err)

	assert.Equal(t, a.Draws, b.Draws)
	assert.Equal(t, a.Lower, b.Lower)
	assert.Equal(t, a.Upper, b.Upper)
	assert.Equal(t, 100, a.Realized)

	o.Seed = 43
	c, err := bootstrap.Run(context.Background(), s, meanOf("invested_12m"), o)
	require.NoError(t, err)
	assert.NotEqual(t, a.Draws, c.Draws)
}

func TestRunMatchesAnalyticSE(t *testing.T) {
	s := store(800)
	y, err := s.SummaryColumn("invested_12m")
	require.NoError(t, err)
	p := stat.Mean(y, nil)
	analytic := math.Sqrt(p * (1 - p) / float64(len(y)))

	res, err := bootstrap.Run(context.Background(), s, meanOf("invested_12m"), options(400))
	require.NoError(t, err)

	assert.InDelta(t, analytic, res.SE, 0.25*analytic)
	assert.Equal(t, p, res.Point)
	assert.Less(t, res.Lower, p)
	assert.Greater(t, res.Upper, p)
	assert.Equal(t, 0.95, res.Level)
}

func TestNormalMethodIsSymmetric(t *testing.T) {
	s := store(300)
	o := options(100)
	o.Method = config.MethodNormal

	res, err := bootstrap.Run(context.Background(), s, meanOf("invested_12m"), o)
	require.NoError(t, err)
	assert.InDelta(t, res.Point-res.Lower, res.Upper-res.Point, 1e-12)
	assert.Equal(t, config.MethodNormal, res.Method)
}

func TestFailedReplicatesAreCounted(t *testing.T) {
	s := store(200)
	x, err := s.SummaryColumn("x1")
	require.NoError(t, err)
	base := stat.Mean(x, nil)

	// fails on roughly half the resamples, deterministically per replicate
	est := func(ctx context.Context, st *panel.Store) (float64, error) {
		x, err := st.SummaryColumn("x1")
		if err != nil {
			return 0, err
		}
		if m := stat.Mean(x, nil); m > base {
			return 0, &estimate.CollinearityError{Columns: []string{"x1"}}
		}
		return meanOf("invested_12m")(ctx, st)
	}

	var calls int
	o := options(60)
	o.Workers = 1
	o.OnReplicate = func(error) { calls++ }
	res, err := bootstrap.Run(context.Background(), s, est, o)
	require.NoError(t, err)

	assert.Equal(t, 60, calls)
	assert.Greater(t, res.Failed(), 0)
	assert.Equal(t, res.Requested, res.Realized+res.Failed())
	assert.Equal(t, res.Failed(), res.Failures["collinearity"])
	assert.Len(t, res.Draws, res.Realized)

	r := res.Apply(estimate.NewResult(estimate.KindIPW, res.Point, 1, 200, 0.95))
	assert.True(t, r.Annotated(estimate.AnnotationBootstrapFailures))
	assert.Equal(t, res.Lower, r.Lower)
	assert.Equal(t, res.SE, r.SE)
}

func TestRunFailures(t *testing.T) {
	s := store(50)

	_, err := bootstrap.Run(context.Background(), s, meanOf("invested_12m"), options(1))
	var cfgErr *estimate.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))

	_, err = bootstrap.Run(context.Background(), s, meanOf("nope"), options(10))
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = bootstrap.Run(ctx, s, meanOf("invested_12m"), options(10))
	assert.ErrorIs(t, err, context.Canceled)

	first := true
	panicky := func(ctx context.Context, st *panel.Store) (float64, error) {
		if first {
			first = false
			return 1, nil
		}
		panic("boom")
	}
	o := options(5)
	o.Workers = 1
	res, err := bootstrap.Run(context.Background(), s, panicky, o)
	require.Error(t, err)
	assert.Equal(t, 5, res.Failures["panic"])
}

func TestReason(t *testing.T) {
	assert.Equal(t, "cluster_degeneracy", bootstrap.Reason(&estimate.ClusterDegeneracyError{Clusters: 1}))
	assert.Equal(t, "insufficient_cohort_data", bootstrap.Reason(&estimate.InsufficientCohortDataError{}))
	assert.Equal(t, "other", bootstrap.Reason(errors.New("x")))
}
