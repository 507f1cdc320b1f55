package pipeline_test

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cashdrag/internal/config"
	"cashdrag/internal/estimate"
	"cashdrag/internal/panel/paneltest"
	"cashdrag/internal/pipeline"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.BootstrapReplicates = 20
	cfg.Workers = 4
	return cfg
}

func newRun(t *testing.T, cfg config.Config) (*pipeline.Run, *logtest.Hook) {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	r, err := pipeline.NewRun(cfg, paneltest.PanelStore(paneltest.DefaultPanel()), logger)
	require.NoError(t, err)
	return r, hook
}

func TestExecute(t *testing.T) {
	r, hook := newRun(t, testConfig())

	rep, err := r.Execute(context.Background())
	require.NoError(t, err)
	require.Nil(t, rep.Failed)

	for _, name := range []string{
		pipeline.NameTWFE, pipeline.NameEventStudy, pipeline.NameCohortATT, pipeline.NameCohortPre,
		pipeline.NameIPW, pipeline.NameDR, pipeline.NameFuzzyRD,
	} {
		res, ok := rep.Result(name)
		require.True(t, ok, name)
		assert.True(t, res.Valid(), name)
	}
	assert.NotNil(t, rep.EventStudy)
	assert.NotNil(t, rep.Cohort)
	assert.NotNil(t, rep.Propensity)
	assert.NotNil(t, rep.RD)
	assert.Equal(t, 200, rep.Diagnostics.Accounts)
	assert.Equal(t, r.ID, rep.RunID)
	assert.Same(t, r.Metrics, rep.Metrics)

	// bootstrapped results carry the bootstrap interval
	for _, name := range []string{pipeline.NameTWFE, pipeline.NameCohortATT, pipeline.NameIPW} {
		b, ok := rep.Bootstrap[name]
		require.True(t, ok, name)
		res, _ := rep.Result(name)
		assert.Equal(t, b.Lower, res.Lower, name)
		assert.Equal(t, b.Upper, res.Upper, name)
		assert.Equal(t, b.SE, res.SE, name)
		assert.Equal(t, 20, b.Requested, name)

		replicates := 0.0
		for _, reason := range []string{pipeline.OutcomeOK, "collinearity", "cluster_degeneracy", "insufficient_cohort_data", "non_finite", "panic", "other"} {
			replicates += testutil.ToFloat64(r.Metrics.Replicates.WithLabelValues(name, reason))
		}
		assert.Equal(t, 20.0, replicates, name)
		assert.Equal(t, float64(b.Realized), testutil.ToFloat64(r.Metrics.Replicates.WithLabelValues(name, pipeline.OutcomeOK)), name)
	}
	_, ok := rep.Bootstrap[pipeline.NameDR]
	assert.False(t, ok)

	// one outcome series per step
	assert.Equal(t, 8, testutil.CollectAndCount(r.Metrics.Estimators))
	assert.Equal(t, 8, testutil.CollectAndCount(r.Metrics.Duration))

	last := hook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, "Estimation run finished", last.Message)
	assert.Equal(t, r.ID.String(), last.Data["run"])
}

func TestExecuteIsReproducible(t *testing.T) {
	if testing.Short() {
		t.Skip("runs the pipeline twice")
	}
	a, _ := newRun(t, testConfig())
	b, _ := newRun(t, testConfig())
	assert.NotEqual(t, a.ID, b.ID)

	ra, err := a.Execute(context.Background())
	require.NoError(t, err)
	rb, err := b.Execute(context.Background())
	require.NoError(t, err)

	require.Len(t, rb.Results, len(ra.Results))
	for i := range ra.Results {
		x, y := ra.Results[i], rb.Results[i]
		assert.Equal(t, x.Name, y.Name)
		assert.Equal(t, x.Result.Estimate, y.Result.Estimate, x.Name)
		assert.Equal(t, x.Result.Lower, y.Result.Lower, x.Name)
		assert.Equal(t, x.Result.Upper, y.Result.Upper, x.Name)
	}
}

func TestEstimatorFailureIsNotFatal(t *testing.T) {
	cfg := testConfig()
	// every score lies below the cutoff
	cfg.Cutoff = 2
	r, _ := newRun(t, cfg)

	rep, err := r.Execute(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rep.Failed)
	require.Len(t, rep.Failed.WrappedErrors(), 1)
	assert.Contains(t, rep.Failed.Error(), "rd")

	_, ok := rep.Result(pipeline.NameFuzzyRD)
	assert.False(t, ok)
	_, ok = rep.Result(pipeline.NameTWFE)
	assert.True(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Metrics.Estimators.WithLabelValues("rd", pipeline.OutcomeFailed)))
}

func TestConfigurationErrorAbortsRun(t *testing.T) {
	cfg := testConfig()
	cfg.PropensityCovariates = []string{"tenure"}
	r, _ := newRun(t, cfg)

	rep, err := r.Execute(context.Background())
	require.Error(t, err)
	var cfgErr *estimate.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "tenure", cfgErr.Value)

	// estimators before the failure still reported
	_, ok := rep.Result(pipeline.NameTWFE)
	assert.True(t, ok)
	_, ok = rep.Result(pipeline.NameFuzzyRD)
	assert.False(t, ok)
}

func TestExecuteCancelled(t *testing.T) {
	r, _ := newRun(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Execute(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewRun(t *testing.T) {
	s := paneltest.PanelStore(paneltest.DefaultPanel())

	_, err := pipeline.NewRun(testConfig(), nil, nil)
	assert.Error(t, err)

	cfg := testConfig()
	cfg.Alpha = 2
	_, err = pipeline.NewRun(cfg, s, nil)
	var cfgErr *estimate.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))

	cfg = testConfig()
	cfg.Seed = 0
	r, err := pipeline.NewRun(cfg, s, nil)
	require.NoError(t, err)
	assert.NotZero(t, r.Seed)
	assert.Equal(t, r.Seed, r.Log.Data["seed"])
	assert.Equal(t, r.ID.String(), r.Log.Data["run"])
}
