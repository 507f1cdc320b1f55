package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cashdrag/internal/estimate"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadYAMLAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
cluster_key: cohort
event_window:
  lead: -4
  lag: 6
trim_epsilon: 0.05
bandwidth_grid: [0.2, 0.4]
timeout: 90s
include_never_treated: false
twfe_covariates: [risk_score, engagement]
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))
	t.Setenv("CAUSAL_BOOTSTRAP_REPLICATES", "50")
	t.Setenv("CAUSAL_EVENT_WINDOW_LAG", "8")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ClusterCohort, cfg.ClusterKey)
	assert.Equal(t, EventWindow{Lead: -4, Lag: 8}, cfg.EventWindow)
	assert.Equal(t, 0.05, cfg.TrimEpsilon)
	assert.Equal(t, []float64{0.2, 0.4}, cfg.BandwidthGrid)
	assert.Equal(t, 90*time.Second, cfg.Timeout)
	assert.False(t, cfg.IncludeNeverTreated)
	assert.Equal(t, 50, cfg.BootstrapReplicates)
	assert.Equal(t, []string{"risk_score", "engagement"}, cfg.TWFECovariates)
	// untouched options keep their defaults
	assert.Equal(t, 0.1, cfg.BalanceThreshold)
}

func TestValidateRejectsInvalidOptions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		option string
	}{
		{"cluster key", func(c *Config) { c.ClusterKey = "region" }, "cluster_key"},
		{"trim epsilon zero", func(c *Config) { c.TrimEpsilon = 0 }, "trim_epsilon"},
		{"trim epsilon half", func(c *Config) { c.TrimEpsilon = 0.5 }, "trim_epsilon"},
		{"replicates", func(c *Config) { c.BootstrapReplicates = 1 }, "bootstrap_replicates"},
		{"empty grid", func(c *Config) { c.BandwidthGrid = nil }, "bandwidth_grid"},
		{"negative bandwidth", func(c *Config) { c.BandwidthGrid = []float64{0.1, -0.2} }, "bandwidth_grid[1]"},
		{"duplicate bandwidth", func(c *Config) { c.BandwidthGrid = []float64{0.1, 0.1} }, "bandwidth_grid"},
		{"min cohort", func(c *Config) { c.MinCohortSize = 0 }, "min_cohort_size"},
		{"balance threshold", func(c *Config) { c.BalanceThreshold = 0 }, "balance_threshold"},
		{"lead without pre-period", func(c *Config) { c.EventWindow.Lead = -1 }, "event_window.lead"},
		{"negative lag", func(c *Config) { c.EventWindow.Lag = -1 }, "event_window.lag"},
		{"comparison", func(c *Config) { c.Comparison = "everyone" }, "comparison"},
		{"alpha", func(c *Config) { c.Alpha = 1 }, "alpha"},
		{"placebo on cutoff", func(c *Config) { c.PlaceboCutoffs = []float64{c.Cutoff} }, "placebo_cutoffs"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"twfe covariate", func(c *Config) { c.TWFECovariates = []string{"risk_score", "post"} }, "twfe_covariates[1]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)

			var cerr *estimate.ConfigurationError
			require.True(t, errors.As(err, &cerr), "want ConfigurationError, got %T", err)
			assert.Equal(t, tt.option, cerr.Option)
			assert.True(t, estimate.IsFatal(err))
		})
	}
}

func TestLoadRejectsBadEnvValue(t *testing.T) {
	t.Setenv("CAUSAL_TRIM_EPSILON", "0.9")
	_, err := Load("")
	var cerr *estimate.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "trim_epsilon", cerr.Option)
}

func TestEventWindowBins(t *testing.T) {
	w := EventWindow{Lead: -3, Lag: 2}
	assert.Equal(t, []int{-3, -2, 0, 1, 2}, w.Bins())
	assert.Equal(t, -3, w.Clamp(-10))
	assert.Equal(t, 2, w.Clamp(7))
	assert.Equal(t, 0, w.Clamp(0))
}
