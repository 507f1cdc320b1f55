package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"cashdrag/internal/estimate"
)

// EnvPrefix prefixes every environment override, e.g. CAUSAL_TRIM_EPSILON.
const EnvPrefix = "CAUSAL"

// Cluster keys accepted by ClusterKey.
const (
	ClusterAccount = "account"
	ClusterCohort  = "cohort"
	ClusterMonth   = "month"
)

// Comparison groups accepted by Comparison.
const (
	ComparisonNeverTreated  = "never_treated"
	ComparisonNotYetTreated = "not_yet_treated"
)

// Bootstrap interval methods.
const (
	MethodPercentile = "percentile"
	MethodNormal     = "normal"
)

// EventWindow bounds the relative event-time bins. Relative times below Lead
// or above Lag are absorbed into the edge bins; -1 is the omitted baseline.
type EventWindow struct {
	Lead int `yaml:"lead" envconfig:"LEAD" validate:"lte=-2"`
	Lag  int `yaml:"lag" envconfig:"LAG" validate:"gte=0"`
}

// Bins returns the included relative times in ascending order, without -1.
func (w EventWindow) Bins() []int {
	bins := make([]int, 0, w.Lag-w.Lead)
	for e := w.Lead; e <= w.Lag; e++ {
		if e != -1 {
			bins = append(bins, e)
		}
	}
	return bins
}

// Clamp maps a relative time into the window's edge bins.
func (w EventWindow) Clamp(e int) int {
	if e < w.Lead {
		return w.Lead
	}
	if e > w.Lag {
		return w.Lag
	}
	return e
}

// Config enumerates every recognised pipeline option.
type Config struct {
	// Cluster for cluster-robust standard errors.
	ClusterKey string `yaml:"cluster_key" envconfig:"CLUSTER_KEY" validate:"oneof=account cohort month"`
	// Lead/lag bin bounds for the event study and the cohort aggregator.
	EventWindow EventWindow `yaml:"event_window" envconfig:"EVENT_WINDOW"`
	// Keep never-treated accounts as controls in TWFE and the event study.
	// False gives the eventually-treated-only view.
	IncludeNeverTreated bool `yaml:"include_never_treated" envconfig:"INCLUDE_NEVER_TREATED"`
	// Comparison group for ATT(g,e) cells.
	Comparison string `yaml:"comparison" envconfig:"COMPARISON" validate:"oneof=never_treated not_yet_treated"`
	// Propensity scores are clipped to [TrimEpsilon, 1-TrimEpsilon].
	TrimEpsilon float64 `yaml:"trim_epsilon" envconfig:"TRIM_EPSILON" validate:"gt=0,lt=0.5"`
	// Cluster bootstrap replicate count.
	BootstrapReplicates int `yaml:"bootstrap_replicates" envconfig:"BOOTSTRAP_REPLICATES" validate:"gte=2,lte=100000"`
	// Interval construction from bootstrap draws.
	BootstrapMethod string `yaml:"bootstrap_method" envconfig:"BOOTSTRAP_METHOD" validate:"oneof=percentile normal"`
	// RD bandwidths swept for sensitivity, in running-variable units.
	BandwidthGrid []float64 `yaml:"bandwidth_grid" envconfig:"BANDWIDTH_GRID" validate:"min=1,dive,gt=0"`
	// RD eligibility cutoff on the running variable.
	Cutoff float64 `yaml:"cutoff" envconfig:"CUTOFF"`
	// False cutoffs for RD placebo runs.
	PlaceboCutoffs []float64 `yaml:"placebo_cutoffs" envconfig:"PLACEBO_CUTOFFS"`
	// Minimum comparison observations for an ATT(g,e) cell.
	MinCohortSize int `yaml:"min_cohort_size" envconfig:"MIN_COHORT_SIZE" validate:"gte=1"`
	// Maximum post-weighting |SMD| before a balance warning.
	BalanceThreshold float64 `yaml:"balance_threshold" envconfig:"BALANCE_THRESHOLD" validate:"gt=0"`
	// Significance level for tests and (1-Alpha) intervals.
	Alpha float64 `yaml:"alpha" envconfig:"ALPHA" validate:"gt=0,lt=1"`
	// Iteration cap for the logistic propensity fit.
	MaxIterations int `yaml:"max_iterations" envconfig:"MAX_ITERATIONS" validate:"gte=1"`
	// Seed owned by the run context.
	Seed int64 `yaml:"seed" envconfig:"SEED"`
	// Parallel workers; 0 means one per CPU.
	Workers int `yaml:"workers" envconfig:"WORKERS" validate:"gte=0"`
	// Deadline for a whole run; 0 disables it.
	Timeout time.Duration `yaml:"timeout" envconfig:"TIMEOUT" validate:"gte=0"`
	// Time-varying panel columns added to the TWFE and event-study regressions.
	TWFECovariates []string `yaml:"twfe_covariates" envconfig:"TWFE_COVARIATES" validate:"dive,oneof=eligible assigned balance_tier risk_score engagement"`
	// Summary covariates used by propensity and outcome models; empty means all.
	PropensityCovariates []string `yaml:"propensity_covariates" envconfig:"PROPENSITY_COVARIATES" validate:"dive,required"`
	// logrus level name.
	LogLevel string `yaml:"log_level" envconfig:"LOG_LEVEL" validate:"oneof=trace debug info warn error"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		ClusterKey:          ClusterAccount,
		EventWindow:         EventWindow{Lead: -6, Lag: 11},
		IncludeNeverTreated: true,
		Comparison:          ComparisonNotYetTreated,
		TrimEpsilon:         0.01,
		BootstrapReplicates: 200,
		BootstrapMethod:     MethodPercentile,
		BandwidthGrid:       []float64{0.1, 0.15, 0.2, 0.25, 0.3},
		Cutoff:              0.5,
		MinCohortSize:       20,
		BalanceThreshold:    0.1,
		Alpha:               0.05,
		MaxIterations:       100,
		Seed:                42,
		Timeout:             10 * time.Minute,
		LogLevel:            "info",
	}
}

// Load reads config from a YAML file over the defaults, then applies
// environment variable overrides and validates the result. A missing file
// is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, &estimate.ConfigurationError{Option: "file", Value: path, Reason: err.Error()}
			}
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, &estimate.ConfigurationError{Option: "env", Value: EnvPrefix, Reason: err.Error()}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report options by their YAML names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate returns a *estimate.ConfigurationError for the first invalid option.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			option := strings.TrimPrefix(fe.Namespace(), "Config.")
			return &estimate.ConfigurationError{
				Option: option,
				Value:  fe.Value(),
				Reason: fmt.Sprintf("failed %q constraint %s", fe.Tag(), fe.Param()),
			}
		}
		return &estimate.ConfigurationError{Option: "config", Reason: err.Error()}
	}

	seen := make(map[float64]bool, len(c.BandwidthGrid))
	for _, h := range c.BandwidthGrid {
		if seen[h] {
			return &estimate.ConfigurationError{Option: "bandwidth_grid", Value: h, Reason: "duplicate bandwidth"}
		}
		seen[h] = true
	}
	for _, p := range c.PlaceboCutoffs {
		if p == c.Cutoff {
			return &estimate.ConfigurationError{Option: "placebo_cutoffs", Value: p, Reason: "placebo equals the true cutoff"}
		}
	}
	return nil
}

// Level converts LogLevel for logrus. Validate guarantees it parses.
func (c Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// Confidence is the interval level implied by Alpha.
func (c Config) Confidence() float64 {
	return 1 - c.Alpha
}
