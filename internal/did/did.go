// Package did estimates difference-in-differences effects on the panel: the
// static two-way fixed-effects estimate and the binned event study with its
// joint pre-trend test. Both share one design builder so the never-treated
// flag behaves identically.
package did

import (
	"fmt"

	"cashdrag/internal/config"
	"cashdrag/internal/estimate"
	"cashdrag/internal/panel"
	"cashdrag/internal/regress"
)

// DefaultOutcome is the panel column regressed on treatment.
const DefaultOutcome = "invested"

// Options configures TWFE and BuildEventStudy.
type Options struct {
	Outcome             string
	ClusterKey          string
	IncludeNeverTreated bool
	Window              config.EventWindow
	Alpha               float64
	Method              regress.Method
	// Covariates are panel columns added as regressors after the treatment
	// terms, e.g. risk_score or engagement.
	Covariates []string
}

// FromConfig maps run configuration onto estimator options.
func FromConfig(cfg config.Config) Options {
	return Options{
		Outcome:             DefaultOutcome,
		ClusterKey:          cfg.ClusterKey,
		IncludeNeverTreated: cfg.IncludeNeverTreated,
		Window:              cfg.EventWindow,
		Alpha:               cfg.Alpha,
		Method:              regress.Within,
		Covariates:          cfg.TWFECovariates,
	}
}

func (o Options) level() float64 { return 1 - o.Alpha }

// sample returns the estimation rows. Without never-treated controls it is
// the eventually-treated view.
func sample(s *panel.Store, o Options) panel.View {
	v := s.All()
	if !o.IncludeNeverTreated {
		v = v.EventuallyTreated()
	}
	return v
}

// design assembles outcome, keys and the given regressors for the view,
// followed by the configured covariates.
func design(v panel.View, o Options, names []string, regs [][]float64) (regress.Design, error) {
	names = append([]string(nil), names...)
	regs = append([][]float64(nil), regs...)
	for _, name := range o.Covariates {
		col, err := v.Column(name)
		if err != nil {
			return regress.Design{}, &estimate.ConfigurationError{Option: "twfe_covariates", Value: name, Reason: err.Error()}
		}
		names = append(names, name)
		regs = append(regs, col)
	}

	outcome := o.Outcome
	if outcome == "" {
		outcome = DefaultOutcome
	}
	y, err := v.Column(outcome)
	if err != nil {
		return regress.Design{}, err
	}
	clusters, err := v.ClusterIDs(o.ClusterKey)
	if err != nil {
		return regress.Design{}, err
	}
	months := v.MonthIndex()
	period := make([]int64, len(months))
	for i, m := range months {
		period[i] = int64(m)
	}
	return regress.Design{
		Outcome:    y,
		Regressors: regs,
		Names:      names,
		Entity:     v.AccountIDs(),
		Time:       period,
		Cluster:    clusters,
	}, nil
}

// TWFE regresses the outcome on the post-adoption indicator with account and
// month fixed effects and returns the TWFE-DiD estimate.
func TWFE(s *panel.Store, o Options) (estimate.Result, *regress.Fit, error) {
	v := sample(s, o)
	post, err := v.Column("post")
	if err != nil {
		return estimate.Result{}, nil, err
	}
	d, err := design(v, o, []string{"post"}, [][]float64{post})
	if err != nil {
		return estimate.Result{}, nil, err
	}
	fit, err := regress.FitTWFE(d, regress.Options{Method: o.Method, Level: o.level()})
	if err != nil {
		return estimate.Result{}, nil, fmt.Errorf("twfe: %w", err)
	}

	res := estimate.NewResult(estimate.KindTWFE, fit.Coef[0], fit.SE[0], fit.N, fit.Level).
		WithInterval(fit.Lower[0], fit.Upper[0], fit.Level)
	return annotateFit(res, fit), fit, nil
}

func annotateFit(res estimate.Result, fit *regress.Fit) estimate.Result {
	if fit.SingletonsDropped > 0 {
		res = res.With(estimate.AnnotationSingletons, "%d singleton rows dropped", fit.SingletonsDropped)
	}
	return res
}
