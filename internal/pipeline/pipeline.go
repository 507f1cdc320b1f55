package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"cashdrag/internal/bootstrap"
	"cashdrag/internal/cohort"
	"cashdrag/internal/did"
	"cashdrag/internal/estimate"
	"cashdrag/internal/panel"
	"cashdrag/internal/propensity"
	"cashdrag/internal/rd"
)

// Names results are reported under.
const (
	NameTWFE       = "twfe"
	NameEventStudy = "event_study_post"
	NameCohortATT  = "cs_att"
	NameCohortPre  = "cs_pre"
	NameIPW        = "ipw"
	NameDR         = "dr"
	NameFuzzyRD    = "fuzzy_rd"
)

// Report collects everything a run produced.
type Report struct {
	RunID       uuid.UUID
	Seed        int64
	Started     time.Time
	Elapsed     time.Duration
	Diagnostics panel.Diagnostics

	// Results are in estimation order. Bootstrapped results carry the
	// bootstrap interval in place of the analytic one.
	Results []estimate.NamedResult

	EventStudy *did.EventStudy
	Cohort     *cohort.Aggregate
	Propensity *propensity.Analysis
	RD         *rd.Analysis
	Bootstrap  map[string]*bootstrap.Result
	Metrics    *Metrics

	// Failed holds one error per estimator that failed without aborting
	// the run. Nil when every estimator succeeded.
	Failed *multierror.Error
}

// Result returns the named result.
func (r *Report) Result(name string) (estimate.Result, bool) {
	for _, nr := range r.Results {
		if nr.Name == name {
			return nr.Result, true
		}
	}
	return estimate.Result{}, false
}

func (r *Report) add(name string, res estimate.Result) {
	r.Results = append(r.Results, estimate.NamedResult{Name: name, Result: res})
}

func (r *Report) replace(name string, res estimate.Result) {
	for i := range r.Results {
		if r.Results[i].Name == name {
			r.Results[i].Result = res
			return
		}
	}
}

type step struct {
	name string
	fn   func(ctx context.Context, rep *Report) ([]string, error)
}

// Execute runs every estimator in order. An estimator failure is recorded
// in Report.Failed and the run continues; schema, integrity and
// configuration errors, and the run deadline, abort it. The partial report
// is returned alongside an aborting error.
func (r *Run) Execute(ctx context.Context) (*Report, error) {
	if r.Config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Config.Timeout)
		defer cancel()
	}

	rep := &Report{
		RunID:       r.ID,
		Seed:        r.Seed,
		Started:     time.Now(),
		Diagnostics: r.Store.Diagnostics(),
		Bootstrap:   make(map[string]*bootstrap.Result),
		Metrics:     r.Metrics,
	}
	r.Log.WithFields(logrus.Fields{
		"accounts":      rep.Diagnostics.Accounts,
		"records":       rep.Diagnostics.Records,
		"never_treated": rep.Diagnostics.NeverTreated,
		"coverage":      rep.Diagnostics.MeanCoverage,
	}).Info("Starting estimation run")

	steps := []step{
		{NameTWFE, r.twfe},
		{"event_study", r.eventStudy},
		{"cohort", r.cohort},
		{"propensity", r.propensity},
		{"rd", r.rd},
		{"bootstrap_" + NameTWFE, r.bootstrapStep(NameTWFE, r.twfeStatistic)},
		{"bootstrap_" + NameCohortATT, r.bootstrapStep(NameCohortATT, r.cohortStatistic)},
		{"bootstrap_" + NameIPW, r.bootstrapStep(NameIPW, r.ipwStatistic)},
	}
	for _, st := range steps {
		if err := r.run(ctx, rep, st); err != nil {
			rep.Elapsed = time.Since(rep.Started)
			return rep, err
		}
	}

	rep.Elapsed = time.Since(rep.Started)
	r.Log.WithFields(logrus.Fields{
		"results": len(rep.Results),
		"failed":  len(rep.Failed.WrappedErrors()),
		"elapsed": rep.Elapsed,
	}).Info("Estimation run finished")
	return rep, nil
}

func (r *Run) run(ctx context.Context, rep *Report, st step) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("pipeline stopped before %s: %w", st.name, err)
	}
	log := r.Log.WithField("estimator", st.name)
	start := time.Now()

	names, err := st.fn(ctx, rep)
	switch {
	case err == nil:
		outcome := OutcomeOK
		for _, name := range names {
			if res, ok := rep.Result(name); ok && len(res.Annotations()) > 0 {
				outcome = OutcomeAnnotated
				for _, a := range res.Annotations() {
					log.WithFields(logrus.Fields{
						"result": name,
						"kind":   a.Kind,
					}).Warn(a.Message)
				}
			}
		}
		r.Metrics.observe(st.name, outcome, start)
		log.WithField("duration", time.Since(start)).Debug("Estimator finished")
		return nil

	case estimate.IsFatal(err) || ctx.Err() != nil:
		r.Metrics.observe(st.name, OutcomeFailed, start)
		log.WithError(err).Error("Estimator failed, aborting run")
		return fmt.Errorf("%s: %w", st.name, err)

	default:
		r.Metrics.observe(st.name, OutcomeFailed, start)
		log.WithError(err).Warn("Estimator failed, continuing")
		rep.Failed = multierror.Append(rep.Failed, fmt.Errorf("%s: %w", st.name, err))
		return nil
	}
}

func (r *Run) twfe(_ context.Context, rep *Report) ([]string, error) {
	res, fit, err := did.TWFE(r.Store, did.FromConfig(r.Config))
	if err != nil {
		return nil, err
	}
	rep.add(NameTWFE, res)
	r.Log.WithFields(logrus.Fields{
		"estimate": res.Estimate,
		"se":       res.SE,
		"clusters": fit.Clusters,
		"n":        fit.N,
	}).Info("TWFE fitted")
	return []string{NameTWFE}, nil
}

func (r *Run) eventStudy(_ context.Context, rep *Report) ([]string, error) {
	es, err := did.BuildEventStudy(r.Store, did.FromConfig(r.Config))
	if err != nil {
		return nil, err
	}
	rep.EventStudy = es
	rep.add(NameEventStudy, es.Post)

	fields := logrus.Fields{
		"leads":      len(es.Leads()),
		"lags":       len(es.Lags()),
		"empty_bins": es.EmptyBins,
	}
	if es.PreTrend != nil {
		fields["pretrend_f"] = es.PreTrend.FStatistic
		fields["pretrend_p"] = es.PreTrend.PValue
	}
	r.Log.WithFields(fields).Info("Event study fitted")
	return []string{NameEventStudy}, nil
}

func (r *Run) cohort(ctx context.Context, rep *Report) ([]string, error) {
	agg, err := cohort.Estimate(ctx, r.Store, cohort.FromConfig(r.Config))
	if err != nil {
		return nil, err
	}
	rep.Cohort = agg
	rep.add(NameCohortATT, agg.Post)
	names := []string{NameCohortATT}
	if agg.HasPre {
		rep.add(NameCohortPre, agg.Pre)
		names = append(names, NameCohortPre)
	}
	for _, skipped := range agg.Skipped.WrappedErrors() {
		r.Log.WithError(skipped).Debug("Cohort cell skipped")
	}
	r.Log.WithFields(logrus.Fields{
		"cells":   len(agg.Cells),
		"skipped": agg.Total - len(agg.Cells),
		"att":     agg.Post.Estimate,
	}).Info("Cohort cells aggregated")
	return names, nil
}

func (r *Run) propensity(_ context.Context, rep *Report) ([]string, error) {
	a, err := propensity.Analyze(r.Store, propensity.FromConfig(r.Config))
	if err != nil {
		return nil, err
	}
	rep.Propensity = a
	rep.add(NameIPW, a.IPW)
	names := []string{NameIPW}
	if a.DRErr != nil {
		r.skip(rep, NameDR, a.DRErr)
	} else {
		rep.add(NameDR, a.DR)
		names = append(names, NameDR)
	}
	r.Log.WithFields(logrus.Fields{
		"iterations":    a.Model.Iterations,
		"converged":     a.Model.Converged,
		"trimmed":       a.Model.Trimmed,
		"max_smd":       a.Balance.MaxWeighted,
		"effective_n":   a.IPW.EffectiveN,
		"ipw":           a.IPW.Estimate,
		"doubly_robust": a.DR.Estimate,
	}).Info("Propensity model fitted")
	return names, nil
}

// skip records a failed result of a step that otherwise succeeded.
func (r *Run) skip(rep *Report, name string, err error) {
	r.Metrics.Estimators.WithLabelValues(name, OutcomeFailed).Inc()
	r.Log.WithError(err).WithField("result", name).Warn("Result skipped, continuing")
	rep.Failed = multierror.Append(rep.Failed, fmt.Errorf("%s: %w", name, err))
}

func (r *Run) rd(ctx context.Context, rep *Report) ([]string, error) {
	a, err := rd.Analyze(ctx, r.Store, rd.FromConfig(r.Config))
	if err != nil {
		return nil, err
	}
	rep.RD = a
	rep.add(NameFuzzyRD, a.Result)

	fields := logrus.Fields{
		"bandwidth": a.Bandwidth,
		"first":     a.Main.JumpD,
		"wald":      a.Result.Estimate,
	}
	if a.Sweep != nil {
		fields["sweep_median"] = a.Sweep.Spread.Median
		fields["sweep_iqr"] = a.Sweep.Spread.IQR()
		for _, skipped := range a.Sweep.Skipped.WrappedErrors() {
			r.Log.WithError(skipped).Debug("Bandwidth skipped")
		}
	}
	for _, p := range a.Placebos {
		if p.Err != nil {
			r.Log.WithError(p.Err).WithField("cutoff", p.Cutoff).Warn("Placebo cutoff failed")
		}
	}
	for _, st := range a.Strata {
		if st.Err != nil {
			r.Log.WithError(st.Err).WithField("stratum", st.Key).Warn("Stratum failed")
		}
	}
	r.Log.WithFields(fields).Info("Fuzzy RD estimated")
	return []string{NameFuzzyRD}, nil
}

// bootstrapStep replaces the interval of an already reported result with a
// cluster bootstrap interval. A target whose analytic estimate failed is
// left out.
func (r *Run) bootstrapStep(name string, est bootstrap.Estimator) func(context.Context, *Report) ([]string, error) {
	return func(ctx context.Context, rep *Report) ([]string, error) {
		res, ok := rep.Result(name)
		if !ok {
			r.Log.WithField("target", name).Debug("No analytic result to bootstrap")
			return nil, nil
		}

		opts := bootstrap.FromConfig(r.Config)
		opts.Seed = r.Seed
		opts.OnReplicate = func(err error) {
			reason := OutcomeOK
			if err != nil {
				reason = bootstrap.Reason(err)
			}
			r.Metrics.Replicates.WithLabelValues(name, reason).Inc()
		}

		b, err := bootstrap.Run(ctx, r.Store, est, opts)
		if b != nil {
			rep.Bootstrap[name] = b
		}
		if err != nil {
			return nil, err
		}
		rep.replace(name, b.Apply(res))
		r.Log.WithFields(logrus.Fields{
			"target":   name,
			"realized": b.Realized,
			"failed":   b.Failed(),
			"se":       b.SE,
		}).Info("Bootstrap interval computed")
		return []string{name}, nil
	}
}

func (r *Run) twfeStatistic(_ context.Context, s *panel.Store) (float64, error) {
	res, _, err := did.TWFE(s, did.FromConfig(r.Config))
	return res.Estimate, err
}

func (r *Run) cohortStatistic(ctx context.Context, s *panel.Store) (float64, error) {
	o := cohort.FromConfig(r.Config)
	// replicates already run in parallel
	o.Workers = 1
	agg, err := cohort.Estimate(ctx, s, o)
	if err != nil {
		return 0, err
	}
	return agg.Post.Estimate, nil
}

func (r *Run) ipwStatistic(_ context.Context, s *panel.Store) (float64, error) {
	a, err := propensity.Analyze(s, propensity.FromConfig(r.Config))
	if err != nil {
		return 0, err
	}
	return a.IPW.Estimate, nil
}
