// Package cohort estimates group-time effects ATT(g,e): for each adoption
// cohort g and relative month e, a two-period comparison of cohort g against
// a clean comparison group, then weighted averages over post and pre cells.
package cohort

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"cashdrag/internal/config"
	"cashdrag/internal/estimate"
	"cashdrag/internal/panel"
	"cashdrag/internal/regress"
)

// Options configures Estimate.
type Options struct {
	Outcome       string
	ClusterKey    string
	Comparison    string
	Window        config.EventWindow
	MinComparison int
	Alpha         float64
	Workers       int
}

// FromConfig maps run configuration onto aggregator options.
func FromConfig(cfg config.Config) Options {
	return Options{
		Outcome:       "invested",
		ClusterKey:    cfg.ClusterKey,
		Comparison:    cfg.Comparison,
		Window:        cfg.EventWindow,
		MinComparison: cfg.MinCohortSize,
		Alpha:         cfg.Alpha,
		Workers:       cfg.Workers,
	}
}

// Cell is one estimated ATT(g,e).
type Cell struct {
	Cohort       int
	EventTime    int
	BasePeriod   int
	TargetPeriod int

	ATT   float64
	SE    float64
	Lower float64
	Upper float64

	Treated    int // treated account-months in the target period, the cell weight
	Comparison int // comparison account-months in the cell
}

// Aggregate is the set of estimated cells and their weighted summaries.
type Aggregate struct {
	Cells []Cell
	// Skipped collects one error per cell that could not be estimated,
	// mostly *estimate.InsufficientCohortDataError. Nil when none.
	Skipped *multierror.Error
	Total   int // cells attempted

	Post estimate.Result
	// Pre is only meaningful when HasPre is set.
	Pre    estimate.Result
	HasPre bool
}

type cellKey struct {
	cohort, eventTime int
}

// Estimate computes every ATT(g,e) in the event window concurrently and
// aggregates them. Skipped cells never fail the call; it fails only when no
// post-adoption cell could be estimated or ctx ends.
func Estimate(ctx context.Context, s *panel.Store, o Options) (*Aggregate, error) {
	first, last := s.Window()
	var keys []cellKey
	for _, g := range s.All().Cohorts() {
		base := g - 1
		if base < first {
			continue
		}
		for _, e := range o.Window.Bins() {
			if target := g + e; target >= first && target <= last {
				keys = append(keys, cellKey{g, e})
			}
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("cohort: no cohort has a base period inside months %d..%d", first, last)
	}

	cells := make([]Cell, len(keys))
	errs := make([]error, len(keys))

	workers := o.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, k := range keys {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			cells[i], errs[i] = estimateCell(s, o, k)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	agg := &Aggregate{Total: len(keys)}
	for i, err := range errs {
		if err != nil {
			agg.Skipped = multierror.Append(agg.Skipped, err)
			continue
		}
		agg.Cells = append(agg.Cells, cells[i])
	}

	post, nPost := combine(agg.Cells, func(e int) bool { return e >= 0 }, estimate.KindCohortATT, o)
	if nPost == 0 {
		if err := agg.Skipped.ErrorOrNil(); err != nil {
			return nil, fmt.Errorf("cohort: no post-adoption cell could be estimated: %w", err)
		}
		return nil, fmt.Errorf("cohort: no post-adoption cell inside the event window")
	}
	pre, nPre := combine(agg.Cells, func(e int) bool { return e <= -2 }, estimate.KindCohortPre, o)
	agg.Post, agg.Pre, agg.HasPre = post, pre, nPre > 0

	if agg.HasPre && !agg.Pre.Covers(0) {
		msg := fmt.Sprintf("pre-period average %.4f has a %.0f%% interval excluding zero", agg.Pre.Estimate, 100*agg.Pre.Level)
		agg.Pre = agg.Pre.With(estimate.AnnotationPreTrend, "%s", msg)
		agg.Post = agg.Post.With(estimate.AnnotationPreTrend, "%s", msg)
	}
	if n := len(agg.Skipped.WrappedErrors()); n > 0 {
		agg.Post = agg.Post.With(estimate.AnnotationSkippedCells, "%d of %d cells skipped", n, agg.Total)
		if agg.HasPre {
			agg.Pre = agg.Pre.With(estimate.AnnotationSkippedCells, "%d of %d cells skipped", n, agg.Total)
		}
	}
	return agg, nil
}

// Cell returns the estimate for (g, e), if it was estimated.
func (a *Aggregate) Cell(g, e int) (Cell, bool) {
	for _, c := range a.Cells {
		if c.Cohort == g && c.EventTime == e {
			return c, true
		}
	}
	return Cell{}, false
}

// Insufficient returns the cells skipped for lack of data.
func (a *Aggregate) Insufficient() []*estimate.InsufficientCohortDataError {
	var out []*estimate.InsufficientCohortDataError
	for _, err := range a.Skipped.WrappedErrors() {
		var ic *estimate.InsufficientCohortDataError
		if errors.As(err, &ic) {
			out = append(out, ic)
		}
	}
	return out
}

// isComparison reports whether an account of cohort c is a valid comparison
// for cell (g, e).
func isComparison(c int, k cellKey, comparison string) bool {
	if c == panel.NeverTreated {
		return true
	}
	if comparison != config.ComparisonNotYetTreated || c == k.cohort {
		return false
	}
	return c > max(k.cohort+k.eventTime, k.cohort-1)
}

func estimateCell(s *panel.Store, o Options, k cellKey) (Cell, error) {
	base, target := k.cohort-1, k.cohort+k.eventTime
	cell := Cell{Cohort: k.cohort, EventTime: k.eventTime, BasePeriod: base, TargetPeriod: target}

	v := s.All().Months(base, target).Where(func(r panel.AccountMonth) bool {
		return r.Cohort == k.cohort || isComparison(r.Cohort, k, o.Comparison)
	})

	// keep accounts observed in both periods
	seen := make(map[int64]int)
	for _, id := range v.AccountIDs() {
		seen[id]++
	}
	v = v.Where(func(r panel.AccountMonth) bool { return seen[r.AccountID] == 2 })

	rows := v.Rows()
	treat := make([]float64, len(rows))
	for i, r := range rows {
		switch {
		case r.Cohort != k.cohort:
			cell.Comparison++
		case r.Month == target:
			treat[i] = 1
			cell.Treated++
		}
	}
	insufficient := &estimate.InsufficientCohortDataError{
		Cohort:     k.cohort,
		EventTime:  k.eventTime,
		Comparison: cell.Comparison,
		Min:        o.MinComparison,
	}
	if cell.Treated == 0 {
		insufficient.Reason = "no cohort accounts observed in both base and target period"
		return cell, insufficient
	}
	if cell.Comparison < o.MinComparison {
		return cell, insufficient
	}

	y, err := v.Column(outcome(o))
	if err != nil {
		return cell, err
	}
	clusters, err := v.ClusterIDs(o.ClusterKey)
	if err != nil {
		return cell, err
	}
	period := make([]int64, len(rows))
	for i, m := range v.MonthIndex() {
		period[i] = int64(m)
	}
	fit, err := regress.FitTWFE(regress.Design{
		Outcome:    y,
		Regressors: [][]float64{treat},
		Names:      []string{"att"},
		Entity:     v.AccountIDs(),
		Time:       period,
		Cluster:    clusters,
	}, regress.Options{Level: 1 - o.Alpha})
	if err != nil {
		return cell, fmt.Errorf("cohort %d event time %d: %w", k.cohort, k.eventTime, err)
	}

	cell.ATT, cell.SE = fit.Coef[0], fit.SE[0]
	cell.Lower, cell.Upper = fit.Lower[0], fit.Upper[0]
	return cell, nil
}

func outcome(o Options) string {
	if o.Outcome == "" {
		return "invested"
	}
	return o.Outcome
}

// combine averages the selected cells with treated-count weights. The SE
// treats cell estimates as independent.
func combine(cells []Cell, keep func(e int) bool, kind estimate.Kind, o Options) (estimate.Result, int) {
	var (
		sumW, est, variance float64
		n, used             int
	)
	for _, c := range cells {
		if keep(c.EventTime) {
			sumW += float64(c.Treated)
		}
	}
	for _, c := range cells {
		if !keep(c.EventTime) {
			continue
		}
		w := float64(c.Treated) / sumW
		est += w * c.ATT
		variance += w * w * c.SE * c.SE
		n += c.Treated + c.Comparison
		used++
	}
	if used == 0 {
		return estimate.Result{Kind: kind, Estimate: math.NaN(), SE: math.NaN()}, 0
	}
	return estimate.NewResult(kind, est, math.Sqrt(variance), n, 1-o.Alpha), used
}
