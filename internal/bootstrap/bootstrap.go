// Package bootstrap computes cluster bootstrap intervals by resampling whole
// accounts with replacement and re-running an estimator on each replicate.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"cashdrag/internal/config"
	"cashdrag/internal/estimate"
	"cashdrag/internal/panel"
	"cashdrag/internal/stats"
)

// Estimator computes one scalar statistic from a store.
type Estimator func(ctx context.Context, s *panel.Store) (float64, error)

// Options configures Run.
type Options struct {
	Replicates int
	// Seed drives every replicate. Zero draws a seed from the clock.
	Seed    int64
	Method  string // config.MethodPercentile or config.MethodNormal
	Alpha   float64
	Workers int
	// OnReplicate, when set, is called once per replicate with its error
	// (nil on success). It may be called concurrently.
	OnReplicate func(err error)
}

// FromConfig maps run configuration onto bootstrap options.
func FromConfig(cfg config.Config) Options {
	return Options{
		Replicates: cfg.BootstrapReplicates,
		Seed:       cfg.Seed,
		Method:     cfg.BootstrapMethod,
		Alpha:      cfg.Alpha,
		Workers:    cfg.Workers,
	}
}

// Result holds the bootstrap distribution and the interval built from it.
type Result struct {
	Point float64
	// Draws are the successful replicate statistics in replicate order.
	Draws     []float64
	Requested int
	Realized  int
	// Failures counts failed replicates by reason.
	Failures map[string]int

	SE     float64
	Lower  float64
	Upper  float64
	Level  float64
	Method string
}

// Failed returns the number of failed replicates.
func (r *Result) Failed() int { return r.Requested - r.Realized }

// Apply returns a copy of res with the bootstrap SE and interval, annotated
// when replicates failed.
func (r *Result) Apply(res estimate.Result) estimate.Result {
	out := res.WithInterval(r.Lower, r.Upper, r.Level)
	out.SE = r.SE
	if f := r.Failed(); f > 0 {
		reasons := make([]string, 0, len(r.Failures))
		for reason := range r.Failures {
			reasons = append(reasons, reason)
		}
		sort.Strings(reasons)
		msg := ""
		for _, reason := range reasons {
			msg += fmt.Sprintf(" %s=%d", reason, r.Failures[reason])
		}
		out = out.With(estimate.AnnotationBootstrapFailures, "%d of %d replicates failed:%s", f, r.Requested, msg)
	}
	return out
}

// replicate is one worker's output slot.
type replicate struct {
	value float64
	err   error
}

// Run evaluates est on s for the point estimate and then on Replicates
// cluster resamples of s. Replicate b draws accounts with an RNG seeded by
// the b-th draw of a master RNG, so a given seed and replicate count always
// give the same interval regardless of worker count. Failed replicates are
// counted and skipped; Run fails if fewer than two succeed.
func Run(ctx context.Context, s *panel.Store, est Estimator, opts Options) (*Result, error) {
	if opts.Replicates < 2 {
		return nil, &estimate.ConfigurationError{Option: "bootstrap_replicates", Value: opts.Replicates, Reason: "need at least 2"}
	}
	if opts.Alpha <= 0 || opts.Alpha >= 1 {
		opts.Alpha = 0.05
	}
	if opts.Method == "" {
		opts.Method = config.MethodPercentile
	}

	point, err := est(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("bootstrap point estimate: %w", err)
	}

	// Prepare per-replication seeds (so RNG is not shared across goroutines)
	masterSeed := opts.Seed
	if masterSeed == 0 {
		masterSeed = time.Now().UnixNano()
	}
	masterRng := rand.New(rand.NewSource(masterSeed))
	seeds := make([]int64, opts.Replicates)
	for i := range seeds {
		seeds[i] = masterRng.Int63()
	}

	accounts := s.Accounts()
	slots := make([]replicate, opts.Replicates)

	numWorkers := opts.Workers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if numWorkers > opts.Replicates {
		numWorkers = opts.Replicates
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	wg.Add(numWorkers)

	worker := func() {
		defer wg.Done()
		for b := range jobs {
			v, err := runReplicate(ctx, s, accounts, est, seeds[b])
			slots[b] = replicate{value: v, err: err}
			if opts.OnReplicate != nil {
				opts.OnReplicate(err)
			}
		}
	}
	for w := 0; w < numWorkers; w++ {
		go worker()
	}

	// Feed jobs until done or cancelled
	fed := 0
feed:
	for ; fed < opts.Replicates; fed++ {
		select {
		case jobs <- fed:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("bootstrap stopped after %d of %d replicates: %w", fed, opts.Replicates, err)
	}

	res := &Result{
		Point:     point,
		Requested: opts.Replicates,
		Failures:  make(map[string]int),
		Level:     1 - opts.Alpha,
		Method:    opts.Method,
	}
	for _, rep := range slots {
		if rep.err != nil {
			res.Failures[Reason(rep.err)]++
			continue
		}
		res.Draws = append(res.Draws, rep.value)
	}
	res.Realized = len(res.Draws)
	if res.Realized < 2 {
		return res, fmt.Errorf("bootstrap: only %d of %d replicates succeeded", res.Realized, res.Requested)
	}

	res.SE = stat.StdDev(res.Draws, nil)
	switch opts.Method {
	case config.MethodNormal:
		z := estimate.NormalQuantile(1 - opts.Alpha/2)
		res.Lower, res.Upper = point-z*res.SE, point+z*res.SE
	case config.MethodPercentile:
		res.Lower = stats.Quantile(res.Draws, opts.Alpha/2)
		res.Upper = stats.Quantile(res.Draws, 1-opts.Alpha/2)
	default:
		return nil, &estimate.ConfigurationError{Option: "bootstrap_method", Value: opts.Method, Reason: "unknown method"}
	}
	return res, nil
}

// runReplicate resamples accounts and evaluates est, turning panics and
// non-finite statistics into errors.
func runReplicate(ctx context.Context, s *panel.Store, accounts []int64, est Estimator, seed int64) (v float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errPanic, r)
		}
	}()

	// Local RNG for this replication
	rng := rand.New(rand.NewSource(seed))
	ids := make([]int64, len(accounts))
	for k := range ids {
		ids[k] = accounts[rng.Intn(len(accounts))]
	}
	star, err := s.Resample(ids)
	if err != nil {
		return math.NaN(), err
	}
	v, err = est(ctx, star)
	if err != nil {
		return math.NaN(), err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return math.NaN(), errNonFinite
	}
	return v, nil
}

var (
	errPanic     = errors.New("estimator panicked")
	errNonFinite = errors.New("non-finite statistic")
)

// Reason classifies a replicate failure for reporting.
func Reason(err error) string {
	var (
		ce *estimate.CollinearityError
		cd *estimate.ClusterDegeneracyError
		ic *estimate.InsufficientCohortDataError
	)
	switch {
	case errors.As(err, &ce):
		return "collinearity"
	case errors.As(err, &cd):
		return "cluster_degeneracy"
	case errors.As(err, &ic):
		return "insufficient_cohort_data"
	case errors.Is(err, errNonFinite):
		return "non_finite"
	case errors.Is(err, errPanic):
		return "panic"
	}
	return "other"
}
