package rd

import (
	"context"
	"fmt"
	"runtime"
	"sort"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"cashdrag/internal/estimate"
	"cashdrag/internal/panel"
	"cashdrag/internal/stats"
)

// Sweep is LocalWald over a bandwidth grid.
type Sweep struct {
	// Estimates are ordered like the grid; failed bandwidths are absent.
	Estimates []*Estimate
	Skipped   *multierror.Error
	Spread    stats.Spread // median and quartiles of the Wald estimates
}

// Placebo is LocalWald at a false cutoff using only accounts on the side of
// the true cutoff the placebo lies on.
type Placebo struct {
	Cutoff   float64
	Estimate *Estimate
	Err      error
}

// Stratum is LocalWald within one stratum.
type Stratum struct {
	Key      float64
	N        int
	Estimate *Estimate
	Err      error
}

// Analysis is the main estimate with its sensitivity checks.
type Analysis struct {
	Main       *Estimate
	Sweep      *Sweep
	Placebos   []Placebo
	Strata     []Stratum
	Bandwidth  float64
	Result     estimate.Result
	SampleSize int
}

// parallel runs fn(i) for i in [0, n) with at most workers goroutines. fn
// writes only its own slot; parallel returns only ctx errors.
func parallel(ctx context.Context, n, workers int, fn func(i int)) error {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fn(i)
			return nil
		})
	}
	return g.Wait()
}

// RunSweep estimates at every bandwidth in grid concurrently.
func RunSweep(ctx context.Context, smp *Sample, cutoff float64, grid []float64, o Options) (*Sweep, error) {
	ests := make([]*Estimate, len(grid))
	errs := make([]error, len(grid))
	if err := parallel(ctx, len(grid), o.Workers, func(i int) {
		ests[i], errs[i] = LocalWald(smp, cutoff, grid[i], o.Alpha)
	}); err != nil {
		return nil, err
	}

	sw := &Sweep{}
	var walds []float64
	for i, e := range ests {
		if errs[i] != nil {
			sw.Skipped = multierror.Append(sw.Skipped, fmt.Errorf("bandwidth %.4g: %w", grid[i], errs[i]))
			continue
		}
		sw.Estimates = append(sw.Estimates, e)
		walds = append(walds, e.Wald.Estimate)
	}
	if len(sw.Estimates) == 0 {
		return sw, fmt.Errorf("rd sweep: every bandwidth failed: %w", sw.Skipped)
	}
	sw.Spread = stats.Summarize(walds)
	return sw, nil
}

// RunPlacebos estimates at each false cutoff with bandwidth h.
func RunPlacebos(ctx context.Context, smp *Sample, cutoffs []float64, h float64, o Options) ([]Placebo, error) {
	out := make([]Placebo, len(cutoffs))
	err := parallel(ctx, len(cutoffs), o.Workers, func(i int) {
		c := cutoffs[i]
		out[i].Cutoff = c
		if c == o.Cutoff {
			out[i].Err = fmt.Errorf("placebo %.4g equals the true cutoff", c)
			return
		}
		below := c < o.Cutoff
		sub := smp.where(func(j int) bool { return (smp.Score[j] < o.Cutoff) == below })
		out[i].Estimate, out[i].Err = LocalWald(sub, c, h, o.Alpha)
	})
	return out, err
}

// RunStrata estimates within every distinct stratum value, ascending.
func RunStrata(ctx context.Context, smp *Sample, h float64, o Options) ([]Stratum, error) {
	seen := make(map[float64]bool)
	var keys []float64
	for _, k := range smp.Strata {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Float64s(keys)

	out := make([]Stratum, len(keys))
	err := parallel(ctx, len(keys), o.Workers, func(i int) {
		key := keys[i]
		sub := smp.where(func(j int) bool { return smp.Strata[j] == key })
		out[i] = Stratum{Key: key, N: sub.Len()}
		out[i].Estimate, out[i].Err = LocalWald(sub, o.Cutoff, h, o.Alpha)
	})
	return out, err
}

// Analyze runs the main estimate at Options.Bandwidth and every
// sensitivity check. Only a failed main estimate or ctx fails the call.
func Analyze(ctx context.Context, s *panel.Store, o Options) (*Analysis, error) {
	smp, err := SampleFrom(s, o)
	if err != nil {
		return nil, err
	}
	h := o.Bandwidth()
	main, err := LocalWald(smp, o.Cutoff, h, o.Alpha)
	if err != nil {
		return nil, err
	}
	a := &Analysis{Main: main, Bandwidth: h, Result: main.Wald, SampleSize: smp.Len()}

	if a.Sweep, err = RunSweep(ctx, smp, o.Cutoff, o.Bandwidths, o); err != nil && ctx.Err() != nil {
		return nil, err
	}
	if a.Placebos, err = RunPlacebos(ctx, smp, o.Placebos, h, o); err != nil {
		return nil, err
	}
	if a.Strata, err = RunStrata(ctx, smp, h, o); err != nil {
		return nil, err
	}
	return a, nil
}
