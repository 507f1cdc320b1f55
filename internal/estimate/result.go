// Package estimate holds the values every estimator in the pipeline returns:
// point estimates with their uncertainty, covariate balance reports, the
// diagnostic annotations attached to them and the error taxonomy.
package estimate

import (
	"fmt"
	"math"
	"strings"
)

// Kind tags which estimator produced a Result.
type Kind string

const (
	KindTWFE         Kind = "TWFE-DiD"
	KindEventStudy   Kind = "EventStudy-Post"
	KindCohortATT    Kind = "CS-ATT"
	KindCohortPre    Kind = "CS-Pre"
	KindIPW          Kind = "IPW-ATE"
	KindDoublyRobust Kind = "DR-ATE"
	KindFuzzyRD      Kind = "Fuzzy-RD"
)

// AnnotationKind classifies a non-fatal diagnostic.
type AnnotationKind string

const (
	AnnotationBalance           AnnotationKind = "BalanceWarning"
	AnnotationConvergence       AnnotationKind = "ConvergenceWarning"
	AnnotationWeakDiscontinuity AnnotationKind = "WeakDiscontinuity"
	AnnotationPreTrend          AnnotationKind = "PreTrend"
	AnnotationTrimmed           AnnotationKind = "Trimmed"
	AnnotationSkippedCells      AnnotationKind = "SkippedCells"
	AnnotationSingletons        AnnotationKind = "Singletons"
	AnnotationBootstrapFailures AnnotationKind = "BootstrapFailures"
)

// Annotation is a diagnostic attached to a result. A result that carries
// annotations is conditionally trustworthy, not wrong.
type Annotation struct {
	Kind    AnnotationKind
	Message string
}

func (a Annotation) String() string {
	return fmt.Sprintf("%s: %s", a.Kind, a.Message)
}

// Result is the output of one estimator call.
type Result struct {
	Kind       Kind
	Estimate   float64
	SE         float64
	Lower      float64
	Upper      float64
	Level      float64 // confidence level of [Lower, Upper], e.g. 0.95
	N          int     // observations used
	EffectiveN float64 // Kish effective sample size where weights apply, otherwise N

	annotations []Annotation
}

// NewResult builds a Result with a normal-approximation interval at the
// given confidence level.
func NewResult(kind Kind, est, se float64, n int, level float64) Result {
	z := NormalQuantile(1 - (1-level)/2)
	return Result{
		Kind:       kind,
		Estimate:   est,
		SE:         se,
		Lower:      est - z*se,
		Upper:      est + z*se,
		Level:      level,
		N:          n,
		EffectiveN: float64(n),
	}
}

// Annotations returns a copy of the result's diagnostics.
func (r Result) Annotations() []Annotation {
	out := make([]Annotation, len(r.annotations))
	copy(out, r.annotations)
	return out
}

// Annotated reports whether the result carries a diagnostic of the given kind.
func (r Result) Annotated(kind AnnotationKind) bool {
	for _, a := range r.annotations {
		if a.Kind == kind {
			return true
		}
	}
	return false
}

// With returns a copy of r with the annotation appended. The receiver is
// left untouched.
func (r Result) With(kind AnnotationKind, format string, args ...any) Result {
	anns := make([]Annotation, len(r.annotations), len(r.annotations)+1)
	copy(anns, r.annotations)
	r.annotations = append(anns, Annotation{Kind: kind, Message: fmt.Sprintf(format, args...)})
	return r
}

// WithInterval returns a copy of r with replaced interval bounds.
func (r Result) WithInterval(lower, upper, level float64) Result {
	r.Lower, r.Upper, r.Level = lower, upper, level
	r.annotations = r.Annotations()
	return r
}

// Covers reports whether the interval contains v.
func (r Result) Covers(v float64) bool {
	return r.Lower <= v && v <= r.Upper
}

// Valid reports whether the point estimate and SE are finite.
func (r Result) Valid() bool {
	return !math.IsNaN(r.Estimate) && !math.IsInf(r.Estimate, 0) && !math.IsNaN(r.SE)
}

func (r Result) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-16s est=%9.5f se=%8.5f [%.5f, %.5f] n=%d",
		r.Kind, r.Estimate, r.SE, r.Lower, r.Upper, r.N)
	for _, a := range r.annotations {
		fmt.Fprintf(&b, "\n    ! %s", a)
	}
	return b.String()
}

// CovariateBalance is the standardized mean difference of one covariate.
type CovariateBalance struct {
	Name       string
	Unweighted float64
	Weighted   float64
}

// BalanceReport summarises covariate balance before and after weighting.
type BalanceReport struct {
	Covariates []CovariateBalance
	Threshold  float64

	MeanUnweighted float64 // mean |SMD|
	MeanWeighted   float64
	MaxUnweighted  float64 // max |SMD|
	MaxWeighted    float64
	ShareBelow     float64 // share of covariates with weighted |SMD| <= Threshold
}

// NewBalanceReport computes the aggregate columns from per-covariate SMDs.
func NewBalanceReport(covs []CovariateBalance, threshold float64) BalanceReport {
	rep := BalanceReport{
		Covariates: append([]CovariateBalance(nil), covs...),
		Threshold:  threshold,
	}
	if len(covs) == 0 {
		return rep
	}
	below := 0
	for _, c := range covs {
		u, w := math.Abs(c.Unweighted), math.Abs(c.Weighted)
		rep.MeanUnweighted += u
		rep.MeanWeighted += w
		rep.MaxUnweighted = math.Max(rep.MaxUnweighted, u)
		rep.MaxWeighted = math.Max(rep.MaxWeighted, w)
		if w <= threshold {
			below++
		}
	}
	n := float64(len(covs))
	rep.MeanUnweighted /= n
	rep.MeanWeighted /= n
	rep.ShareBelow = float64(below) / n
	return rep
}

// Balanced reports whether every weighted |SMD| is within the threshold.
func (b BalanceReport) Balanced() bool {
	return b.MaxWeighted <= b.Threshold
}
