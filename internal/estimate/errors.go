package estimate

import (
	"errors"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/stat/distuv"
)

// SchemaError reports a required field that is absent or semantically invalid.
type SchemaError struct {
	Field  string
	Row    int // 1-based input row, 0 when not row specific
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Row > 0 {
		return fmt.Sprintf("schema: row %d field %q: %s", e.Row, e.Field, e.Reason)
	}
	return fmt.Sprintf("schema: field %q: %s", e.Field, e.Reason)
}

// PanelIntegrityError reports records that violate the panel's structural
// invariants (uniqueness, monotonic adoption, summary consistency).
type PanelIntegrityError struct {
	AccountID int64
	Month     int
	Reason    string
}

func (e *PanelIntegrityError) Error() string {
	return fmt.Sprintf("panel integrity: account %d month %d: %s", e.AccountID, e.Month, e.Reason)
}

// CollinearityError means the design is rank deficient after fixed effects
// are absorbed.
type CollinearityError struct {
	Columns []string // regressors implicated in the deficiency
	Rank    int
	Want    int
}

func (e *CollinearityError) Error() string {
	return fmt.Sprintf("collinear design: rank %d < %d (columns: %s)",
		e.Rank, e.Want, strings.Join(e.Columns, ", "))
}

// ClusterDegeneracyError means cluster-robust inference is not identified.
type ClusterDegeneracyError struct {
	Clusters int
}

func (e *ClusterDegeneracyError) Error() string {
	return fmt.Sprintf("cluster-robust variance needs at least 2 clusters, got %d", e.Clusters)
}

// InsufficientCohortDataError marks a cohort/event-time cell that was skipped.
type InsufficientCohortDataError struct {
	Cohort     int
	EventTime  int
	Comparison int
	Min        int
	Reason     string
}

func (e *InsufficientCohortDataError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cohort %d event time %d: %s", e.Cohort, e.EventTime, e.Reason)
	}
	return fmt.Sprintf("cohort %d event time %d: %d comparison observations, need %d",
		e.Cohort, e.EventTime, e.Comparison, e.Min)
}

// ConfigurationError rejects an option value before any estimation runs.
type ConfigurationError struct {
	Option string
	Value  any
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config: %s=%v: %s", e.Option, e.Value, e.Reason)
}

// WeakDiscontinuityError describes a first stage whose jump cannot be told
// apart from zero. It is reported as an annotation, never returned as fatal.
type WeakDiscontinuityError struct {
	Cutoff    float64
	Bandwidth float64
	Jump      float64
	SE        float64
}

func (e *WeakDiscontinuityError) Error() string {
	return fmt.Sprintf("weak first stage at cutoff %.4f (h=%.4f): jump %.4f, se %.4f",
		e.Cutoff, e.Bandwidth, e.Jump, e.SE)
}

// IsFatal reports whether err must abort the pipeline rather than a single
// estimator call.
func IsFatal(err error) bool {
	var (
		schema    *SchemaError
		integrity *PanelIntegrityError
		cfg       *ConfigurationError
	)
	return errors.As(err, &schema) || errors.As(err, &integrity) || errors.As(err, &cfg)
}

// NormalQuantile returns the p-quantile of the standard normal.
func NormalQuantile(p float64) float64 {
	return distuv.UnitNormal.Quantile(p)
}
