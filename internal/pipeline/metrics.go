package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for the estimator counter.
const (
	OutcomeOK        = "ok"
	OutcomeAnnotated = "annotated"
	OutcomeFailed    = "failed"
)

// Metrics are the per-run collectors. Each run owns its registry so
// concurrent runs in one process never share counters.
type Metrics struct {
	Registry *prometheus.Registry

	Estimators *prometheus.CounterVec
	Replicates *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
}

// NewMetrics builds and registers the run collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Estimators: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "causal",
			Name:      "estimator_runs_total",
			Help:      "Estimator calls by outcome.",
		}, []string{"estimator", "outcome"}),
		Replicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "causal",
			Name:      "bootstrap_replicates_total",
			Help:      "Bootstrap replicates by target estimator and failure reason.",
		}, []string{"estimator", "reason"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "causal",
			Name:      "estimator_duration_seconds",
			Help:      "Wall time per estimator call.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"estimator"}),
	}
	m.Registry.MustRegister(m.Estimators, m.Replicates, m.Duration)
	return m
}

func (m *Metrics) observe(estimator, outcome string, start time.Time) {
	m.Estimators.WithLabelValues(estimator, outcome).Inc()
	m.Duration.WithLabelValues(estimator).Observe(time.Since(start).Seconds())
}
