// Package pipeline owns a run: the validated configuration, the panel, the
// seed, a logger and metrics. It executes every estimator against them and
// collects the results into a Report.
package pipeline

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"cashdrag/internal/config"
	"cashdrag/internal/panel"
)

// Run is the explicit context for one pipeline execution. Nothing in the
// estimators reads global state; everything they need comes from here.
type Run struct {
	ID     uuid.UUID
	Config config.Config
	Store  *panel.Store
	// Seed is the resolved master seed. A zero config seed is replaced by a
	// clock seed so the run can still be reproduced from the report.
	Seed    int64
	Log     *logrus.Entry
	Metrics *Metrics
}

// NewRun validates cfg and binds it to the store. A nil logger falls back
// to the logrus standard logger.
func NewRun(cfg config.Config, s *panel.Store, logger *logrus.Logger) (*Run, error) {
	if s == nil {
		return nil, errors.New("pipeline: nil store")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	id := uuid.New()
	return &Run{
		ID:     id,
		Config: cfg,
		Store:  s,
		Seed:   seed,
		Log: logger.WithFields(logrus.Fields{
			"run":  id.String(),
			"seed": seed,
		}),
		Metrics: NewMetrics(),
	}, nil
}
