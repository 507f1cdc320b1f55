package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"cashdrag/internal/cohort"
	"cashdrag/internal/did"
	"cashdrag/internal/estimate"
	"cashdrag/internal/pipeline"
	"cashdrag/internal/rd"
)

// writeOutputs writes every table the report holds into dir and returns
// the paths written. Tables for failed estimators are left out.
func writeOutputs(dir string, rep *pipeline.Report) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	var written []string
	write := func(name string, fn func(path string) error) error {
		path := filepath.Join(dir, name)
		if err := fn(path); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		written = append(written, path)
		return nil
	}

	if err := write("estimates.csv", func(p string) error { return estimate.WriteResultsCSV(p, rep.Results) }); err != nil {
		return written, err
	}
	if rep.Propensity != nil {
		if err := write("balance.csv", func(p string) error { return estimate.WriteBalanceCSV(p, rep.Propensity.Balance) }); err != nil {
			return written, err
		}
	}
	if rep.EventStudy != nil {
		if err := write("event_study.csv", func(p string) error { return did.WriteEventStudyCSV(p, rep.EventStudy) }); err != nil {
			return written, err
		}
	}
	if rep.Cohort != nil {
		if err := write("cohort_cells.csv", func(p string) error { return cohort.WriteCellsCSV(p, rep.Cohort) }); err != nil {
			return written, err
		}
	}
	if rep.RD != nil {
		if err := write("rd_sensitivity.csv", func(p string) error { return rd.WriteSensitivityCSV(p, rep.RD) }); err != nil {
			return written, err
		}
	}
	if rep.Metrics != nil {
		if err := write("metrics.prom", func(p string) error { return prometheus.WriteToTextfile(p, rep.Metrics.Registry) }); err != nil {
			return written, err
		}
	}
	return written, nil
}
