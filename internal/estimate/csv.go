package estimate

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
)

// NamedResult pairs a result with the label it is reported under.
type NamedResult struct {
	Name   string
	Result Result
}

// WriteResultsCSV writes results with the columns:
// Name, Kind, Estimate, SE, Lower, Upper, Level, N, EffectiveN, Annotations
func WriteResultsCSV(path string, results []NamedResult) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return writeResults(file, results)
}

func writeResults(w io.Writer, results []NamedResult) error {
	writer := csv.NewWriter(w)

	header := []string{"Name", "Kind", "Estimate", "SE", "Lower", "Upper", "Level", "N", "EffectiveN", "Annotations"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, nr := range results {
		r := nr.Result
		anns := make([]string, 0, len(r.annotations))
		for _, a := range r.annotations {
			anns = append(anns, a.String())
		}
		record := []string{
			nr.Name,
			string(r.Kind),
			fmt.Sprintf("%f", r.Estimate),
			fmt.Sprintf("%f", r.SE),
			fmt.Sprintf("%f", r.Lower),
			fmt.Sprintf("%f", r.Upper),
			fmt.Sprintf("%.3f", r.Level),
			fmt.Sprintf("%d", r.N),
			fmt.Sprintf("%.1f", r.EffectiveN),
			strings.Join(anns, "; "),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// WriteBalanceCSV writes one row per covariate:
// Covariate, SMD_Unweighted, SMD_Weighted, WithinThreshold
func WriteBalanceCSV(path string, rep BalanceReport) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"Covariate", "SMD_Unweighted", "SMD_Weighted", "WithinThreshold"}); err != nil {
		return err
	}
	for _, c := range rep.Covariates {
		w := c.Weighted
		if w < 0 {
			w = -w
		}
		record := []string{
			c.Name,
			fmt.Sprintf("%f", c.Unweighted),
			fmt.Sprintf("%f", c.Weighted),
			fmt.Sprintf("%t", w <= rep.Threshold),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return nil
}
