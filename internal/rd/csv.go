package rd

import (
	"encoding/csv"
	"fmt"
	"os"
)

// WriteSensitivityCSV writes the bandwidth sweep, placebo and stratum
// estimates in long format.
// Columns: Check, Key, Cutoff, Bandwidth, NLeft, NRight, JumpOutcome, JumpExposure, Wald, SE, Weak, Error
func WriteSensitivityCSV(path string, a *Analysis) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"Check", "Key", "Cutoff", "Bandwidth", "NLeft", "NRight", "JumpOutcome", "JumpExposure", "Wald", "SE", "Weak", "Error"}
	if err := writer.Write(header); err != nil {
		return err
	}

	write := func(check, key string, cutoff float64, e *Estimate, failure error) error {
		record := []string{check, key, fmt.Sprintf("%f", cutoff), "", "", "", "", "", "", "", "", ""}
		if e != nil {
			record[3] = fmt.Sprintf("%f", e.Bandwidth)
			record[4] = fmt.Sprintf("%d", e.NLeft)
			record[5] = fmt.Sprintf("%d", e.NRight)
			record[6] = fmt.Sprintf("%f", e.JumpY)
			record[7] = fmt.Sprintf("%f", e.JumpD)
			record[8] = fmt.Sprintf("%f", e.Wald.Estimate)
			record[9] = fmt.Sprintf("%f", e.Wald.SE)
			record[10] = fmt.Sprintf("%t", e.Weak != nil)
		}
		if failure != nil {
			record[11] = failure.Error()
		}
		return writer.Write(record)
	}

	if a.Sweep != nil {
		for _, e := range a.Sweep.Estimates {
			if err := write("bandwidth", fmt.Sprintf("%g", e.Bandwidth), e.Cutoff, e, nil); err != nil {
				return err
			}
		}
	}
	for _, p := range a.Placebos {
		if err := write("placebo", fmt.Sprintf("%g", p.Cutoff), p.Cutoff, p.Estimate, p.Err); err != nil {
			return err
		}
	}
	for _, st := range a.Strata {
		cutoff := a.Main.Cutoff
		if err := write("stratum", fmt.Sprintf("%g", st.Key), cutoff, st.Estimate, st.Err); err != nil {
			return err
		}
	}
	return nil
}
