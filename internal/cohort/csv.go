package cohort

import (
	"encoding/csv"
	"fmt"
	"os"
)

// WriteCellsCSV writes the estimated cells in (cohort, event time) order.
// Columns: Cohort, EventTime, BasePeriod, TargetPeriod, ATT, SE, Lower, Upper, Treated, Comparison
func WriteCellsCSV(path string, agg *Aggregate) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"Cohort", "EventTime", "BasePeriod", "TargetPeriod", "ATT", "SE", "Lower", "Upper", "Treated", "Comparison"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, c := range agg.Cells {
		record := []string{
			fmt.Sprintf("%d", c.Cohort),
			fmt.Sprintf("%d", c.EventTime),
			fmt.Sprintf("%d", c.BasePeriod),
			fmt.Sprintf("%d", c.TargetPeriod),
			fmt.Sprintf("%f", c.ATT),
			fmt.Sprintf("%f", c.SE),
			fmt.Sprintf("%f", c.Lower),
			fmt.Sprintf("%f", c.Upper),
			fmt.Sprintf("%d", c.Treated),
			fmt.Sprintf("%d", c.Comparison),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return nil
}
