package did

import (
	"encoding/csv"
	"fmt"
	"os"
)

// WriteEventStudyCSV writes one row per included bin with the columns:
// Bin, EventTime, Estimate, SE, Lower, Upper, TreatedRows
func WriteEventStudyCSV(path string, es *EventStudy) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"Bin", "EventTime", "Estimate", "SE", "Lower", "Upper", "TreatedRows"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, c := range es.Coefficients {
		record := []string{
			BinName(c.EventTime),
			fmt.Sprintf("%d", c.EventTime),
			fmt.Sprintf("%f", c.Estimate),
			fmt.Sprintf("%f", c.SE),
			fmt.Sprintf("%f", c.Lower),
			fmt.Sprintf("%f", c.Upper),
			fmt.Sprintf("%d", c.N),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return nil
}
