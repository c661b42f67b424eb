package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"bulk-mailer/models"
)

// TimeLayout is used for timestamps in exported logs and log lines.
const TimeLayout = "2006-01-02 15:04:05"

var header = []string{"timestamp", "recipient", "status", "error"}

// WriteCSV writes one row per result, in order, after a header row.
func WriteCSV(w io.Writer, results []models.SendResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, r := range results {
		row := []string{r.Timestamp.Format(TimeLayout), r.Recipient, string(r.Status), r.Error}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write row for %s: %w", r.Recipient, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFile exports results to path, replacing any existing file.
func WriteFile(path string, results []models.SendResult) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}
	if err := WriteCSV(f, results); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Line formats a result the way it is shown while a run progresses.
func Line(r models.SendResult) string {
	line := fmt.Sprintf("%s - %s - %s", r.Timestamp.Format(TimeLayout), r.Recipient, r.Status)
	if r.Error != "" {
		line += ": " + r.Error
	}
	return line
}
