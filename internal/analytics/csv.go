package analytics

import (
	"encoding/csv"
	"fmt"
	"io"
	"slices"
	"strconv"
)

var csvHeader = []string{"Date", "Connections Sent", "Connections Accepted", "Acceptance Rate (%)"}

// WriteCSV writes one row per day, oldest first.
func WriteCSV(w io.Writer, t Tally) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	dates := make([]string, 0, len(t.ByDate))
	for d := range t.ByDate {
		dates = append(dates, d)
	}
	slices.Sort(dates)

	for _, d := range dates {
		c := t.ByDate[d]
		rate := 0.0
		if c.Sent > 0 {
			rate = float64(c.Successful) / float64(c.Sent) * 100
		}
		row := []string{
			d,
			strconv.Itoa(c.Sent),
			strconv.Itoa(c.Successful),
			strconv.FormatFloat(rate, 'f', 1, 64),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row %s: %w", d, err)
		}
	}

	cw.Flush()
	return cw.Error()
}
