package utils

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"anchorBot/internal/domain"
)

var snapshotHeader = []string{
	"taken_at", "side", "level", "accumulation", "total",
	"ge100", "ge90", "ge80", "ge70", "ge60", "ge50", "ge40", "le20", "le10", "negative",
	"advisory",
}

// WriteSnapshotsToCSV writes one row per snapshot. Rows are appended when the
// file exists, so repeated runs build a time series.
func WriteSnapshotsToCSV(snaps []domain.StrengthSnapshot, takenAt time.Time, filename string) error {
	if dir := filepath.Dir(filename); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	_, statErr := os.Stat(filename)
	isNew := os.IsNotExist(statErr)

	file, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if isNew {
		if err := writer.Write(snapshotHeader); err != nil {
			return err
		}
	}

	for _, s := range snaps {
		h := s.Histogram
		row := []string{
			takenAt.UTC().Format(time.RFC3339),
			string(s.Side),
			strconv.Itoa(int(s.Level)),
			strconv.FormatBool(s.Regime.Accumulation),
			strconv.Itoa(h.Total),
		}
		for _, n := range []int{h.Ge100, h.Ge90, h.Ge80, h.Ge70, h.Ge60, h.Ge50, h.Ge40, h.Le20, h.Le10, h.Negative} {
			row = append(row, strconv.Itoa(n))
		}
		row = append(row, s.DisplayText())
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
