package utils

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anchorBot/internal/domain"
)

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestWriteSnapshotsToCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "strength.csv")
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snaps := []domain.StrengthSnapshot{
		{
			Side:      domain.Short,
			Histogram: domain.Histogram{Ge100: 1, Ge90: 1, Ge80: 1, Ge70: 1, Ge60: 1, Ge50: 1, Ge40: 1, Total: 3},
			Level:     domain.LevelExtreme,
			Advisory:  "extreme, take profit",
		},
		{
			Side:     domain.Long,
			Level:    domain.LevelNone,
			Advisory: "calm",
			Regime:   domain.Regime{Accumulation: true, Reason: "accumulation, hold anchors"},
		},
	}

	require.NoError(t, WriteSnapshotsToCSV(snaps, at, path))
	rows := readRows(t, path)
	require.Len(t, rows, 3)
	assert.Equal(t, snapshotHeader, rows[0])
	assert.Equal(t, []string{
		"2026-03-01T12:00:00Z", "short", "5", "false", "3",
		"1", "1", "1", "1", "1", "1", "1", "0", "0", "0",
		"extreme, take profit",
	}, rows[1])
	assert.Equal(t, "true", rows[2][3])
	assert.Equal(t, "accumulation, hold anchors", rows[2][15])

	// A second run appends without repeating the header.
	require.NoError(t, WriteSnapshotsToCSV(snaps[:1], at.Add(time.Hour), path))
	rows = readRows(t, path)
	require.Len(t, rows, 4)
	assert.Equal(t, "2026-03-01T13:00:00Z", rows[3][0])
}
