package export

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/leogeo/internal/protocol"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func sample(n int) []protocol.LogRecord {
	out := make([]protocol.LogRecord, n)
	for i := range out {
		out[i] = protocol.LogRecord{
			Coordinate:  protocol.Coordinate{Latitude: 51.98, Longitude: 5.91 + float64(i)},
			Temperature: 21.5,
			Timestamp:   time.Date(2024, 1, 1, 12, i, 0, 0, time.UTC),
		}
	}
	return out
}

func newExporter(t *testing.T, maxRows int) *Exporter {
	t.Helper()
	e := New(Config{Enabled: true, Path: t.TempDir(), MaxRows: maxRows}, nil)
	e.now = func() time.Time { return time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC) }
	return e
}

func TestExportWritesHeaderAndRows(t *testing.T) {
	e := newExporter(t, 0)
	recs := sample(2)
	recs = append(recs, protocol.LogRecord{Coordinate: protocol.Coordinate{Latitude: -1, Longitude: 2}, Temperature: -3.25})

	paths, err := e.Export(recs)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, "leogeo_2024-06-01_083000.csv", filepath.Base(paths[0]))

	rows := readCSV(t, paths[0])
	assert.Equal(t, [][]string{
		{"date", "time", "latitude", "longitude", "temperature"},
		{"2024-01-01", "12:00:00", "51.98", "5.91", "21.5"},
		{"2024-01-01", "12:01:00", "51.98", "6.91", "21.5"},
		{"", "", "-1", "2", "-3.25"},
	}, rows)
}

func TestExportRotatesAfterMaxRows(t *testing.T) {
	e := newExporter(t, 2)
	paths, err := e.Export(sample(5))
	require.NoError(t, err)
	require.Len(t, paths, 3)
	assert.Equal(t, "leogeo_2024-06-01_083000_2.csv", filepath.Base(paths[2]))

	assert.Len(t, readCSV(t, paths[0]), 3)
	assert.Len(t, readCSV(t, paths[1]), 3)
	assert.Len(t, readCSV(t, paths[2]), 2)
}

func TestExportDisabled(t *testing.T) {
	e := newExporter(t, 0)
	e.SetEnabled(false)
	assert.False(t, e.IsEnabled())

	paths, err := e.Export(sample(3))
	require.NoError(t, err)
	assert.Nil(t, paths)

	entries, err := os.ReadDir(e.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExportEmptyLog(t *testing.T) {
	e := newExporter(t, 0)
	paths, err := e.Export(nil)
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestWriteFile(t *testing.T) {
	e := New(Config{}, nil)
	path := filepath.Join(t.TempDir(), "out.csv")
	require.NoError(t, e.WriteFile(path, sample(1)))
	assert.Equal(t, []string{"2024-01-01", "12:00:00", "51.98", "5.91", "21.5"}, readCSV(t, path)[1])
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sample(1)))
	assert.Equal(t, "date,time,latitude,longitude,temperature\n2024-01-01,12:00:00,51.98,5.91,21.5\n", buf.String())
}
