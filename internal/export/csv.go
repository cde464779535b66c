// Package export writes fetched log records to CSV files.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/leogeo/internal/protocol"
)

// Config holds exporter configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	MaxRows int    `yaml:"max_rows" json:"maxRows"`
}

const defaultMaxRows = 100_000

var csvHeader = []string{"date", "time", "latitude", "longitude", "temperature"}

// Exporter writes each fetched log to a new timestamped CSV file, splitting
// files that would exceed MaxRows.
type Exporter struct {
	mu      sync.Mutex
	dir     string
	maxRows int
	enabled bool
	now     func() time.Time
	log     *zap.Logger

	file   *os.File
	writer *csv.Writer
	rows   int
	seq    int
}

// New creates an Exporter.
func New(cfg Config, log *zap.Logger) *Exporter {
	if cfg.Path == "" {
		cfg.Path = "exports"
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Exporter{
		dir:     cfg.Path,
		maxRows: cfg.MaxRows,
		enabled: cfg.Enabled,
		now:     time.Now,
		log:     log,
	}
}

// SetEnabled toggles exporting at runtime.
func (e *Exporter) SetEnabled(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled = on
}

// IsEnabled reports whether Export writes anything.
func (e *Exporter) IsEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// Export writes records and returns the paths of the files it created.
// A disabled exporter returns nil without touching the disk.
func (e *Exporter) Export(records []protocol.LogRecord) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return nil, nil
	}
	return e.write(records)
}

// WriteFile writes records to path regardless of the enabled flag.
func (e *Exporter) WriteFile(path string, records []protocol.LogRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := WriteCSV(f, records); err != nil {
		f.Close()
		return err
	}
	e.log.Info("log written", zap.String("path", path), zap.Int("records", len(records)))
	return f.Close()
}

// WriteCSV writes the header and one row per record to w.
func WriteCSV(w io.Writer, records []protocol.LogRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range records {
		if err := cw.Write(buildRow(r)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (e *Exporter) write(records []protocol.LogRecord) (paths []string, err error) {
	defer e.closeFile()
	e.seq = 0

	stamp := e.now()
	for _, r := range records {
		if e.writer == nil || e.rows >= e.maxRows {
			path, err := e.rotateFile(stamp)
			if err != nil {
				return paths, err
			}
			paths = append(paths, path)
		}
		if err := e.writer.Write(buildRow(r)); err != nil {
			return paths, fmt.Errorf("write row: %w", err)
		}
		e.rows++
	}
	if e.writer != nil {
		e.writer.Flush()
		if err := e.writer.Error(); err != nil {
			return paths, err
		}
	}
	e.log.Info("log exported", zap.Int("records", len(records)), zap.Strings("files", paths))
	return paths, nil
}

func (e *Exporter) rotateFile(stamp time.Time) (string, error) {
	e.closeFile()

	if err := os.MkdirAll(e.dir, 0755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", e.dir, err)
	}

	filename := fmt.Sprintf("leogeo_%s.csv", stamp.Format("2006-01-02_150405"))
	if e.seq > 0 {
		filename = fmt.Sprintf("leogeo_%s_%d.csv", stamp.Format("2006-01-02_150405"), e.seq)
	}
	e.seq++
	path := filepath.Join(e.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}

	e.file = f
	e.writer = csv.NewWriter(f)
	e.rows = 0

	if err := e.writer.Write(csvHeader); err != nil {
		return "", err
	}
	e.log.Debug("export file opened", zap.String("path", path))
	return path, nil
}

func (e *Exporter) closeFile() {
	if e.writer != nil {
		e.writer.Flush()
		e.writer = nil
	}
	if e.file != nil {
		if err := e.file.Close(); err != nil {
			e.log.Warn("export close failed", zap.Error(err))
		}
		e.file = nil
	}
}

// buildRow formats one record. Records without a date get empty date and
// time cells.
func buildRow(r protocol.LogRecord) []string {
	row := make([]string, len(csvHeader))
	if !r.Timestamp.IsZero() {
		row[0] = r.Timestamp.Format("2006-01-02")
		row[1] = r.Timestamp.Format("15:04:05")
	}
	row[2] = strconv.FormatFloat(r.Coordinate.Latitude, 'f', -1, 64)
	row[3] = strconv.FormatFloat(r.Coordinate.Longitude, 'f', -1, 64)
	row[4] = strconv.FormatFloat(r.Temperature, 'f', -1, 64)
	return row
}
