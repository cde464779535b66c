// Package sim simulates the field logger on the far side of the serial line
// for development and testing.
package sim

import (
	"bytes"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/leogeo/internal/device"
	"github.com/shaunagostinho/leogeo/internal/protocol"
)

// PortName is the only port the simulator answers on.
const PortName = "SIM0"

// ErrBusy is returned when the simulated port is opened twice.
var ErrBusy = errors.New("sim: port already open")

// Config shapes the simulated logger's data and line behaviour.
type Config struct {
	Records  int                 // synthetic records generated at start
	Center   protocol.Coordinate // track starts here
	Start    time.Time           // first record's timestamp
	Interval time.Duration       // time between records

	ChunkSize  int           // bytes per delivered chunk
	ChunkGap   time.Duration // delay between chunks
	ReplyDelay time.Duration // delay before the first reply byte
	AckToken   []byte

	// DropLeadingZero writes times before 10:00 with five digits, as some
	// firmware does.
	DropLeadingZero bool
	// Mute makes the logger swallow commands without answering.
	Mute bool

	Decode protocol.DecodeOptions
	Seed   int64
}

// DefaultConfig returns a 60-record track around Arnhem streamed at roughly
// 9600 baud pacing.
func DefaultConfig() Config {
	return Config{
		Records:    60,
		Center:     protocol.Coordinate{Latitude: 51.98, Longitude: 5.91},
		Start:      time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC),
		Interval:   10 * time.Minute,
		ChunkSize:  64,
		ChunkGap:   70 * time.Millisecond,
		ReplyDelay: 150 * time.Millisecond,
		AckToken:   protocol.DefaultAckToken,
		Decode:     protocol.DefaultDecodeOptions(),
		Seed:       1,
	}
}

type pending struct {
	at   time.Time
	data []byte
}

// Logger is a simulated field logger. It implements device.Opener and, once
// opened, device.Transport.
type Logger struct {
	mu    sync.Mutex
	cfg   Config
	clock device.Clock
	log   *zap.Logger

	records   []protocol.LogRecord
	waypoints []protocol.Coordinate
	unlocks   int

	open       bool
	collecting bool
	rx         []byte
	outbox     []pending
}

// New creates a simulated logger with a generated track.
func New(cfg Config, clock device.Clock, log *zap.Logger) *Logger {
	if clock == nil {
		clock = device.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 64
	}
	if len(cfg.AckToken) == 0 {
		cfg.AckToken = protocol.DefaultAckToken
	}
	if cfg.Decode.BaseYear == 0 {
		cfg.Decode.BaseYear = 2000
	}
	l := &Logger{cfg: cfg, clock: clock, log: log}
	l.records = generateTrack(cfg)
	return l
}

// generateTrack walks away from the centre with a slowly turning heading
// and a daily temperature swing.
func generateTrack(cfg Config) []protocol.LogRecord {
	rng := rand.New(rand.NewSource(cfg.Seed))
	records := make([]protocol.LogRecord, 0, cfg.Records)

	lat, lon := cfg.Center.Latitude, cfg.Center.Longitude
	heading := rng.Float64() * 2 * math.Pi
	for i := 0; i < cfg.Records; i++ {
		ts := cfg.Start.Add(time.Duration(i) * cfg.Interval)

		heading += (rng.Float64() - 0.5) * 0.6
		step := 0.0004 + rng.Float64()*0.0006 // ~50-100 m
		lat = math.Max(-90, math.Min(90, lat+step*math.Cos(heading)))
		lon = math.Max(-180, math.Min(180, lon+step*math.Sin(heading)))

		hour := float64(ts.Hour()) + float64(ts.Minute())/60
		temp := 14 + 6*math.Sin((hour-9)/24*2*math.Pi) + rng.Float64()*0.8 - 0.4

		records = append(records, protocol.LogRecord{
			Coordinate:  protocol.Coordinate{Latitude: round(lat, 6), Longitude: round(lon, 6)},
			Temperature: round(temp, 1),
			Timestamp:   ts,
		})
	}
	return records
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// Records returns the records the logger will report.
func (l *Logger) Records() []protocol.LogRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]protocol.LogRecord(nil), l.records...)
}

// SetRecords replaces the stored log.
func (l *Logger) SetRecords(records []protocol.LogRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append([]protocol.LogRecord(nil), records...)
}

// Waypoints returns the last uploaded coordinate set.
func (l *Logger) Waypoints() []protocol.Coordinate {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]protocol.Coordinate(nil), l.waypoints...)
}

// Unlocks returns how many unlock commands were accepted.
func (l *Logger) Unlocks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unlocks
}

// Ports lists the simulated port.
func (l *Logger) Ports() ([]string, error) { return []string{PortName}, nil }

// Open implements device.Opener.
func (l *Logger) Open(port string, cfg device.SerialConfig) (device.Transport, error) {
	if port != PortName {
		return nil, &device.OpenError{Port: port, Reason: device.ReasonNotFound, Err: errors.New("sim: unknown port")}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &device.OpenError{Port: port, Reason: device.ReasonInvalidConfig, Err: err}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.open {
		return nil, &device.OpenError{Port: port, Reason: device.ReasonBusy, Err: ErrBusy}
	}
	l.open = true
	l.collecting = false
	l.rx = nil
	l.outbox = nil
	l.log.Debug("sim port opened")
	return l, nil
}

func (l *Logger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.open {
		return 0, device.ErrClosed
	}
	for _, b := range p {
		if l.collecting {
			l.rx = append(l.rx, b)
			if bytes.HasSuffix(l.rx, protocol.UploadTerminator) {
				l.finishUpload()
			}
			continue
		}
		switch protocol.Command(b) {
		case protocol.CmdFetchLogs:
			l.sendLog()
		case protocol.CmdBeginUpload:
			l.collecting = true
			l.rx = nil
		case protocol.CmdUnlock:
			l.unlocks++
			l.log.Info("sim unlocked")
			l.reply(l.cfg.AckToken)
		default:
			l.log.Debug("sim ignored byte", zap.Uint8("byte", b))
		}
	}
	return len(p), nil
}

func (l *Logger) finishUpload() {
	l.collecting = false
	coords, err := protocol.DecodeUpload(l.rx)
	l.rx = nil
	if err != nil {
		l.log.Warn("sim rejected upload", zap.Error(err))
		return
	}
	l.waypoints = coords
	l.log.Info("sim stored waypoints", zap.Int("count", len(coords)))
	l.reply(l.cfg.AckToken)
}

func (l *Logger) sendLog() {
	var stream []byte
	for _, r := range l.records {
		stream = append(stream, l.encodeRecord(r)...)
	}
	l.log.Debug("sim sending log", zap.Int("records", len(l.records)), zap.Int("bytes", len(stream)))
	l.reply(stream)
}

func (l *Logger) encodeRecord(r protocol.LogRecord) []byte {
	rec := protocol.EncodeRecords([]protocol.LogRecord{r}, l.cfg.Decode)
	// "ddMMyy,hhmmss,...": the time field starts at offset 7.
	if l.cfg.DropLeadingZero && !r.Timestamp.IsZero() && rec[7] == '0' {
		rec = append(rec[:7:7], rec[8:]...)
	}
	return rec
}

// reply queues data in ChunkSize pieces, the first after ReplyDelay and the
// rest ChunkGap apart.
func (l *Logger) reply(data []byte) {
	if l.cfg.Mute || len(data) == 0 {
		return
	}
	at := l.clock.Now().Add(l.cfg.ReplyDelay)
	for len(data) > 0 {
		n := l.cfg.ChunkSize
		if n > len(data) {
			n = len(data)
		}
		l.outbox = append(l.outbox, pending{at: at, data: append([]byte(nil), data[:n]...)})
		data = data[n:]
		at = at.Add(l.cfg.ChunkGap)
	}
}

func (l *Logger) WaitForData(timeout time.Duration) (bool, error) {
	l.mu.Lock()
	if !l.open {
		l.mu.Unlock()
		return false, device.ErrClosed
	}
	now := l.clock.Now()
	var next time.Time
	if len(l.outbox) > 0 {
		next = l.outbox[0].at
	}
	l.mu.Unlock()

	switch {
	case next.IsZero():
		l.clock.Sleep(timeout)
		return false, nil
	case !next.After(now):
		return true, nil
	case next.Sub(now) <= timeout:
		l.clock.Sleep(next.Sub(now))
		return true, nil
	default:
		l.clock.Sleep(timeout)
		return false, nil
	}
}

func (l *Logger) ReadAvailable() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.open {
		return nil, device.ErrClosed
	}
	now := l.clock.Now()
	var out []byte
	for len(l.outbox) > 0 && !l.outbox[0].at.After(now) {
		out = append(out, l.outbox[0].data...)
		l.outbox = l.outbox[1:]
	}
	return out, nil
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open = false
	l.outbox = nil
	l.collecting = false
	l.rx = nil
	return nil
}
