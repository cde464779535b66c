package protocol

import (
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/leogeo/internal/device"
)

// Config holds everything the engine needs for one deployment.
type Config struct {
	Serial   device.SerialConfig
	Frame    FrameTimings
	Ack      AckTimings
	AckToken []byte
	// WarmUp is slept after opening the port; the logger ignores bytes
	// sent right after the line comes up.
	WarmUp time.Duration
	Decode DecodeOptions
}

// DefaultConfig returns the settings the logger shipped with.
func DefaultConfig() Config {
	return Config{
		Serial:   device.DefaultSerialConfig(),
		Frame:    DefaultFrameTimings(),
		Ack:      DefaultAckTimings(),
		AckToken: DefaultAckToken,
		WarmUp:   500 * time.Millisecond,
		Decode:   DefaultDecodeOptions(),
	}
}

// Engine runs complete request/response exchanges with the logger.
//
// Each call opens the port, runs to completion on the calling goroutine and
// closes the port on every return path. Calls against the same port must not
// overlap; the engine does not serialize them. There is no mid-operation
// cancellation: every wait is bounded instead.
type Engine struct {
	cfg    Config
	opener device.Opener
	clock  device.Clock
	log    *zap.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock, for tests.
func WithClock(c device.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithLogger sets the logger. The default discards output.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = l } }

// NewEngine returns an engine that opens ports through opener.
func NewEngine(opener device.Opener, cfg Config, opts ...Option) *Engine {
	if len(cfg.AckToken) == 0 {
		cfg.AckToken = DefaultAckToken
	}
	e := &Engine{
		cfg:    cfg,
		opener: opener,
		clock:  device.SystemClock{},
		log:    zap.NewNop(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config { return e.cfg }

// FetchLogs asks the logger for its stored records and decodes them.
func (e *Engine) FetchLogs(port string) ([]LogRecord, error) {
	log := e.log.With(zap.String("op", "fetch"), zap.String("port", port))

	frame, err := e.exchange(port, log, Encode(CmdFetchLogs), func(t device.Transport) ([]byte, error) {
		return e.frameReader(log).Read(t, port)
	})
	if err != nil {
		return nil, err
	}

	records, err := NewDecoder(e.cfg.Decode).Decode(frame)
	if err != nil {
		log.Warn("log decode failed", zap.Int("bytes", len(frame)), zap.Error(err))
		return nil, err
	}
	log.Info("logs fetched", zap.Int("bytes", len(frame)), zap.Int("records", len(records)))
	return records, nil
}

// UploadCoordinates replaces the logger's waypoint set.
func (e *Engine) UploadCoordinates(port string, coords []Coordinate) error {
	log := e.log.With(zap.String("op", "upload"), zap.String("port", port))

	payload, err := EncodeUpload(coords)
	if err != nil {
		return err
	}
	_, err = e.exchange(port, log, Encode(CmdBeginUpload), func(t device.Transport) ([]byte, error) {
		if err := e.write(t, port, payload); err != nil {
			return nil, err
		}
		return nil, e.awaitAck(t, port, log)
	})
	if err != nil {
		return err
	}
	log.Info("coordinates uploaded", zap.Int("coordinates", len(coords)))
	return nil
}

// SendUnlock tells the logger to unlock its enclosure.
func (e *Engine) SendUnlock(port string) error {
	log := e.log.With(zap.String("op", "unlock"), zap.String("port", port))

	_, err := e.exchange(port, log, Encode(CmdUnlock), func(t device.Transport) ([]byte, error) {
		return nil, e.awaitAck(t, port, log)
	})
	if err != nil {
		return err
	}
	log.Info("unlock acknowledged")
	return nil
}

// SendRawCommand writes payload and returns whatever frame comes back.
func (e *Engine) SendRawCommand(port string, payload []byte) ([]byte, error) {
	log := e.log.With(zap.String("op", "raw"), zap.String("port", port))

	frame, err := e.exchange(port, log, payload, func(t device.Transport) ([]byte, error) {
		return e.frameReader(log).Read(t, port)
	})
	if err != nil {
		return nil, err
	}
	log.Info("raw command answered", zap.Int("bytes", len(frame)))
	return frame, nil
}

// exchange opens the port, waits for warm-up, writes cmd and runs then.
// The transport is closed before exchange returns.
func (e *Engine) exchange(port string, log *zap.Logger, cmd []byte, then func(device.Transport) ([]byte, error)) (out []byte, err error) {
	t, err := e.opener.Open(port, e.cfg.Serial)
	if err != nil {
		perr := connectionError(port, err)
		log.Warn("open failed", zap.String("reason", perr.Reason), zap.Error(err))
		return nil, perr
	}
	defer func() {
		if cerr := t.Close(); cerr != nil {
			log.Warn("close failed", zap.Error(cerr))
		}
	}()
	log.Debug("port opened")

	e.clock.Sleep(e.cfg.WarmUp)

	if err := e.write(t, port, cmd); err != nil {
		log.Warn("command write failed", zap.Error(err))
		return nil, err
	}
	out, err = then(t)
	if err != nil {
		log.Warn("exchange failed", zap.Stringer("kind", KindOf(err)), zap.Error(err))
	}
	return out, err
}

func (e *Engine) write(t device.Transport, port string, p []byte) error {
	n, err := t.Write(p)
	if err != nil {
		return writeError(port, err)
	}
	if n != len(p) {
		return &Error{Kind: KindWrite, Port: port, Reason: string(device.ReasonWrite), Record: -1}
	}
	return nil
}

func (e *Engine) frameReader(log *zap.Logger) *FrameReader {
	return &FrameReader{Timings: e.cfg.Frame, Clock: e.clock, Log: log}
}

func (e *Engine) awaitAck(t device.Transport, port string, log *zap.Logger) error {
	w := &AckWaiter{Timings: e.cfg.Ack, Token: e.cfg.AckToken, Clock: e.clock, Log: log}
	attempts, err := w.Wait(t, port)
	if err != nil {
		return err
	}
	log.Debug("acknowledged", zap.Int("attempts", attempts))
	return nil
}
