package protocol

import (
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/leogeo/internal/device"
)

// FrameTimings shape the three-phase frame read. The defaults were tuned
// against one logger's observed latency; other hardware may need others.
type FrameTimings struct {
	Initial time.Duration `yaml:"initial" json:"initial"` // wait for the first bytes
	Idle    time.Duration `yaml:"idle" json:"idle"`       // silence that ends the drain
	Settle  time.Duration `yaml:"settle" json:"settle"`   // pause before the straggler read
}

// DefaultFrameTimings returns 2000/500/1000 ms.
func DefaultFrameTimings() FrameTimings {
	return FrameTimings{
		Initial: 2000 * time.Millisecond,
		Idle:    500 * time.Millisecond,
		Settle:  1000 * time.Millisecond,
	}
}

// FrameReader collects one response from a device that streams for an
// unknown duration and marks the end only by going quiet.
type FrameReader struct {
	Timings FrameTimings
	Clock   device.Clock
	Log     *zap.Logger
}

// Read runs the arm, drain and settle phases against t and returns the
// concatenated bytes. It fails with KindNoData if nothing arrives while
// armed.
func (r *FrameReader) Read(t device.Transport, port string) ([]byte, error) {
	clock := r.Clock
	if clock == nil {
		clock = device.SystemClock{}
	}
	log := r.Log
	if log == nil {
		log = zap.NewNop()
	}

	// Arm
	ok, err := t.WaitForData(r.Timings.Initial)
	if err != nil {
		return nil, readError(port, err)
	}
	if !ok {
		return nil, &Error{Kind: KindNoData, Port: port, Record: -1}
	}
	frame, err := t.ReadAvailable()
	if err != nil {
		return nil, readError(port, err)
	}
	log.Debug("frame armed", zap.Int("bytes", len(frame)))

	// Drain
	chunks := 1
	for {
		ok, err := t.WaitForData(r.Timings.Idle)
		if err != nil {
			return nil, readError(port, err)
		}
		if !ok {
			break
		}
		chunk, err := t.ReadAvailable()
		if err != nil {
			return nil, readError(port, err)
		}
		frame = append(frame, chunk...)
		chunks++
	}
	log.Debug("frame drained", zap.Int("bytes", len(frame)), zap.Int("chunks", chunks))

	// Settle
	clock.Sleep(r.Timings.Settle)
	tail, err := t.ReadAvailable()
	if err != nil {
		return nil, readError(port, err)
	}
	if len(tail) > 0 {
		log.Debug("frame straggler bytes", zap.Int("bytes", len(tail)))
		frame = append(frame, tail...)
	}
	if len(frame) == 0 {
		return nil, &Error{Kind: KindNoData, Port: port, Record: -1}
	}
	return frame, nil
}
