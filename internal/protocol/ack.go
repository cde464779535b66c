package protocol

import (
	"bytes"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/leogeo/internal/device"
)

// DefaultAckToken is the reply the logger sends after an upload or unlock.
// It is compared byte for byte and carries no other meaning.
var DefaultAckToken = []byte{0x44, 0x61}

// AckTimings bound the acknowledgement poll. Worst case is roughly
// Attempts * (First + Drain + Pacing).
type AckTimings struct {
	Attempts int           `yaml:"attempts" json:"attempts"`
	First    time.Duration `yaml:"first" json:"first"`
	Drain    time.Duration `yaml:"drain" json:"drain"`
	Pacing   time.Duration `yaml:"pacing" json:"pacing"`
}

// DefaultAckTimings returns 50 attempts of 1000/100/100 ms.
func DefaultAckTimings() AckTimings {
	return AckTimings{
		Attempts: 50,
		First:    1000 * time.Millisecond,
		Drain:    100 * time.Millisecond,
		Pacing:   100 * time.Millisecond,
	}
}

// AckWaiter polls for a fixed acknowledgement token.
type AckWaiter struct {
	Timings AckTimings
	Token   []byte
	Clock   device.Clock
	Log     *zap.Logger
}

// Wait polls t until the bytes received so far equal the token or the
// attempt budget runs out. It returns the number of attempts made.
func (w *AckWaiter) Wait(t device.Transport, port string) (int, error) {
	clock := w.Clock
	if clock == nil {
		clock = device.SystemClock{}
	}
	log := w.Log
	if log == nil {
		log = zap.NewNop()
	}
	token := w.Token
	if len(token) == 0 {
		token = DefaultAckToken
	}

	var got []byte
	attempts := 0
	for !bytes.Equal(got, token) {
		if attempts >= w.Timings.Attempts {
			log.Debug("ack budget exhausted", zap.Int("attempts", attempts), zap.Binary("received", got))
			return attempts, &Error{Kind: KindNotAcknowledged, Port: port, Record: -1, Substring: string(got)}
		}
		attempts++

		ok, err := t.WaitForData(w.Timings.First)
		if err != nil {
			return attempts, readError(port, err)
		}
		for ok {
			chunk, err := t.ReadAvailable()
			if err != nil {
				return attempts, readError(port, err)
			}
			got = append(got, chunk...)
			if ok, err = t.WaitForData(w.Timings.Drain); err != nil {
				return attempts, readError(port, err)
			}
		}
		clock.Sleep(w.Timings.Pacing)
	}
	log.Debug("ack received", zap.Int("attempts", attempts))
	return attempts, nil
}
