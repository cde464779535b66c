package protocol

import (
	"errors"
	"time"

	"github.com/shaunagostinho/leogeo/internal/device"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeClock is a virtual clock; Sleep advances it instantly.
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock { return &fakeClock{now: epoch} }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(d time.Duration) {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
}

// advance moves time without recording a sleep; transports use it to model
// blocking waits.
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func (c *fakeClock) elapsed() time.Duration { return c.now.Sub(epoch) }

type chunk struct {
	at   time.Duration
	data []byte
}

// scriptedTransport delivers chunks at fixed offsets on a fakeClock.
type scriptedTransport struct {
	clock    *fakeClock
	chunks   []chunk
	written  [][]byte
	waits    []time.Duration
	closed   int
	writeErr error
	waitErr  error
	lastData time.Duration
}

func (s *scriptedTransport) Write(p []byte) (int, error) {
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	s.written = append(s.written, append([]byte(nil), p...))
	return len(p), nil
}

func (s *scriptedTransport) WaitForData(timeout time.Duration) (bool, error) {
	s.waits = append(s.waits, timeout)
	if s.waitErr != nil {
		return false, s.waitErr
	}
	now := s.clock.elapsed()
	if len(s.chunks) > 0 {
		next := s.chunks[0].at
		if next <= now {
			return true, nil
		}
		if next <= now+timeout {
			s.clock.advance(next - now)
			return true, nil
		}
	}
	s.clock.advance(timeout)
	return false, nil
}

func (s *scriptedTransport) ReadAvailable() ([]byte, error) {
	now := s.clock.elapsed()
	var out []byte
	for len(s.chunks) > 0 && s.chunks[0].at <= now {
		out = append(out, s.chunks[0].data...)
		s.lastData = s.chunks[0].at
		s.chunks = s.chunks[1:]
	}
	return out, nil
}

func (s *scriptedTransport) Close() error {
	s.closed++
	return nil
}

func (s *scriptedTransport) countWaits(d time.Duration) int {
	n := 0
	for _, w := range s.waits {
		if w == d {
			n++
		}
	}
	return n
}

// scriptedOpener hands out one transport and records the open calls.
type scriptedOpener struct {
	t       *scriptedTransport
	openErr error
	ports   []string
	cfgs    []device.SerialConfig
}

func (o *scriptedOpener) Open(port string, cfg device.SerialConfig) (device.Transport, error) {
	o.ports = append(o.ports, port)
	o.cfgs = append(o.cfgs, cfg)
	if o.openErr != nil {
		return nil, o.openErr
	}
	if o.t == nil {
		return nil, errors.New("no transport scripted")
	}
	return o.t, nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
