package device

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

const readChunk = 256

// ListPorts returns the serial ports currently present on the system.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate ports: %w", err)
	}
	return ports, nil
}

// serialTransport implements Transport on go.bug.st/serial.
//
// WaitForData performs the timed read itself; bytes it receives are held in
// pending until the next ReadAvailable.
type serialTransport struct {
	mu      sync.Mutex
	port    serial.Port
	name    string
	pending []byte
}

func openSerial(port string, cfg SerialConfig) (Transport, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		Parity:   bugstParity(cfg.Parity),
		StopBits: serial.OneStopBit,
	}
	if cfg.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	p, err := serial.Open(resolvePath(port), mode)
	if err != nil {
		return nil, classifyOpen(port, err)
	}
	return &serialTransport{port: p, name: port}, nil
}

func bugstParity(p string) serial.Parity {
	switch strings.ToLower(p) {
	case ParityOdd:
		return serial.OddParity
	case ParityEven:
		return serial.EvenParity
	default:
		return serial.NoParity
	}
}

func (t *serialTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return 0, ErrClosed
	}
	n, err := t.port.Write(p)
	if err != nil {
		return n, fmt.Errorf("write %s: %w", t.name, err)
	}
	if n != len(p) {
		return n, fmt.Errorf("write %s: short write %d/%d", t.name, n, len(p))
	}
	if err := t.port.Drain(); err != nil {
		return n, fmt.Errorf("drain %s: %w", t.name, err)
	}
	return n, nil
}

func (t *serialTransport) WaitForData(timeout time.Duration) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return false, ErrClosed
	}
	if len(t.pending) > 0 {
		return true, nil
	}
	if err := t.port.SetReadTimeout(timeout); err != nil {
		return false, fmt.Errorf("set timeout %s: %w", t.name, err)
	}
	buf := make([]byte, readChunk)
	n, err := t.port.Read(buf)
	if n > 0 {
		t.pending = append(t.pending, buf[:n]...)
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", t.name, err)
	}
	return false, nil
}

func (t *serialTransport) ReadAvailable() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil, ErrClosed
	}
	out := t.pending
	t.pending = nil

	// Zero timeout polls the descriptor once per read.
	if err := t.port.SetReadTimeout(0); err != nil {
		return out, fmt.Errorf("set timeout %s: %w", t.name, err)
	}
	buf := make([]byte, readChunk)
	for {
		n, err := t.port.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil {
			return out, fmt.Errorf("read %s: %w", t.name, err)
		}
		if n == 0 {
			return out, nil
		}
	}
}

func (t *serialTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	t.pending = nil
	return err
}
