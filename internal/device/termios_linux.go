//go:build linux

package device

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const defaultFlowControl = FlowSoftware

// termiosTransport drives the port through raw termios so XON/XOFF software
// flow control can be enabled, which go.bug.st/serial does not expose.
type termiosTransport struct {
	mu   sync.Mutex
	fd   int
	name string
}

func openTermios(port string, cfg SerialConfig) (Transport, error) {
	path := resolvePath(port)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, classifyOpen(port, err)
	}

	ok := false
	defer func() {
		if !ok {
			_ = unix.Close(fd)
		}
	}()

	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return nil, classifyOpen(port, err)
	}
	spd, err := baudToUnix(cfg.BaudRate)
	if err != nil {
		return nil, &OpenError{Port: port, Reason: ReasonInvalidConfig, Err: err}
	}

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL
	t.Iflag |= unix.IXON | unix.IXOFF
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB | unix.CRTSCTS
	t.Cflag |= unix.CREAD | unix.CLOCAL | dataBitsFlag(cfg.DataBits)
	switch strings.ToLower(cfg.Parity) {
	case ParityOdd:
		t.Cflag |= unix.PARENB | unix.PARODD
	case ParityEven:
		t.Cflag |= unix.PARENB
	}
	if cfg.StopBits == 2 {
		t.Cflag |= unix.CSTOPB
	}
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0

	t.Cflag &^= unix.CBAUD
	t.Cflag |= spd
	t.Ispeed = spd
	t.Ospeed = spd

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return nil, classifyOpen(port, err)
	}
	ok = true
	return &termiosTransport{fd: fd, name: port}, nil
}

func dataBitsFlag(bits int) uint32 {
	switch bits {
	case 5:
		return unix.CS5
	case 6:
		return unix.CS6
	case 7:
		return unix.CS7
	default:
		return unix.CS8
	}
}

func baudToUnix(baud int) (uint32, error) {
	switch baud {
	case 1200:
		return unix.B1200, nil
	case 2400:
		return unix.B2400, nil
	case 4800:
		return unix.B4800, nil
	case 9600:
		return unix.B9600, nil
	case 19200:
		return unix.B19200, nil
	case 38400:
		return unix.B38400, nil
	case 57600:
		return unix.B57600, nil
	case 115200:
		return unix.B115200, nil
	default:
		return 0, fmt.Errorf("unsupported baud %d", baud)
	}
}

func (t *termiosTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fd < 0 {
		return 0, ErrClosed
	}
	written := 0
	for written < len(p) {
		n, err := unix.Write(t.fd, p[written:])
		if err == unix.EAGAIN || err == unix.EINTR {
			if err := t.poll(unix.POLLOUT, time.Second); err != nil {
				return written, err
			}
			continue
		}
		if err != nil {
			return written, fmt.Errorf("write %s: %w", t.name, err)
		}
		written += n
	}
	// TCSBRK with a non-zero argument is tcdrain.
	if err := unix.IoctlSetInt(t.fd, unix.TCSBRK, 1); err != nil {
		return written, fmt.Errorf("drain %s: %w", t.name, err)
	}
	return written, nil
}

func (t *termiosTransport) poll(events int16, timeout time.Duration) error {
	fds := []unix.PollFd{{Fd: int32(t.fd), Events: events}}
	for {
		_, err := unix.Poll(fds, int(timeout/time.Millisecond))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll %s: %w", t.name, err)
		}
		return nil
	}
}

func (t *termiosTransport) WaitForData(timeout time.Duration) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fd < 0 {
		return false, ErrClosed
	}
	fds := []unix.PollFd{{Fd: int32(t.fd), Events: unix.POLLIN}}
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		n, err := unix.Poll(fds, int(remaining/time.Millisecond))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("poll %s: %w", t.name, err)
		}
		if n > 0 && fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return false, fmt.Errorf("poll %s: line error (revents %#x)", t.name, fds[0].Revents)
		}
		return n > 0 && fds[0].Revents&unix.POLLIN != 0, nil
	}
}

func (t *termiosTransport) ReadAvailable() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fd < 0 {
		return nil, ErrClosed
	}
	var out []byte
	buf := make([]byte, readChunk)
	for {
		n, err := unix.Read(t.fd, buf)
		if n > 0 {
			out = append(out, buf[:n]...)
			continue
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == nil {
			return out, nil
		}
		return out, fmt.Errorf("read %s: %w", t.name, err)
	}
}

func (t *termiosTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fd < 0 {
		return nil
	}
	err := unix.Close(t.fd)
	t.fd = -1
	return err
}
