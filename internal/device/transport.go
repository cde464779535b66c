// Package device provides the serial link to the field logger: port
// enumeration, line configuration and a byte-oriented transport with timed
// waits.
package device

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Transport is an open, configured serial connection.
//
// All calls are synchronous. WaitForData and ReadAvailable never block past
// the timeout they are given; ReadAvailable does not block at all.
type Transport interface {
	// Write sends p and returns once the bytes have been handed to the line.
	Write(p []byte) (int, error)
	// WaitForData blocks up to timeout for at least one byte to be readable.
	WaitForData(timeout time.Duration) (bool, error)
	// ReadAvailable returns whatever is buffered right now, possibly nothing.
	ReadAvailable() ([]byte, error)
	Close() error
}

// Opener opens transports by port name.
type Opener interface {
	Open(port string, cfg SerialConfig) (Transport, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(port string, cfg SerialConfig) (Transport, error)

func (f OpenerFunc) Open(port string, cfg SerialConfig) (Transport, error) { return f(port, cfg) }

// FlowControl selects the line's flow control discipline.
type FlowControl string

const (
	FlowNone     FlowControl = "none"
	FlowSoftware FlowControl = "software"
)

// Parity names accepted in configuration.
const (
	ParityNone = "none"
	ParityOdd  = "odd"
	ParityEven = "even"
)

// SerialConfig holds the line settings for one connection attempt.
type SerialConfig struct {
	BaudRate    int         `yaml:"baud_rate" json:"baudRate"`
	DataBits    int         `yaml:"data_bits" json:"dataBits"`
	Parity      string      `yaml:"parity" json:"parity"`
	StopBits    int         `yaml:"stop_bits" json:"stopBits"`
	FlowControl FlowControl `yaml:"flow_control" json:"flowControl"`
}

// DefaultSerialConfig returns the logger's native 9600-8-N-1 settings with
// XON/XOFF flow control where the platform backend supports it.
func DefaultSerialConfig() SerialConfig {
	return SerialConfig{
		BaudRate:    9600,
		DataBits:    8,
		Parity:      ParityNone,
		StopBits:    1,
		FlowControl: defaultFlowControl,
	}
}

// withDefaults fills zero fields from DefaultSerialConfig.
func (c SerialConfig) withDefaults() SerialConfig {
	d := DefaultSerialConfig()
	if c.BaudRate == 0 {
		c.BaudRate = d.BaudRate
	}
	if c.DataBits == 0 {
		c.DataBits = d.DataBits
	}
	if c.Parity == "" {
		c.Parity = d.Parity
	}
	if c.StopBits == 0 {
		c.StopBits = d.StopBits
	}
	if c.FlowControl == "" {
		c.FlowControl = d.FlowControl
	}
	return c
}

// Validate reports settings no backend can apply.
func (c SerialConfig) Validate() error {
	c = c.withDefaults()
	if c.BaudRate < 0 {
		return fmt.Errorf("invalid baud rate %d", c.BaudRate)
	}
	if c.DataBits < 5 || c.DataBits > 8 {
		return fmt.Errorf("invalid data bits %d", c.DataBits)
	}
	switch strings.ToLower(c.Parity) {
	case ParityNone, ParityOdd, ParityEven:
	default:
		return fmt.Errorf("invalid parity %q", c.Parity)
	}
	if c.StopBits != 1 && c.StopBits != 2 {
		return fmt.Errorf("invalid stop bits %d", c.StopBits)
	}
	switch c.FlowControl {
	case FlowNone, FlowSoftware:
	default:
		return fmt.Errorf("invalid flow control %q", c.FlowControl)
	}
	return nil
}

// PortLister enumerates the serial ports currently present.
type PortLister func() ([]string, error)

// SerialOpener opens real serial ports. Ports are checked against the
// enumerated list first unless SkipEnumeration is set, which virtual ports
// (socat pairs, ptys) need.
type SerialOpener struct {
	SkipEnumeration bool
	// List defaults to ListPorts.
	List PortLister
}

// Open validates the port name and configuration, then opens the backend
// matching cfg.FlowControl.
func (o SerialOpener) Open(port string, cfg SerialConfig) (Transport, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, &OpenError{Port: port, Reason: ReasonInvalidConfig, Err: err}
	}
	if port == "" {
		return nil, &OpenError{Port: port, Reason: ReasonNoPort, Err: fmt.Errorf("no port selected")}
	}
	if !o.SkipEnumeration {
		list := o.List
		if list == nil {
			list = ListPorts
		}
		ports, err := list()
		if err != nil {
			return nil, &OpenError{Port: port, Reason: ReasonEnumeration, Err: err}
		}
		if !containsPort(ports, port) {
			return nil, &OpenError{Port: port, Reason: ReasonNotFound, Err: fmt.Errorf("port %s is not present", port)}
		}
	}

	if cfg.FlowControl == FlowSoftware {
		return openTermios(port, cfg)
	}
	return openSerial(port, cfg)
}

// containsPort matches either the full device path or its base name, since
// users pick "ttyUSB0" while enumeration reports "/dev/ttyUSB0".
func containsPort(ports []string, port string) bool {
	for _, p := range ports {
		if p == port || filepath.Base(p) == port || p == filepath.Base(port) {
			return true
		}
	}
	return false
}

// resolvePath turns a bare port name into a device path on unix systems.
func resolvePath(port string) string {
	if strings.ContainsRune(port, '/') || strings.HasPrefix(strings.ToUpper(port), "COM") {
		return port
	}
	return "/dev/" + port
}
