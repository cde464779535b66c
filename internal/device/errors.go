package device

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"

	"go.bug.st/serial"
)

// Reason names a class of serial failure in the terms an operator sees.
type Reason string

const (
	ReasonNoPort        Reason = "NoPortSelected"
	ReasonNotFound      Reason = "DeviceNotFound"
	ReasonPermission    Reason = "PermissionDenied"
	ReasonBusy          Reason = "PortBusy"
	ReasonInvalidPort   Reason = "InvalidPort"
	ReasonInvalidConfig Reason = "UnsupportedSettings"
	ReasonEnumeration   Reason = "EnumerationFailed"
	ReasonUnsupported   Reason = "UnsupportedOperation"
	ReasonClosed        Reason = "NotOpen"
	ReasonWrite         Reason = "WriteError"
	ReasonRead          Reason = "ReadError"
	ReasonUnknown       Reason = "OpenError"
)

// OpenError is returned when a port cannot be opened or configured.
type OpenError struct {
	Port   string
	Reason Reason
	Err    error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open %s: %s: %v", e.Port, e.Reason, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport closed")

// DescribeError classifies err into a Reason. Errors that are not serial
// errors map to ReasonUnknown.
func DescribeError(err error) Reason {
	if err == nil {
		return ""
	}
	var oe *OpenError
	if errors.As(err, &oe) {
		return oe.Reason
	}
	if errors.Is(err, ErrClosed) {
		return ReasonClosed
	}
	var pe *serial.PortError
	if errors.As(err, &pe) {
		switch pe.Code() {
		case serial.PortNotFound:
			return ReasonNotFound
		case serial.PortBusy:
			return ReasonBusy
		case serial.PermissionDenied:
			return ReasonPermission
		case serial.InvalidSerialPort:
			return ReasonInvalidPort
		case serial.InvalidSpeed, serial.InvalidDataBits, serial.InvalidParity, serial.InvalidStopBits, serial.InvalidTimeoutValue:
			return ReasonInvalidConfig
		case serial.ErrorEnumeratingPorts:
			return ReasonEnumeration
		case serial.PortClosed:
			return ReasonClosed
		case serial.FunctionNotImplemented:
			return ReasonUnsupported
		}
	}
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOENT):
		return ReasonNotFound
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EACCES):
		return ReasonPermission
	case errors.Is(err, syscall.EBUSY):
		return ReasonBusy
	}
	return ReasonUnknown
}

// classifyOpen wraps a backend open failure into an *OpenError.
func classifyOpen(port string, err error) error {
	return &OpenError{Port: port, Reason: DescribeError(err), Err: err}
}
