package protocol

import (
	"errors"
	"fmt"

	"github.com/shaunagostinho/leogeo/internal/device"
)

// Kind classifies protocol failures.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnection
	KindWrite
	KindTimeout
	KindNoData
	KindParse
	KindNotAcknowledged
	KindInvalidCoordinate
)

var kindNames = map[Kind]string{
	KindUnknown:           "unknown",
	KindConnection:        "connection",
	KindWrite:             "write",
	KindTimeout:           "timeout",
	KindNoData:            "no_data",
	KindParse:             "parse",
	KindNotAcknowledged:   "not_acknowledged",
	KindInvalidCoordinate: "invalid_coordinate",
}

var kindMessages = map[Kind]string{
	KindUnknown:           "unexpected failure",
	KindConnection:        "could not open the serial port",
	KindWrite:             "device write error",
	KindTimeout:           "device timed out",
	KindNoData:            "received no data",
	KindParse:             "device sent a malformed log",
	KindNotAcknowledged:   "device did not acknowledge the command",
	KindInvalidCoordinate: "coordinate out of range",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the single error type returned across the engine boundary.
//
// Record is the zero-based record index for parse errors, -1 otherwise.
type Error struct {
	Kind      Kind
	Port      string
	Reason    string
	Substring string
	Record    int
	Err       error
}

// Sentinels for errors.Is; they match any *Error of the same Kind.
var (
	ErrConnection        = &Error{Kind: KindConnection, Record: -1}
	ErrWrite             = &Error{Kind: KindWrite, Record: -1}
	ErrTimeout           = &Error{Kind: KindTimeout, Record: -1}
	ErrNoData            = &Error{Kind: KindNoData, Record: -1}
	ErrParse             = &Error{Kind: KindParse, Record: -1}
	ErrNotAcknowledged   = &Error{Kind: KindNotAcknowledged, Record: -1}
	ErrInvalidCoordinate = &Error{Kind: KindInvalidCoordinate, Record: -1}
)

func (e *Error) Error() string {
	msg := kindMessages[e.Kind]
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Port != "" {
		msg = fmt.Sprintf("%s: %s", e.Port, msg)
	}
	if e.Reason != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Reason)
	}
	if e.Kind == KindParse && e.Record >= 0 {
		msg = fmt.Sprintf("%s: record %d %q", msg, e.Record, e.Substring)
	} else if e.Substring != "" {
		msg = fmt.Sprintf("%s: %q", msg, e.Substring)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can test against the sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// Describe renders err as an operator-facing message that names the
// failure class and, for serial failures, the underlying serial reason.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var pe *Error
	if !errors.As(err, &pe) {
		return err.Error()
	}
	switch pe.Kind {
	case KindConnection:
		return fmt.Sprintf("Failed to open serial port: %s, with error: %s", pe.Port, pe.Reason)
	case KindWrite:
		return fmt.Sprintf("Device write error on %s: %s", pe.Port, pe.Reason)
	case KindNoData:
		return "Received no data"
	case KindParse:
		return fmt.Sprintf("Malformed log record %d: %q", pe.Record, pe.Substring)
	case KindNotAcknowledged:
		return fmt.Sprintf("Device on %s did not acknowledge", pe.Port)
	case KindInvalidCoordinate:
		return fmt.Sprintf("Invalid coordinate: %s", pe.Substring)
	default:
		return pe.Error()
	}
}

func connectionError(port string, err error) *Error {
	return &Error{Kind: KindConnection, Port: port, Reason: string(device.DescribeError(err)), Record: -1, Err: err}
}

func writeError(port string, err error) *Error {
	reason := device.DescribeError(err)
	if reason == device.ReasonUnknown {
		reason = device.ReasonWrite
	}
	return &Error{Kind: KindWrite, Port: port, Reason: string(reason), Record: -1, Err: err}
}

func readError(port string, err error) *Error {
	reason := device.DescribeError(err)
	if reason == device.ReasonUnknown {
		reason = device.ReasonRead
	}
	return &Error{Kind: KindConnection, Port: port, Reason: string(reason), Record: -1, Err: err}
}

func parseError(record int, substring string, err error) *Error {
	return &Error{Kind: KindParse, Record: record, Substring: substring, Err: err}
}
