//go:build !linux

package device

import "fmt"

// Only the linux termios backend can do XON/XOFF.
const defaultFlowControl = FlowNone

func openTermios(port string, cfg SerialConfig) (Transport, error) {
	return nil, &OpenError{
		Port:   port,
		Reason: ReasonUnsupported,
		Err:    fmt.Errorf("software flow control is only supported on linux"),
	}
}
