package device

import "time"

// Clock is the time source for read loops and simulated devices. Tests swap
// in a virtual clock so timing behaviour can be asserted without sleeping.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time        { return time.Now() }
func (SystemClock) Sleep(d time.Duration) { time.Sleep(d) }
