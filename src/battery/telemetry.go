package battery

import (
	"log"
	"time"
)

// PowerTelemetry supplies instantaneous readings from the power distribution bus.
// The estimator only reads from it.
type PowerTelemetry interface {
	TotalCurrent() float64 // amperes
	BusVoltage() float64   // volts
}

// Clock returns a timestamp in seconds. It must never go backwards.
type Clock interface {
	Now() float64
}

// QuiescenceSignal reports whether the system is disabled and drawing negligible current
type QuiescenceSignal interface {
	IsQuiescent() bool
}

// WarnFunc receives advisory messages. It must not block.
type WarnFunc func(message string)

// PowerSample is one telemetry snapshot
type PowerSample struct {
	Voltage   float64
	Current   float64
	Timestamp float64
}

// ClockFunc adapts a function to the Clock interface
type ClockFunc func() float64

// Now calls f
func (f ClockFunc) Now() float64 { return f() }

// QuiescenceFunc adapts a function to the QuiescenceSignal interface
type QuiescenceFunc func() bool

// IsQuiescent calls f
func (f QuiescenceFunc) IsQuiescent() bool { return f() }

// monotonicClock counts seconds since it was created using the monotonic clock reading
type monotonicClock struct {
	start time.Time
}

func newMonotonicClock() monotonicClock {
	return monotonicClock{start: time.Now()}
}

func (c monotonicClock) Now() float64 {
	return time.Since(c.start).Seconds()
}

// neverQuiescent is used when no quiescence signal is configured
var neverQuiescent = QuiescenceFunc(func() bool { return false })

func logWarning(message string) {
	log.Printf("Warning: %s\n", message)
}
