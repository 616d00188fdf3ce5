// Package battery estimates battery state of charge and capacity by coulomb counting.
package battery

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ryansname/battctl/src/periodic"
)

const (
	// DefaultResistanceOhms is a typical internal resistance for a 12V lead-acid robot battery
	DefaultResistanceOhms = 0.015
	// SamplePeriod is how often current is integrated
	SamplePeriod = 25 * time.Millisecond
	// MaxStateOfCharge allows the OCV approximation to read slightly above full
	MaxStateOfCharge = 1.3
	// LoadWarningCurrent is the draw above which SoC estimates become unreliable
	LoadWarningCurrent = 1.0
	// CoulombsPerAmpHour converts coulombs to amp-hours
	CoulombsPerAmpHour = 3600.0
	// CopperResistivity in ohm-metres
	CopperResistivity = 1.72e-8
)

// ErrInvalidArgument is returned for bad constructor arguments
var ErrInvalidArgument = errors.New("invalid argument")

const loadWarning = "Estimating the battery's state of charge while under load can be inaccurate.\n" +
	"Consider disabling the robot first."

// Option configures an Estimator
type Option func(*Estimator)

// WithClock sets the timestamp source used for integration
func WithClock(clock Clock) Option {
	return func(e *Estimator) { e.clock = clock }
}

// WithQuiescence sets the signal used to suppress the under-load warning
func WithQuiescence(signal QuiescenceSignal) Option {
	return func(e *Estimator) { e.quiescence = signal }
}

// WithWarn sets where advisory warnings are sent
func WithWarn(warn WarnFunc) Option {
	return func(e *Estimator) { e.warn = warn }
}

// WithOCVMapping replaces the placeholder voltage to SoC mapping
func WithOCVMapping(mapping OCVMapping) Option {
	return func(e *Estimator) { e.ocv = mapping }
}

// withoutSampling skips starting the periodic tick so tests can drive tick() by hand
func withoutSampling() Option {
	return func(e *Estimator) { e.manualTicks = true }
}

// Estimator tracks battery charge for the lifetime of a power session.
// Current is integrated every SamplePeriod in the background until Close.
type Estimator struct {
	telemetry  PowerTelemetry
	resistance float64
	clock      Clock
	quiescence QuiescenceSignal
	warn       WarnFunc
	ocv        OCVMapping

	initialSoC float64

	mu            sync.Mutex
	coulombs      float64
	prevTimestamp float64
	prevCurrent   float64

	manualTicks bool
	notifier    *periodic.Notifier
	closeOnce   sync.Once
}

// NewEstimator creates an estimator for a battery with the given internal resistance in ohms.
// Add lead wire resistance from WireResistance if the wiring is long.
// It samples the initial state of charge immediately, so it is best created while the system is disabled.
func NewEstimator(telemetry PowerTelemetry, resistance float64, opts ...Option) (*Estimator, error) {
	if telemetry == nil {
		return nil, fmt.Errorf("%w: telemetry must not be nil", ErrInvalidArgument)
	}
	if resistance < 0 {
		return nil, fmt.Errorf("%w: resistance must be >= 0, got %g", ErrInvalidArgument, resistance)
	}

	e := &Estimator{
		telemetry:  telemetry,
		resistance: resistance,
		clock:      newMonotonicClock(),
		quiescence: neverQuiescent,
		warn:       logWarning,
		ocv:        PlaceholderOCV,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.initialSoC = e.StateOfCharge()
	e.prevCurrent = telemetry.TotalCurrent()
	e.prevTimestamp = e.clock.Now()

	if e.manualTicks {
		return e, nil
	}

	e.notifier = periodic.New("battery estimator", e.tick)
	if err := e.notifier.StartPeriodic(SamplePeriod); err != nil {
		e.notifier.Stop()
		return nil, fmt.Errorf("start sampling: %w", err)
	}
	return e, nil
}

// NewDefaultEstimator creates an estimator assuming DefaultResistanceOhms.
// Measure the real battery resistance for better accuracy.
func NewDefaultEstimator(telemetry PowerTelemetry, opts ...Option) (*Estimator, error) {
	return NewEstimator(telemetry, DefaultResistanceOhms, opts...)
}

// StateOfCharge estimates the fraction of charge remaining, in [0, MaxStateOfCharge].
// Most accurate when current draw is low, such as when the system is disabled.
func (e *Estimator) StateOfCharge() float64 {
	current := e.telemetry.TotalCurrent()
	if current > LoadWarningCurrent && !e.quiescence.IsQuiescent() {
		e.warn(loadWarning)
	}

	// Voltage compensated for the drop across the internal resistance
	voltage := e.telemetry.BusVoltage() + current*e.resistance

	soc := e.ocv(voltage)
	return max(0.0, min(soc, MaxStateOfCharge))
}

// Coulombs returns the total charge drawn since construction
func (e *Estimator) Coulombs() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.coulombs
}

// AmpHours extrapolates the battery capacity from the charge drawn and the change in SoC.
// If the SoC has not moved the result is +Inf, -Inf or NaN.
func (e *Estimator) AmpHours() float64 {
	soc := e.StateOfCharge()
	coulombs := e.Coulombs()

	coulombs /= e.initialSoC - soc
	return coulombs / CoulombsPerAmpHour
}

// InitialStateOfCharge returns the SoC sampled at construction
func (e *Estimator) InitialStateOfCharge() float64 {
	return e.initialSoC
}

// Resistance returns the internal resistance in ohms
func (e *Estimator) Resistance() float64 {
	return e.resistance
}

// Sample reads one telemetry snapshot
func (e *Estimator) Sample() PowerSample {
	return PowerSample{
		Voltage:   e.telemetry.BusVoltage(),
		Current:   e.telemetry.TotalCurrent(),
		Timestamp: e.clock.Now(),
	}
}

// Close stops background sampling. It waits for a running tick, and is safe to call twice.
func (e *Estimator) Close() error {
	e.closeOnce.Do(func() {
		if e.notifier != nil {
			e.notifier.Stop()
		}
	})
	return nil
}

// tick integrates current since the previous tick using the trapezoidal rule
func (e *Estimator) tick() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	current := e.telemetry.TotalCurrent()

	e.coulombs += 0.5 * (e.prevCurrent + current) * (now - e.prevTimestamp)
	e.prevTimestamp = now
	e.prevCurrent = current
}

// WireResistance estimates the resistance in ohms of a copper wire: R = ρ * (L/A).
// Length is in metres, area in square metres.
func WireResistance(length, area float64) float64 {
	return CopperResistivity * (length / area)
}
