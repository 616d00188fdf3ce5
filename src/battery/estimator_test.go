package battery

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBus is a settable telemetry source and clock
type fakeBus struct {
	mu      sync.Mutex
	current float64
	voltage float64
	now     float64
}

func (b *fakeBus) TotalCurrent() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *fakeBus) BusVoltage() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.voltage
}

func (b *fakeBus) Now() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now
}

func (b *fakeBus) set(now, current float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	b.current = current
}

// newManualEstimator builds an estimator whose ticks are driven by the test
func newManualEstimator(t *testing.T, bus *fakeBus, opts ...Option) *Estimator {
	t.Helper()
	opts = append([]Option{WithClock(bus), WithWarn(func(string) {}), withoutSampling()}, opts...)
	e, err := NewEstimator(bus, DefaultResistanceOhms, opts...)
	require.NoError(t, err)
	return e
}

func TestNewEstimator_RejectsNegativeResistance(t *testing.T) {
	for _, r := range []float64{-0.0001, -1, -1e9, math.Inf(-1)} {
		_, err := NewEstimator(&fakeBus{}, r, withoutSampling())
		assert.ErrorIs(t, err, ErrInvalidArgument, "resistance=%g", r)
	}
}

func TestNewEstimator_AcceptsZeroResistance(t *testing.T) {
	e, err := NewEstimator(&fakeBus{}, 0)
	require.NoError(t, err)
	defer e.Close()

	assert.Equal(t, 0.0, e.Resistance())
}

func TestNewEstimator_RejectsNilTelemetry(t *testing.T) {
	_, err := NewEstimator(nil, DefaultResistanceOhms)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestNewDefaultEstimator_UsesDefaultResistance(t *testing.T) {
	e, err := NewDefaultEstimator(&fakeBus{voltage: 12.5})
	require.NoError(t, err)
	defer e.Close()

	assert.Equal(t, DefaultResistanceOhms, e.Resistance())
	assert.Equal(t, 0.5, e.InitialStateOfCharge())
}

func TestTick_TrapezoidLiteral(t *testing.T) {
	bus := &fakeBus{}
	bus.set(0, 2.0)
	e := newManualEstimator(t, bus)

	bus.set(1.0, 4.0)
	e.tick()

	// 0.5 * (2 + 4) * 1
	assert.Equal(t, 3.0, e.Coulombs())
}

func TestTick_SumOfTrapezoids(t *testing.T) {
	samples := []struct{ t, i float64 }{
		{0.000, 1.5},
		{0.025, 2.0},
		{0.050, 10.0},
		{0.080, 35.5},
		{0.100, 0.0},
		{0.125, 0.25},
		{1.500, 7.0},
	}

	bus := &fakeBus{}
	bus.set(samples[0].t, samples[0].i)
	e := newManualEstimator(t, bus)

	var expected float64
	for k := 1; k < len(samples); k++ {
		prev, next := samples[k-1], samples[k]
		expected += 0.5 * (prev.i + next.i) * (next.t - prev.t)

		bus.set(next.t, next.i)
		e.tick()
	}

	assert.InEpsilon(t, expected, e.Coulombs(), 1e-9)
}

func TestTick_MonotonicForNonNegativeCurrent(t *testing.T) {
	bus := &fakeBus{}
	e := newManualEstimator(t, bus)

	last := e.Coulombs()
	for k := 1; k <= 100; k++ {
		bus.set(float64(k)*0.025, float64(k%7))
		e.tick()
		assert.GreaterOrEqual(t, e.Coulombs(), last)
		last = e.Coulombs()
	}
}

func TestTick_ZeroElapsedTimeAddsNothing(t *testing.T) {
	bus := &fakeBus{}
	bus.set(5.0, 3.0)
	e := newManualEstimator(t, bus)

	bus.set(6.0, 3.0)
	e.tick()
	before := e.Coulombs()

	bus.set(6.0, 80.0)
	e.tick()

	assert.Equal(t, before, e.Coulombs())
}

func TestCoulombs_Idempotent(t *testing.T) {
	bus := &fakeBus{}
	bus.set(0, 12.0)
	e := newManualEstimator(t, bus)
	bus.set(0.5, 6.0)
	e.tick()

	assert.Equal(t, e.Coulombs(), e.Coulombs())
}

func TestStateOfCharge_ClampedForAnyInputs(t *testing.T) {
	mappings := map[string]OCVMapping{
		"placeholder": PlaceholderOCV,
		"identity":    func(v float64) float64 { return v },
		"negative":    func(v float64) float64 { return -v },
	}
	voltages := []float64{-50, 0, 6.5, 12.7, 13.4, 1000}
	currents := []float64{-100, 0, 0.5, 1.0, 40, 400}
	resistances := []float64{0, DefaultResistanceOhms, 0.5, 10}

	for name, mapping := range mappings {
		t.Run(name, func(t *testing.T) {
			for _, v := range voltages {
				for _, i := range currents {
					for _, r := range resistances {
						bus := &fakeBus{voltage: v, current: i}
						e, err := NewEstimator(bus, r, WithOCVMapping(mapping), WithWarn(func(string) {}), withoutSampling())
						require.NoError(t, err)

						soc := e.StateOfCharge()
						assert.GreaterOrEqual(t, soc, 0.0)
						assert.LessOrEqual(t, soc, MaxStateOfCharge)
					}
				}
			}
		})
	}
}

func TestStateOfCharge_CompensatesForLoad(t *testing.T) {
	var seen float64
	mapping := func(v float64) float64 {
		seen = v
		return 0.5
	}

	bus := &fakeBus{voltage: 11.5, current: 20}
	e, err := NewEstimator(bus, 0.02, WithOCVMapping(mapping), WithWarn(func(string) {}), withoutSampling())
	require.NoError(t, err)

	e.StateOfCharge()
	assert.InDelta(t, 11.5+20*0.02, seen, 1e-12)
}

func TestStateOfCharge_WarnsUnderLoad(t *testing.T) {
	tests := []struct {
		name      string
		current   float64
		quiescent bool
		wantWarn  bool
	}{
		{"low current", 0.5, false, false},
		{"exactly at threshold", 1.0, false, false},
		{"under load", 1.5, false, true},
		{"under load while quiescent", 1.5, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var warnings []string
			bus := &fakeBus{voltage: 12.6, current: tt.current}
			e, err := NewEstimator(bus, DefaultResistanceOhms,
				WithQuiescence(QuiescenceFunc(func() bool { return tt.quiescent })),
				WithWarn(func(msg string) { warnings = append(warnings, msg) }),
				withoutSampling(),
			)
			require.NoError(t, err)
			warnings = nil // drop the construction-time sample

			soc := e.StateOfCharge()

			assert.Equal(t, 0.5, soc, "warning must not change the estimate")
			if tt.wantWarn {
				assert.Len(t, warnings, 1)
			} else {
				assert.Empty(t, warnings)
			}
		})
	}
}

func TestAmpHours_UnchangedSoCIsNotFinite(t *testing.T) {
	bus := &fakeBus{voltage: 12.6}
	bus.set(0, 5.0)
	e := newManualEstimator(t, bus)

	bus.set(1.0, 5.0)
	e.tick()

	// Placeholder SoC never moves: 5 C / 0
	assert.True(t, math.IsInf(e.AmpHours(), 1))
}

func TestAmpHours_NoChargeNoSoCChangeIsNaN(t *testing.T) {
	e := newManualEstimator(t, &fakeBus{voltage: 12.6})
	assert.True(t, math.IsNaN(e.AmpHours()))
}

func TestAmpHours_WithOCVTable(t *testing.T) {
	table, err := NewOCVTable([]OCVPoint{
		{Voltage: 11.0, StateOfCharge: 0.0},
		{Voltage: 13.0, StateOfCharge: 1.0},
	})
	require.NoError(t, err)

	bus := &fakeBus{voltage: 12.8}
	bus.set(0, 0)
	e, err := NewEstimator(bus, 0, WithClock(bus), WithOCVMapping(table), WithWarn(func(string) {}), withoutSampling())
	require.NoError(t, err)
	assert.InDelta(t, 0.9, e.InitialStateOfCharge(), 1e-9)

	// Ramp up to 10 A over 360 s while SoC drops from 0.9 to 0.8
	bus.set(360, 10)
	e.tick()
	bus.mu.Lock()
	bus.voltage = 12.6
	bus.current = 0
	bus.mu.Unlock()

	// Trapezoid of 0 A -> 10 A over 360 s
	assert.InDelta(t, 1800.0, e.Coulombs(), 1e-9)
	assert.InDelta(t, 1800.0/0.1/3600.0, e.AmpHours(), 1e-6)
}

func TestClose_StopsIntegration(t *testing.T) {
	bus := &fakeBus{}
	bus.set(0, 1.0)
	e, err := NewEstimator(bus, DefaultResistanceOhms, WithClock(bus), WithWarn(func(string) {}))
	require.NoError(t, err)

	// Advance time so running ticks accumulate charge
	bus.set(1.0, 1.0)
	assert.Eventually(t, func() bool { return e.Coulombs() > 0 }, time.Second, time.Millisecond)

	require.NoError(t, e.Close())
	after := e.Coulombs()

	bus.set(100.0, 50.0)
	time.Sleep(5 * SamplePeriod)

	assert.Equal(t, after, e.Coulombs())
	assert.NoError(t, e.Close(), "second Close is a no-op")
}

func TestSample(t *testing.T) {
	bus := &fakeBus{voltage: 12.4}
	bus.set(3.5, 2.25)
	e := newManualEstimator(t, bus)

	assert.Equal(t, PowerSample{Voltage: 12.4, Current: 2.25, Timestamp: 3.5}, e.Sample())
}

func TestWireResistance(t *testing.T) {
	assert.InDelta(t, 1.72e-8, WireResistance(1.0, 1.0), 1e-20)
	assert.InDelta(t, 3.44e-8, WireResistance(2.0, 1.0), 1e-20)
	assert.True(t, math.IsInf(WireResistance(1.0, 0), 1))

	// 1 m of 6 AWG (13.3 mm²)
	assert.InDelta(t, 0.00129, WireResistance(1.0, 13.3e-6), 1e-5)
}
