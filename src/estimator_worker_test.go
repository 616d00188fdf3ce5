package main

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansname/battctl/src/battery"
)

type fakeEstimator struct {
	soc, initial, coulombs, ampHours float64
	sample                           battery.PowerSample
}

func (f fakeEstimator) StateOfCharge() float64 { return f.soc }
func (f fakeEstimator) InitialStateOfCharge() float64 { return f.initial }
func (f fakeEstimator) Coulombs() float64 { return f.coulombs }
func (f fakeEstimator) AmpHours() float64 { return f.ampHours }
func (f fakeEstimator) Sample() battery.PowerSample { return f.sample }

func TestReadEstimate(t *testing.T) {
	config := BatteryConfig{Name: "Robot Battery"}
	now := time.Date(2026, 4, 2, 18, 30, 0, 0, time.UTC)
	est := readEstimate(&config, fakeEstimator{
		soc: 0.8, initial: 0.9, coulombs: 6480, ampHours: 18,
		sample: battery.PowerSample{Voltage: 12.1, Current: 35},
	}, now)

	assert.Equal(t, BatteryEstimate{
		Name:          "Robot Battery",
		DeviceID:      "robot_battery",
		StateOfCharge: 0.8,
		InitialSoC:    0.9,
		Coulombs:      6480,
		AmpHours:      18,
		Voltage:       12.1,
		Current:       35,
		At:            now,
	}, est)
}

func TestBuildStatePayload(t *testing.T) {
	payload := buildStatePayload(BatteryEstimate{
		StateOfCharge: 0.5,
		InitialSoC:    0.75,
		Coulombs:      1800,
		AmpHours:      2,
		Voltage:       12.3,
		Current:       4,
	})

	b, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"percentage": 50,
		"initial_percentage": 75,
		"coulombs": 1800,
		"amp_hours": 2,
		"voltage": 12.3,
		"current": 4
	}`, string(b))
}

func TestBuildStatePayload_NonFiniteAmpHours(t *testing.T) {
	for _, ah := range []float64{math.Inf(1), math.Inf(-1), math.NaN()} {
		payload := buildStatePayload(BatteryEstimate{StateOfCharge: 0.5, InitialSoC: 0.5, AmpHours: ah})

		b, err := json.Marshal(payload)
		require.NoError(t, err, "amp_hours=%v must still marshal", ah)

		var decoded map[string]any
		require.NoError(t, json.Unmarshal(b, &decoded))
		assert.Nil(t, decoded["amp_hours"])
	}
}

func TestThrottledWarn(t *testing.T) {
	warn := throttledWarn("test", time.Hour)
	// Only the first call should reach the log; none of them may panic or block
	for range 5 {
		warn("under load")
	}
}

func TestWaitForTelemetry(t *testing.T) {
	store := NewTelemetryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan bool)
	go func() {
		done <- waitForTelemetry(ctx, store, []string{"current", "voltage"}, time.Millisecond)
	}()

	store.SetFloat("current", 1, time.Now())
	store.SetFloat("voltage", 12, time.Now())

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("waitForTelemetry did not return")
	}
}

func TestWaitForTelemetry_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, waitForTelemetry(ctx, NewTelemetryStore(), []string{"current"}, time.Millisecond))
}

func TestEstimatorWorker_EmitsEstimates(t *testing.T) {
	config := BatteryConfig{
		Name:           "Bench Battery",
		CurrentTopic:   "current",
		VoltageTopic:   "voltage",
		EnabledTopic:   "enabled",
		ResistanceOhms: 0.015,
	}

	store := NewTelemetryStore()
	store.SetFloat("current", 0.5, time.Now())
	store.SetFloat("voltage", 12.7, time.Now())
	store.SetBool("enabled", false)

	ctx, cancel := context.WithCancel(context.Background())
	output := make(chan BatteryEstimate, 10)
	finished := make(chan struct{})
	go func() {
		estimatorWorker(ctx, config, store, output, 20*time.Millisecond)
		close(finished)
	}()

	var est BatteryEstimate
	select {
	case est = <-output:
	case <-time.After(2 * time.Second):
		t.Fatal("no estimate emitted")
	}

	assert.Equal(t, "bench_battery", est.DeviceID)
	assert.Equal(t, 0.5, est.StateOfCharge)
	assert.Equal(t, 0.5, est.InitialSoC)
	assert.Equal(t, 12.7, est.Voltage)
	assert.GreaterOrEqual(t, est.Coulombs, 0.0)

	cancel()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestEstimatorWorker_StartsWithoutEnabledSwitch(t *testing.T) {
	config := BatteryConfig{
		Name:         "Bench Battery",
		CurrentTopic: "current",
		VoltageTopic: "voltage",
		EnabledTopic: "enabled",
	}

	store := NewTelemetryStore()
	store.SetFloat("current", 0.2, time.Now())
	store.SetFloat("voltage", 12.6, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	output := make(chan BatteryEstimate, 10)
	go estimatorWorker(ctx, config, store, output, 20*time.Millisecond)

	select {
	case est := <-output:
		assert.Equal(t, 12.6, est.Voltage)
	case <-time.After(2 * time.Second):
		t.Fatal("estimator waited for the enabled switch")
	}
}

func TestEstimatorWorker_InvalidResistance(t *testing.T) {
	config := BatteryConfig{Name: "Bad", CurrentTopic: "c", VoltageTopic: "v", ResistanceOhms: -1}
	store := NewTelemetryStore()
	store.SetFloat("c", 0, time.Now())
	store.SetFloat("v", 12, time.Now())

	finished := make(chan struct{})
	go func() {
		estimatorWorker(context.Background(), config, store, make(chan BatteryEstimate), time.Millisecond)
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("worker should give up on invalid configuration")
	}
}

func TestEstimatePublisher(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	input := make(chan BatteryEstimate, 1)
	outgoing := make(chan MQTTMessage, 1)
	go estimatePublisher(ctx, input, NewMQTTSender(outgoing))

	input <- BatteryEstimate{Name: "Robot Battery", DeviceID: "robot_battery", StateOfCharge: 0.5, InitialSoC: 0.5, AmpHours: math.NaN()}

	select {
	case msg := <-outgoing:
		assert.Equal(t, "homeassistant/sensor/robot_battery/state", msg.Topic)
		assert.Contains(t, string(msg.Payload), `"amp_hours":null`)
		assert.Contains(t, string(msg.Payload), `"percentage":50`)
	case <-time.After(time.Second):
		t.Fatal("nothing published")
	}
}
