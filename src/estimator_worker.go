package main

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/ryansname/battctl/src/battery"
)

// BatteryEstimate is a point-in-time reading of one battery's estimator
type BatteryEstimate struct {
	Name          string
	DeviceID      string
	StateOfCharge float64
	InitialSoC    float64
	Coulombs      float64
	AmpHours      float64 // may be +Inf, -Inf or NaN while the SoC has not moved
	Voltage       float64
	Current       float64
	At            time.Time
}

// estimateReader is the part of battery.Estimator the worker reads from
type estimateReader interface {
	StateOfCharge() float64
	InitialStateOfCharge() float64
	Coulombs() float64
	AmpHours() float64
	Sample() battery.PowerSample
}

// readEstimate takes one reading of every estimate
func readEstimate(config *BatteryConfig, est estimateReader, now time.Time) BatteryEstimate {
	sample := est.Sample()
	return BatteryEstimate{
		Name:          config.Name,
		DeviceID:      config.DeviceID(),
		StateOfCharge: est.StateOfCharge(),
		InitialSoC:    est.InitialStateOfCharge(),
		Coulombs:      est.Coulombs(),
		AmpHours:      est.AmpHours(),
		Voltage:       sample.Voltage,
		Current:       sample.Current,
		At:            now,
	}
}

// finiteOrNil returns nil for values JSON cannot represent
func finiteOrNil(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// buildStatePayload converts an estimate into the Home Assistant state JSON
func buildStatePayload(est BatteryEstimate) map[string]any {
	return map[string]any{
		"percentage":         est.StateOfCharge * 100,
		"initial_percentage": est.InitialSoC * 100,
		"coulombs":           est.Coulombs,
		"amp_hours":          finiteOrNil(est.AmpHours),
		"voltage":            est.Voltage,
		"current":            est.Current,
	}
}

// throttledWarn passes at most one warning per interval to the log
func throttledWarn(name string, interval time.Duration) battery.WarnFunc {
	var mu sync.Mutex
	var last time.Time
	return func(message string) {
		mu.Lock()
		defer mu.Unlock()
		if !last.IsZero() && time.Since(last) < interval {
			return
		}
		last = time.Now()
		log.Printf("%s: Warning: %s\n", name, message)
	}
}

// waitForTelemetry blocks until every topic has a value. Returns false if ctx ends first.
func waitForTelemetry(ctx context.Context, store *TelemetryStore, topics []string, poll time.Duration) bool {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if len(store.Missing(topics)) == 0 {
			return true
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return false
		}
	}
}

// estimatorWorker owns one battery's estimator and emits an estimate every interval
func estimatorWorker(
	ctx context.Context,
	config BatteryConfig,
	store *TelemetryStore,
	outputChan chan<- BatteryEstimate,
	interval time.Duration,
) {
	log.Printf("%s estimator waiting for telemetry\n", config.Name)

	// The initial SoC is sampled at construction, so wait for real readings first.
	// The enabled switch only gates warnings and is not waited for.
	if !waitForTelemetry(ctx, store, config.RequiredTopics(), time.Second) {
		return
	}

	telemetry := newBusTelemetry(store, config)
	est, err := battery.NewEstimator(
		telemetry,
		config.TotalResistance(),
		battery.WithQuiescence(telemetry),
		battery.WithWarn(throttledWarn(config.Name, time.Minute)),
	)
	if err != nil {
		log.Printf("%s: Failed to create estimator: %v\n", config.Name, err)
		return
	}
	defer func() {
		_ = est.Close()
		log.Printf("%s estimator stopped (%.1f C drawn)\n", config.Name, est.Coulombs())
	}()

	log.Printf("%s estimator started (R=%.4f ohm, initial SoC %.0f%%)\n",
		config.Name, est.Resistance(), est.InitialStateOfCharge()*100)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			estimate := readEstimate(&config, est, now)
			select {
			case outputChan <- estimate:
			case <-ctx.Done():
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// estimatePublisher publishes battery estimates to Home Assistant
func estimatePublisher(ctx context.Context, inputChan <-chan BatteryEstimate, sender *MQTTSender) {
	for {
		select {
		case est := <-inputChan:
			err := sender.SendJSON(sensorStateTopic(est.DeviceID), buildStatePayload(est), 0, false)
			if err != nil {
				log.Printf("%s: Failed to marshal state payload: %v\n", est.Name, err)
			}

		case <-ctx.Done():
			return
		}
	}
}
