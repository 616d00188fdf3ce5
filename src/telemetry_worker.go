package main

import (
	"context"
	"log"
	"strconv"
	"strings"
	"time"
)

// recordMessage parses a raw MQTT value into the store.
// Numbers become float topics (multiplied by the topic's scale, if any),
// on/off become booleans, anything else is kept as a string.
func recordMessage(store *TelemetryStore, msg SensorMessage, scales map[string]float64, now time.Time) {
	if value, err := strconv.ParseFloat(msg.Value, 64); err == nil {
		if scale, ok := scales[msg.Topic]; ok {
			value *= scale
		}
		store.SetFloat(msg.Topic, value, now)
		return
	}

	switch strings.ToLower(msg.Value) {
	case "on":
		store.SetBool(msg.Topic, true)
	case "off":
		store.SetBool(msg.Topic, false)
	default:
		store.SetString(msg.Topic, msg.Value)
	}
}

// telemetryWorker records incoming sensor messages and emits debounced snapshots
func telemetryWorker(
	ctx context.Context,
	inputChan <-chan SensorMessage,
	store *TelemetryStore,
	outputChan chan<- DisplayData,
	expectedTopics []string,
	scales map[string]float64,
) {
	var lastSendTime time.Time
	var debounceTimer *time.Timer
	var debounceTimerC <-chan time.Time

	allTopicsReceived := false
	startupCheckTicker := time.NewTicker(30 * time.Second)
	defer startupCheckTicker.Stop()

	send := func() bool {
		select {
		case outputChan <- store.Snapshot(time.Now()):
			lastSendTime = time.Now()
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case msg := <-inputChan:
			recordMessage(store, msg, scales, time.Now())

			if !allTopicsReceived {
				if len(store.Missing(expectedTopics)) > 0 {
					continue
				}
				allTopicsReceived = true
				startupCheckTicker.Stop()
				log.Printf("Telemetry worker ready: received data for all %d topics\n", len(expectedTopics))
			}

			// Debounce: send immediately if enough time has passed, otherwise schedule
			timeSinceLastSend := time.Since(lastSendTime)
			if timeSinceLastSend >= time.Second {
				if !send() {
					return
				}
			} else if debounceTimer == nil {
				debounceTimer = time.NewTimer(time.Second - timeSinceLastSend)
				debounceTimerC = debounceTimer.C
			}

		case <-debounceTimerC:
			if !send() {
				return
			}
			debounceTimer = nil
			debounceTimerC = nil

		case <-startupCheckTicker.C:
			missing := store.Missing(expectedTopics)
			log.Printf("Startup check: received %d/%d topics\n",
				len(expectedTopics)-len(missing), len(expectedTopics))
			for _, topic := range missing {
				log.Printf("  - waiting for %s\n", topic)
			}

		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}
