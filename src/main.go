package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// SafeGo launches a goroutine with panic recovery and retry logic.
// On panic, retries with exponential backoff (max 10 retries).
// Retry count resets if worker ran for 2+ minutes before failing.
// After exhausting retries, cancels context to trigger shutdown.
// wg, if not nil, is done once the worker has returned for good.
func SafeGo(
	ctx context.Context,
	cancel context.CancelFunc,
	wg *sync.WaitGroup,
	name string,
	fn func(ctx context.Context),
) {
	const maxRetries = 10
	const maxDelay = 10 * time.Minute
	const resetAfter = 2 * time.Minute

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		if wg != nil {
			defer wg.Done()
		}
		retries := 0
		delay := time.Second

		for {
			startTime := time.Now()
			var panicValue any

			func() {
				defer func() {
					panicValue = recover()
				}()
				fn(ctx)
			}()

			// Normal return covers both context cancellation and unexpected completion
			if panicValue == nil {
				return
			}

			if time.Since(startTime) >= resetAfter {
				retries = 0
				delay = time.Second
			}

			retries++
			log.Printf("Panic in %s (attempt %d/%d): %v\n", name, retries, maxRetries, panicValue)

			if retries >= maxRetries {
				log.Printf("%s failed after %d retries, shutting down\n", name, maxRetries)
				cancel()
				return
			}

			log.Printf("%s will retry in %v\n", name, delay)
			select {
			case <-time.After(delay):
				delay = min(delay*2, maxDelay)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// waitTimeout waits for wg, giving up after timeout. Returns false on timeout.
func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if isHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	log.Println("Starting battctl...")

	mqttConfig, err := loadMQTTConfig(opts.EnvFile)
	if err != nil {
		log.Fatal(err)
	}

	// Define battery configurations
	robotBattery := BatteryConfig{
		Name:            "Robot Battery",
		Manufacturer:    "MK Battery",
		NominalAmpHours: 18,
		CurrentTopic:    "homeassistant/sensor/robot_pdh_total_current/state",
		VoltageTopic:    "homeassistant/sensor/robot_pdh_voltage/state",
		EnabledTopic:    "homeassistant/switch/robot_enabled/state",
		ResistanceOhms:  0.015,
		LeadLengthM:     0.6,     // 0.3 m each way
		LeadAreaM2:      13.3e-6, // 6 AWG
		BrownoutVoltage: 6.75,
	}

	practiceBattery := BatteryConfig{
		Name:            "Practice Battery",
		Manufacturer:    "Duracell",
		NominalAmpHours: 18,
		CurrentTopic:    "homeassistant/sensor/practice_pdp_total_current/state",
		CurrentScale:    0.001, // reported in mA
		VoltageTopic:    "homeassistant/sensor/practice_pdp_voltage/state",
		EnabledTopic:    "homeassistant/switch/practice_enabled/state",
		ResistanceOhms:  0.02,
		BrownoutVoltage: 6.75,
	}

	batteries := []BatteryConfig{robotBattery, practiceBattery}
	if err := validateBatteries(batteries); err != nil {
		log.Fatalf("Invalid battery configuration: %v", err)
	}

	// Sort and dedupe topics list
	topics := buildTopicsList(batteries)
	slices.Sort(topics)
	topics = slices.Compact(topics)

	ctx, cancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	// Create channels for communication between workers
	msgChan := make(chan SensorMessage, 10)
	telemetryChan := make(chan DisplayData, 10)
	estimateChan := make(chan BatteryEstimate, 10)
	mqttOutgoingChan := make(chan MQTTMessage, 100) // Larger buffer for queuing
	mqttClientChan := make(chan mqtt.Client, 1)     // Buffered to prevent blocking onConnect

	SafeGo(ctx, cancel, &workers, "mqtt-sender-worker", func(ctx context.Context) {
		mqttSenderWorker(ctx, mqttOutgoingChan, mqttClientChan, opts.DryRun)
	})

	mqttSender := NewMQTTSender(mqttOutgoingChan)

	log.Println("Creating Home Assistant entities...")
	for i := range batteries {
		b := &batteries[i]
		for _, entity := range batterySensorEntities {
			if err := mqttSender.CreateSensorEntity(b, entity); err != nil {
				cancel()
				log.Fatalf("Failed to create %s %s entity: %v", b.Name, entity.Name, err)
			}
		}
		if err := mqttSender.CreateBrownoutEntity(b); err != nil {
			cancel()
			log.Fatalf("Failed to create %s Brownout entity: %v", b.Name, err)
		}
	}
	log.Println("Home Assistant entities created")

	store := NewTelemetryStore()
	scales := buildTopicScales(batteries)
	SafeGo(ctx, cancel, &workers, "telemetry-worker", func(ctx context.Context) {
		telemetryWorker(ctx, msgChan, store, telemetryChan, topics, scales)
	})

	var telemetryConsumers []chan<- DisplayData //nolint:prealloc // small slice
	var estimateConsumers []chan<- BatteryEstimate

	publisherChan := make(chan BatteryEstimate, 10)
	estimateConsumers = append(estimateConsumers, publisherChan)
	SafeGo(ctx, cancel, &workers, "estimate-publisher", func(ctx context.Context) {
		estimatePublisher(ctx, publisherChan, mqttSender)
	})

	for _, b := range batteries {
		SafeGo(ctx, cancel, &workers, b.DeviceID()+"-estimator", func(ctx context.Context) {
			estimatorWorker(ctx, b, store, estimateChan, opts.PublishInterval)
		})

		brownoutChan := make(chan DisplayData, 10)
		telemetryConsumers = append(telemetryConsumers, brownoutChan)
		brownoutConfig := b.BrownoutConfig()
		SafeGo(ctx, cancel, &workers, b.DeviceID()+"-brownout", func(ctx context.Context) {
			brownoutWorker(ctx, brownoutChan, brownoutConfig, mqttSender)
		})
	}

	if opts.Debug {
		debugDataChan := make(chan DisplayData, 10)
		debugEstimateChan := make(chan BatteryEstimate, 10)
		telemetryConsumers = append(telemetryConsumers, debugDataChan)
		estimateConsumers = append(estimateConsumers, debugEstimateChan)
		SafeGo(ctx, cancel, &workers, "debug-worker", func(ctx context.Context) {
			debugWorker(ctx, cancel, debugDataChan, debugEstimateChan)
		})
	}

	SafeGo(ctx, cancel, &workers, "telemetry-broadcast", func(ctx context.Context) {
		broadcastWorker(ctx, "telemetry", telemetryChan, telemetryConsumers)
	})
	SafeGo(ctx, cancel, &workers, "estimate-broadcast", func(ctx context.Context) {
		broadcastWorker(ctx, "estimate", estimateChan, estimateConsumers)
	})

	SafeGo(ctx, cancel, &workers, "mqtt-worker", func(ctx context.Context) {
		mqttWorker(ctx, mqttConfig, topics, msgChan, mqttClientChan)
	})
	log.Println("All workers started")

	// Wait for interrupt signal or context cancellation (from panic)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Println("\nShutting down...")
	case <-ctx.Done():
		log.Println("\nShutting down due to error...")
	}
	cancel()

	// Estimators stop their samplers and log totals on the way out
	if !waitTimeout(&workers, 2*time.Second) {
		log.Println("Timed out waiting for workers to stop")
	}
}
