package main

import (
	"context"
	"log"
	"time"
)

// brownoutWorker reports when a battery's bus voltage sags below its brownout threshold.
// After reporting, it waits HoldOff before clearing the state and re-arming.
func brownoutWorker(
	ctx context.Context,
	dataChan <-chan DisplayData,
	config BrownoutConfig,
	sender *MQTTSender,
) {
	log.Printf("%s brownout worker started (threshold: %.2fV)\n", config.Name, config.Threshold)

	brownedOut := false
	var resetTimer *time.Timer
	var resetTimerC <-chan time.Time

	publish := func(state string, voltage *FloatTopicData) {
		sender.Send(MQTTMessage{
			Topic:   brownoutStateTopic(config.DeviceID),
			Payload: []byte(state),
			QoS:     1,
			Retain:  true,
		})
		err := sender.SendJSON("homeassistant/binary_sensor/"+config.DeviceID+"_brownout/attributes", map[string]any{
			"voltage":        voltage.Current,
			"min_voltage_1h": voltage.HourMin,
			"max_voltage_1h": voltage.HourMax,
			"threshold":      config.Threshold,
		}, 1, true)
		if err != nil {
			log.Printf("%s: Failed to marshal brownout attributes: %v\n", config.Name, err)
		}
	}

	var latest *FloatTopicData
	for {
		select {
		case data := <-dataChan:
			if !data.HasFloat(config.VoltageTopic) {
				continue
			}
			latest = data.GetFloat(config.VoltageTopic)

			if latest.Current < config.Threshold && !brownedOut {
				log.Printf("%s: BROWNOUT (%.2fV < %.2fV, 1h min %.2fV)\n",
					config.Name, latest.Current, config.Threshold, latest.HourMin)
				publish("ON", latest)

				brownedOut = true
				resetTimer = time.NewTimer(config.HoldOff)
				resetTimerC = resetTimer.C
			}

		case <-resetTimerC:
			resetTimer = nil
			resetTimerC = nil
			if latest != nil && latest.Current < config.Threshold {
				// Still sagging, keep reporting and wait another hold-off
				resetTimer = time.NewTimer(config.HoldOff)
				resetTimerC = resetTimer.C
				continue
			}
			log.Printf("%s: Voltage recovered, brownout cleared\n", config.Name)
			brownedOut = false
			publish("OFF", latest)

		case <-ctx.Done():
			if resetTimer != nil {
				resetTimer.Stop()
			}
			log.Printf("%s brownout worker stopped\n", config.Name)
			return
		}
	}
}
