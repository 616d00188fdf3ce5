package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTMessage represents an outgoing MQTT message
type MQTTMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// MQTTSender wraps a channel for sending MQTT messages with helper methods
type MQTTSender struct {
	ch chan<- MQTTMessage
}

// NewMQTTSender creates a new MQTTSender wrapping the given channel
func NewMQTTSender(ch chan<- MQTTMessage) *MQTTSender {
	return &MQTTSender{ch: ch}
}

// Send sends a raw MQTTMessage
func (s *MQTTSender) Send(msg MQTTMessage) {
	s.ch <- msg
}

// SendJSON marshals payload and sends it to topic
func (s *MQTTSender) SendJSON(topic string, payload any, qos byte, retain bool) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.Send(MQTTMessage{Topic: topic, Payload: payloadBytes, QoS: qos, Retain: retain})
	return nil
}

type haDeviceConfig struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
}

func batteryDevice(b *BatteryConfig) haDeviceConfig {
	return haDeviceConfig{
		Identifiers:  []string{b.DeviceID()},
		Name:         b.Name,
		Manufacturer: b.Manufacturer,
		Model:        fmt.Sprintf("%.0f Ah", b.NominalAmpHours),
	}
}

// sensorStateTopic is where a battery's estimate JSON is published
func sensorStateTopic(deviceID string) string {
	return "homeassistant/sensor/" + deviceID + "/state"
}

// brownoutStateTopic is where a battery's brownout ON/OFF state is published
func brownoutStateTopic(deviceID string) string {
	return "homeassistant/binary_sensor/" + deviceID + "_brownout/state"
}

// SensorEntity describes one value of the estimate JSON exposed as a Home Assistant sensor
type SensorEntity struct {
	Name             string
	DeviceClass      string
	Unit             string
	JSONKey          string
	DisplayPrecision int
}

// CreateSensorEntity creates a Home Assistant sensor for a battery via MQTT discovery
func (s *MQTTSender) CreateSensorEntity(b *BatteryConfig, entity SensorEntity) error {
	type haEntityConfig struct {
		Name             string         `json:"name,omitempty"`
		DeviceClass      string         `json:"device_class,omitempty"`
		StateTopic       string         `json:"state_topic"`
		UnitOfMeasure    string         `json:"unit_of_measurement,omitempty"`
		ValueTemplate    string         `json:"value_template"`
		UniqueId         string         `json:"unique_id"`
		ExpireAfter      uint           `json:"expire_after,omitempty"`
		StateClass       string         `json:"state_class,omitempty"`
		DisplayPrecision int            `json:"suggested_display_precision,omitempty"`
		Device           haDeviceConfig `json:"device"`
	}

	deviceId := b.DeviceID()

	config := haEntityConfig{
		Name:             entity.Name,
		DeviceClass:      entity.DeviceClass,
		StateTopic:       sensorStateTopic(deviceId),
		UnitOfMeasure:    entity.Unit,
		ValueTemplate:    "{{ value_json." + entity.JSONKey + " }}",
		UniqueId:         deviceId + "_" + entity.JSONKey,
		ExpireAfter:      60 * 5, // 5 minutes
		StateClass:       "measurement",
		DisplayPrecision: entity.DisplayPrecision,
		Device:           batteryDevice(b),
	}

	configTopic := "homeassistant/sensor/" + deviceId + "_" + entity.JSONKey + "/config"
	return s.SendJSON(configTopic, config, 2, true)
}

// CreateBrownoutEntity creates the brownout binary sensor for a battery via MQTT discovery
func (s *MQTTSender) CreateBrownoutEntity(b *BatteryConfig) error {
	type haBinarySensorConfig struct {
		Name                string         `json:"name"`
		DeviceClass         string         `json:"device_class"`
		StateTopic          string         `json:"state_topic"`
		JsonAttributesTopic string         `json:"json_attributes_topic,omitempty"`
		UniqueId            string         `json:"unique_id"`
		Device              haDeviceConfig `json:"device"`
	}

	deviceId := b.DeviceID()
	config := haBinarySensorConfig{
		Name:                "Brownout",
		DeviceClass:         "problem",
		StateTopic:          brownoutStateTopic(deviceId),
		JsonAttributesTopic: "homeassistant/binary_sensor/" + deviceId + "_brownout/attributes",
		UniqueId:            deviceId + "_brownout",
		Device:              batteryDevice(b),
	}

	configTopic := "homeassistant/binary_sensor/" + deviceId + "_brownout/config"
	return s.SendJSON(configTopic, config, 2, true)
}

// batterySensorEntities are the values of the estimate JSON exposed to Home Assistant
var batterySensorEntities = []SensorEntity{
	{Name: "State of Charge", DeviceClass: "battery", Unit: "%", JSONKey: "percentage", DisplayPrecision: 1},
	{Name: "Charge Drawn", Unit: "C", JSONKey: "coulombs", DisplayPrecision: 0},
	{Name: "Estimated Capacity", Unit: "Ah", JSONKey: "amp_hours", DisplayPrecision: 1},
	{Name: "Bus Voltage", DeviceClass: "voltage", Unit: "V", JSONKey: "voltage", DisplayPrecision: 2},
	{Name: "Current", DeviceClass: "current", Unit: "A", JSONKey: "current", DisplayPrecision: 1},
}

// isDiscoveryTopic checks if a topic is an MQTT discovery config topic
func isDiscoveryTopic(topic string) bool {
	return strings.HasSuffix(topic, "/config")
}

// mqttSenderWorker handles outgoing MQTT messages, queuing them until a client is connected.
// In dry-run mode only discovery messages are published.
func mqttSenderWorker(
	ctx context.Context,
	outgoingChan <-chan MQTTMessage,
	clientChan <-chan mqtt.Client,
	dryRun bool,
) {
	log.Println("MQTT sender worker started")

	var client mqtt.Client
	var messageQueue []MQTTMessage

	publish := func(msg MQTTMessage) {
		token := client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)
		token.Wait()
		if token.Error() != nil {
			log.Printf("Failed to publish to %s: %v\n", msg.Topic, token.Error())
		}
	}

	for {
		select {
		case newClient := <-clientChan:
			log.Println("MQTT sender worker received new client")
			client = newClient

			// Process any queued messages now that we have a client
			if client != nil && client.IsConnected() {
				queuedCount := len(messageQueue)
				for _, msg := range messageQueue {
					publish(msg)
				}
				messageQueue = nil
				if queuedCount > 0 {
					log.Printf("MQTT sender worker processed %d queued messages\n", queuedCount)
				}
			}

		case msg := <-outgoingChan:
			if dryRun && !isDiscoveryTopic(msg.Topic) {
				log.Printf("Dry run, dropping message to %s: %s\n", msg.Topic, msg.Payload)
				continue
			}

			if client != nil && client.IsConnected() {
				publish(msg)
			} else {
				messageQueue = append(messageQueue, msg)
				log.Printf("MQTT sender worker queued message (total queued: %d)\n", len(messageQueue))
			}

		case <-ctx.Done():
			log.Println("MQTT sender worker stopped")
			return
		}
	}
}
