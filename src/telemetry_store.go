package main

import (
	"sync"
	"time"

	"github.com/ryansname/battctl/src/window"
)

// SensorMessage represents an MQTT message with topic and value
type SensorMessage struct {
	Topic string
	Value string
}

// FloatTopicData holds the latest value and hourly extremes for a numeric topic
type FloatTopicData struct {
	Current   float64
	HourMin   float64
	HourMax   float64
	UpdatedAt time.Time
}

// StringTopicData holds current value for a string topic
type StringTopicData struct {
	Current string
}

// BooleanTopicData holds current value for a boolean topic (on/off switches)
type BooleanTopicData struct {
	Current bool
}

// DisplayData is an immutable snapshot of all telemetry topics
type DisplayData struct {
	TopicData map[string]any
}

// GetFloat extracts FloatTopicData from DisplayData
// Returns a zero-valued FloatTopicData if topic doesn't exist or isn't a float topic
func (d *DisplayData) GetFloat(topic string) *FloatTopicData {
	if td, ok := d.TopicData[topic].(*FloatTopicData); ok {
		return td
	}
	return &FloatTopicData{}
}

// HasFloat reports whether a numeric value has been received for topic
func (d *DisplayData) HasFloat(topic string) bool {
	_, ok := d.TopicData[topic].(*FloatTopicData)
	return ok
}

// GetString extracts a string value from DisplayData
func (d *DisplayData) GetString(topic string) string {
	if td, ok := d.TopicData[topic].(*StringTopicData); ok {
		return td.Current
	}
	return ""
}

// GetBoolean extracts a boolean value from DisplayData
func (d *DisplayData) GetBoolean(topic string) bool {
	if td, ok := d.TopicData[topic].(*BooleanTopicData); ok {
		return td.Current
	}
	return false
}

// floatTopic is the store's mutable record for a numeric topic
type floatTopic struct {
	current   float64
	updatedAt time.Time
	hour      *window.MinMax
}

// TelemetryStore holds the latest value of every telemetry topic.
// The telemetry worker writes to it; estimators read from it on every sample.
type TelemetryStore struct {
	mu      sync.RWMutex
	floats  map[string]*floatTopic
	bools   map[string]bool
	strings map[string]string
}

// NewTelemetryStore creates an empty store
func NewTelemetryStore() *TelemetryStore {
	return &TelemetryStore{
		floats:  make(map[string]*floatTopic),
		bools:   make(map[string]bool),
		strings: make(map[string]string),
	}
}

// SetFloat records a numeric reading
func (s *TelemetryStore) SetFloat(topic string, value float64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.floats[topic]
	if !ok {
		t = &floatTopic{hour: window.NewMinMax()}
		s.floats[topic] = t
	}
	t.current = value
	t.updatedAt = at
	t.hour.Update(value, at)
}

// SetBool records an on/off reading
func (s *TelemetryStore) SetBool(topic string, value bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bools[topic] = value
}

// SetString records a textual reading
func (s *TelemetryStore) SetString(topic, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strings[topic] = value
}

// Float returns the latest numeric value for topic
func (s *TelemetryStore) Float(topic string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.floats[topic]
	if !ok {
		return 0, false
	}
	return t.current, true
}

// Bool returns the latest on/off value for topic
func (s *TelemetryStore) Bool(topic string) (value, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok = s.bools[topic]
	return value, ok
}

// Has reports whether any value of any kind was received for topic
func (s *TelemetryStore) Has(topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.has(topic)
}

func (s *TelemetryStore) has(topic string) bool {
	if _, ok := s.floats[topic]; ok {
		return true
	}
	if _, ok := s.bools[topic]; ok {
		return true
	}
	_, ok := s.strings[topic]
	return ok
}

// Missing returns the topics that have not been received yet, in input order
func (s *TelemetryStore) Missing(topics []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var missing []string
	for _, topic := range topics {
		if !s.has(topic) {
			missing = append(missing, topic)
		}
	}
	return missing
}

// Snapshot copies the store into a DisplayData safe to share between workers.
// Hourly extremes cover the hour ending at now, so a silent topic ages out.
func (s *TelemetryStore) Snapshot(now time.Time) DisplayData {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data := make(map[string]any, len(s.floats)+len(s.bools)+len(s.strings))
	for topic, t := range s.floats {
		data[topic] = &FloatTopicData{
			Current:   t.current,
			HourMin:   t.hour.MinAt(now),
			HourMax:   t.hour.MaxAt(now),
			UpdatedAt: t.updatedAt,
		}
	}
	for topic, v := range s.bools {
		data[topic] = &BooleanTopicData{Current: v}
	}
	for topic, v := range s.strings {
		data[topic] = &StringTopicData{Current: v}
	}
	return DisplayData{TopicData: data}
}

// busTelemetry exposes one battery's topics from the store to its estimator
type busTelemetry struct {
	store        *TelemetryStore
	currentTopic string
	voltageTopic string
	enabledTopic string
}

func newBusTelemetry(store *TelemetryStore, config BatteryConfig) busTelemetry {
	return busTelemetry{
		store:        store,
		currentTopic: config.CurrentTopic,
		voltageTopic: config.VoltageTopic,
		enabledTopic: config.EnabledTopic,
	}
}

// TotalCurrent returns the last reported current draw, 0 until the first reading
func (b busTelemetry) TotalCurrent() float64 {
	v, _ := b.store.Float(b.currentTopic)
	return v
}

// BusVoltage returns the last reported bus voltage, 0 until the first reading
func (b busTelemetry) BusVoltage() float64 {
	v, _ := b.store.Float(b.voltageTopic)
	return v
}

// IsQuiescent is true once the enabled switch has reported off
func (b busTelemetry) IsQuiescent() bool {
	if b.enabledTopic == "" {
		return false
	}
	enabled, ok := b.store.Bool(b.enabledTopic)
	return ok && !enabled
}
