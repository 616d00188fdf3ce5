package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"

	"github.com/ryansname/battctl/src/battery"
)

// Options holds command line flags
type Options struct {
	EnvFile         string        `long:"env-file" default:".env" description:"File to load MQTT credentials from"`
	Debug           bool          `long:"debug" short:"d" description:"Start the interactive debug console"`
	DryRun          bool          `long:"dry-run" description:"Only publish discovery configs, drop state updates"`
	PublishInterval time.Duration `long:"publish-interval" default:"5s" description:"How often estimates are published"`
}

// parseOptions parses command line arguments (without the program name)
func parseOptions(args []string) (Options, error) {
	var opts Options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.LongDescription = "battctl - battery charge estimation for a robot power bus"

	if _, err := parser.ParseArgs(args); err != nil {
		return opts, err
	}
	if opts.PublishInterval <= 0 {
		return opts, fmt.Errorf("publish interval must be positive, got %v", opts.PublishInterval)
	}
	return opts, nil
}

// isHelp reports whether err came from -h/--help
func isHelp(err error) bool {
	var flagsErr *flags.Error
	return errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp
}

// MQTTConfig holds broker connection settings
type MQTTConfig struct {
	Broker   string
	Username string
	Password string
	ClientID string
}

// loadMQTTConfig reads broker settings from the environment, after loading envFile if it exists
func loadMQTTConfig(envFile string) (MQTTConfig, error) {
	if err := godotenv.Load(envFile); err != nil {
		log.Printf("Warning: Error loading %s file: %v\n", envFile, err)
	}

	config := MQTTConfig{
		Broker:   getenvDefault("MQTT_BROKER", "homeassistant.lan"),
		Username: os.Getenv("MQTT_USERNAME"),
		Password: os.Getenv("MQTT_PASSWORD"),
		ClientID: getenvDefault("MQTT_CLIENT_ID", "battctl"),
	}

	if config.Username == "" || config.Password == "" {
		return config, errors.New("MQTT_USERNAME and MQTT_PASSWORD must be set")
	}
	return config, nil
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// BatteryConfig describes one battery and the topics reporting its power bus
type BatteryConfig struct {
	Name            string
	Manufacturer    string
	NominalAmpHours float64

	CurrentTopic string  // total current draw, amps after CurrentScale
	CurrentScale float64 // multiplier applied to CurrentTopic readings, 0 means 1
	VoltageTopic string  // bus voltage, volts
	EnabledTopic string  // on/off switch, off means the robot is disabled

	ResistanceOhms float64 // internal resistance of the battery
	LeadLengthM    float64 // total conductor length between battery and distribution panel
	LeadAreaM2     float64 // conductor cross-sectional area

	BrownoutVoltage float64
}

// DeviceID returns the Home Assistant device identifier for the battery
func (c *BatteryConfig) DeviceID() string {
	return strings.ReplaceAll(strings.ToLower(c.Name), " ", "_")
}

// TotalResistance returns the battery resistance plus the lead wire resistance
func (c *BatteryConfig) TotalResistance() float64 {
	r := c.ResistanceOhms
	if c.LeadLengthM > 0 && c.LeadAreaM2 > 0 {
		r += battery.WireResistance(c.LeadLengthM, c.LeadAreaM2)
	}
	return r
}

// RequiredTopics returns the topics an estimator cannot run without
func (c *BatteryConfig) RequiredTopics() []string {
	return []string{c.CurrentTopic, c.VoltageTopic}
}

// Topics returns every telemetry topic the battery subscribes to
func (c *BatteryConfig) Topics() []string {
	topics := c.RequiredTopics()
	if c.EnabledTopic != "" {
		topics = append(topics, c.EnabledTopic)
	}
	return topics
}

// BrownoutConfig creates a BrownoutConfig from the shared BatteryConfig
func (c *BatteryConfig) BrownoutConfig() BrownoutConfig {
	return BrownoutConfig{
		Name:         c.Name,
		DeviceID:     c.DeviceID(),
		VoltageTopic: c.VoltageTopic,
		Threshold:    c.BrownoutVoltage,
		HoldOff:      30 * time.Second,
	}
}

// BrownoutConfig holds configuration for the brownout worker
type BrownoutConfig struct {
	Name         string
	DeviceID     string
	VoltageTopic string
	Threshold    float64
	HoldOff      time.Duration
}

// buildTopicsList creates the MQTT subscription list from battery configs
func buildTopicsList(batteries []BatteryConfig) []string {
	var topics []string //nolint:prealloc // small slice, not worth preallocating
	for _, b := range batteries {
		topics = append(topics, b.Topics()...)
	}
	return topics
}

// buildTopicScales maps topics to the multiplier that converts readings to SI units
func buildTopicScales(batteries []BatteryConfig) map[string]float64 {
	scales := make(map[string]float64)
	for _, b := range batteries {
		if b.CurrentScale != 0 && b.CurrentScale != 1 {
			scales[b.CurrentTopic] = b.CurrentScale
		}
	}
	return scales
}

// validateBatteries checks battery definitions before any worker starts
func validateBatteries(batteries []BatteryConfig) error {
	seen := make(map[string]bool)
	for _, b := range batteries {
		if b.CurrentTopic == "" || b.VoltageTopic == "" {
			return fmt.Errorf("%s: current and voltage topics are required", b.Name)
		}
		if b.ResistanceOhms < 0 {
			return fmt.Errorf("%s: %w: resistance must be >= 0", b.Name, battery.ErrInvalidArgument)
		}
		if seen[b.DeviceID()] {
			return fmt.Errorf("%s: duplicate battery name", b.Name)
		}
		seen[b.DeviceID()] = true
	}
	return nil
}
