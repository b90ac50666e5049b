// Package config loads the controller configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/irrigation-controller/internal/events"
	"github.com/sweeney/irrigation-controller/internal/gpio"
	"github.com/sweeney/irrigation-controller/internal/history"
	"github.com/sweeney/irrigation-controller/internal/mqtt"
	"github.com/sweeney/irrigation-controller/internal/valve"
)

// DefaultDeviceID names the controller on every topic and subject.
const DefaultDeviceID = "agroirriga_fazenda_01"

type Config struct {
	DeviceID string        `yaml:"device_id"`
	GPIO     GPIOConfig    `yaml:"gpio"`
	Timing   TimingConfig  `yaml:"timing"`
	MQTT     MQTTConfig    `yaml:"mqtt"`
	HTTP     HTTPConfig    `yaml:"http"`
	NATS     NATSConfig    `yaml:"nats"`
	History  HistoryConfig `yaml:"history"`
	Console  bool          `yaml:"console"`
}

type GPIOConfig struct {
	Chip      string `yaml:"chip"`
	ValvePins []int  `yaml:"valve_pins"`
	PumpPin   int    `yaml:"pump_pin"`
	ActiveLow bool   `yaml:"active_low"`
}

type TimingConfig struct {
	Stagger       time.Duration `yaml:"stagger"`
	CloseDelay    time.Duration `yaml:"close_delay"`
	SafetyCeiling time.Duration `yaml:"safety_ceiling"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	BufferSize  int    `yaml:"buffer_size"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// NATSConfig enables the event mirror when URL is set.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// HistoryConfig enables the event journal when DSN is set.
type HistoryConfig struct {
	Driver string        `yaml:"driver"`
	DSN    string        `yaml:"dsn"`
	Retain time.Duration `yaml:"retain"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{
		Timing: TimingConfig{
			Stagger:    valve.DefaultStagger,
			CloseDelay: valve.DefaultCloseDelay,
		},
		HTTP: HTTPConfig{Addr: ":80"},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads path, applies defaults and validates. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse decodes YAML over the defaults. Keys absent from raw keep their default,
// so stagger and close_delay can be set to 0 explicitly.
func Parse(raw []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DeviceID == "" {
		c.DeviceID = DefaultDeviceID
	}
	if c.GPIO.Chip == "" {
		c.GPIO.Chip = gpio.DefaultChip
	}
	if len(c.GPIO.ValvePins) == 0 {
		c.GPIO.ValvePins = append([]int(nil), gpio.DefaultValvePins[:]...)
	}
	if c.GPIO.PumpPin == 0 {
		c.GPIO.PumpPin = gpio.DefaultPumpPin
	}
	if c.Timing.SafetyCeiling == 0 {
		c.Timing.SafetyCeiling = valve.DefaultSafetyCeiling
	}
	if c.Timing.SweepInterval == 0 {
		c.Timing.SweepInterval = 100 * time.Millisecond
	}
	if c.MQTT.Broker == "" {
		c.MQTT.Broker = "tcp://localhost:1883"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "agroirriga_" + c.DeviceID
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = mqtt.DefaultTopicPrefix
	}
	if c.MQTT.BufferSize == 0 {
		c.MQTT.BufferSize = mqtt.DefaultBufferSize
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = events.DefaultSubjectPrefix
	}
	if c.History.Driver == "" {
		c.History.Driver = history.DriverSQLite
	}
}

// Validate checks the configuration for values the controller cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if len(c.GPIO.ValvePins) != valve.Channels {
		errs = append(errs, fmt.Errorf("gpio.valve_pins: need %d pins, got %d", valve.Channels, len(c.GPIO.ValvePins)))
	}
	seen := map[int]bool{c.GPIO.PumpPin: true}
	for _, p := range c.GPIO.ValvePins {
		if seen[p] {
			errs = append(errs, fmt.Errorf("gpio: pin %d used twice", p))
		}
		seen[p] = true
	}
	if c.Timing.Stagger < 0 {
		errs = append(errs, errors.New("timing.stagger must not be negative"))
	}
	if c.Timing.CloseDelay < 0 {
		errs = append(errs, errors.New("timing.close_delay must not be negative"))
	}
	if c.Timing.SafetyCeiling < 0 {
		errs = append(errs, errors.New("timing.safety_ceiling must be positive"))
	}
	if c.Timing.SweepInterval < 0 || c.Timing.SweepInterval > time.Minute {
		errs = append(errs, errors.New("timing.sweep_interval must be between 0 and 1m"))
	}
	if c.Timing.Heartbeat < 0 {
		errs = append(errs, errors.New("timing.heartbeat must not be negative"))
	}
	if c.MQTT.BufferSize < 0 {
		errs = append(errs, errors.New("mqtt.buffer_size must not be negative"))
	}
	if c.History.Driver != history.DriverSQLite && c.History.Driver != history.DriverPostgres {
		errs = append(errs, fmt.Errorf("history.driver: unsupported %q", c.History.Driver))
	}
	return errors.Join(errs...)
}

// Valve returns the supervisor timing policy.
func (c *Config) Valve() valve.Config {
	return valve.Config{
		Stagger:       c.Timing.Stagger,
		CloseDelay:    c.Timing.CloseDelay,
		SafetyCeiling: c.Timing.SafetyCeiling,
	}
}

// Pins returns the GPIO line assignment.
func (c *Config) Pins() gpio.Pins {
	return gpio.Pins{
		Chip:      c.GPIO.Chip,
		Valves:    c.GPIO.ValvePins,
		Pump:      c.GPIO.PumpPin,
		ActiveLow: c.GPIO.ActiveLow,
	}
}

// Marshal renders the configuration as YAML with the password masked.
func (c *Config) Marshal() ([]byte, error) {
	out := *c
	if out.MQTT.Password != "" {
		out.MQTT.Password = "********"
	}
	return yaml.Marshal(&out)
}
