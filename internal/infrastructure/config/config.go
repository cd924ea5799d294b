package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the KPM meter bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	InternalBroker MQTTConfig    `yaml:"internal_broker"`
	CentralBroker  MQTTConfig    `yaml:"central_broker"`
	Topics         TopicsConfig  `yaml:"topics"`
	Meters         MeterConfig   `yaml:"meters"`
	Logging        LoggingConfig `yaml:"logging"`
}

// MQTTConfig contains connection settings for one MQTT broker.
// The bridge maintains two independent connections: the internal broker
// carries raw meter traffic, the central broker carries simplified data.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`

	// StatusTopic, when set, receives retained online/offline status messages
	// and is used as the Last Will topic for crash detection. Leave empty to
	// disable status publication for this connection.
	StatusTopic string `yaml:"status_topic"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// TopicsConfig names the topics used on both brokers.
//
// Internal broker topics follow the meter vendor's conventions: telemetry
// arrives on fixed topics shared by all meters, while configuration commands
// and acknowledgements are addressed per meter by appending the last eight
// characters of the meter ID to a prefix.
type TopicsConfig struct {
	// MeterSecondsData is the internal topic carrying seconds-level telemetry.
	MeterSecondsData string `yaml:"meter_seconds_data"`

	// MeterMinutesData is the internal topic carrying minutes-level telemetry.
	MeterMinutesData string `yaml:"meter_minutes_data"`

	// MeterSetTimePrefix is the internal command topic prefix.
	// The full topic is prefix + last 8 characters of the meter ID.
	MeterSetTimePrefix string `yaml:"meter_settime_prefix"`

	// MeterSetTimeAckPrefix is the internal acknowledgement topic prefix,
	// addressed per meter the same way as MeterSetTimePrefix.
	MeterSetTimeAckPrefix string `yaml:"meter_settime_ack_prefix"`

	// ExternalMainTopic is the root topic for simplified data on the
	// central broker. Per-meter data is published beneath it as
	// <main>/<meter_id>/seconds and <main>/<meter_id>/minutes.
	ExternalMainTopic string `yaml:"external_main_topic"`
}

// MeterConfig contains the desired meter upload intervals and fleet options.
type MeterConfig struct {
	// UploadFrequencySeconds is the seconds-level reporting interval.
	// Must be one of: 30, 60, 300, 600, 900, 1200, 1800, 3600.
	UploadFrequencySeconds int `yaml:"upload_frequency_seconds"`

	// UploadFrequencyMinutes is the minutes-level reporting interval.
	// Must be one of: 1, 5, 10, 15, 20, 30, 60.
	UploadFrequencyMinutes int `yaml:"upload_frequency_minutes"`

	// ExcludeDeviceIDs lists meter IDs that should be bridged but never
	// discovered or configured (e.g. meters managed by another system).
	ExcludeDeviceIDs []string `yaml:"exclude_device_ids"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// allowedSecondsIntervals is the enumerated set the meter firmware accepts
// for the seconds-level upload frequency.
var allowedSecondsIntervals = []int{30, 60, 300, 600, 900, 1200, 1800, 3600}

// allowedMinutesIntervals is the enumerated set the meter firmware accepts
// for the minutes-level upload frequency.
var allowedMinutesIntervals = []int{1, 5, 10, 15, 20, 30, 60}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: KPMBRIDGE_SECTION_KEY
// For example: KPMBRIDGE_INTERNAL_HOST, KPMBRIDGE_CENTRAL_PASSWORD
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// ModTime returns the modification time of the configuration file.
//
// The config dispatcher compares this against its own bookkeeping to decide
// when meters need to be re-configured.
func ModTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, fmt.Errorf("stat config file: %w", err)
	}
	return info.ModTime(), nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		InternalBroker: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "kpmbridge-internal",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		CentralBroker: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "kpmbridge-central",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Topics: TopicsConfig{
			ExternalMainTopic: "kpm33b",
		},
		Meters: MeterConfig{
			UploadFrequencySeconds: 30,
			UploadFrequencyMinutes: 1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: KPMBRIDGE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Internal broker
	if v := os.Getenv("KPMBRIDGE_INTERNAL_HOST"); v != "" {
		cfg.InternalBroker.Broker.Host = v
	}
	if v := os.Getenv("KPMBRIDGE_INTERNAL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.InternalBroker.Broker.Port = port
		}
	}
	if v := os.Getenv("KPMBRIDGE_INTERNAL_USERNAME"); v != "" {
		cfg.InternalBroker.Auth.Username = v
	}
	if v := os.Getenv("KPMBRIDGE_INTERNAL_PASSWORD"); v != "" {
		cfg.InternalBroker.Auth.Password = v
	}

	// Central broker
	if v := os.Getenv("KPMBRIDGE_CENTRAL_HOST"); v != "" {
		cfg.CentralBroker.Broker.Host = v
	}
	if v := os.Getenv("KPMBRIDGE_CENTRAL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.CentralBroker.Broker.Port = port
		}
	}
	if v := os.Getenv("KPMBRIDGE_CENTRAL_USERNAME"); v != "" {
		cfg.CentralBroker.Auth.Username = v
	}
	if v := os.Getenv("KPMBRIDGE_CENTRAL_PASSWORD"); v != "" {
		cfg.CentralBroker.Auth.Password = v
	}

	// Logging
	if v := os.Getenv("KPMBRIDGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Broker validation
	for _, b := range []struct {
		name string
		cfg  MQTTConfig
	}{
		{"internal_broker", c.InternalBroker},
		{"central_broker", c.CentralBroker},
	} {
		if b.cfg.Broker.Host == "" {
			errs = append(errs, b.name+".broker.host is required")
		}
		if b.cfg.Broker.Port < 1 || b.cfg.Broker.Port > 65535 {
			errs = append(errs, b.name+".broker.port must be between 1 and 65535")
		}
		if b.cfg.QoS < 0 || b.cfg.QoS > 2 {
			errs = append(errs, b.name+".qos must be 0, 1, or 2")
		}
	}

	// Topic validation
	if c.Topics.MeterSecondsData == "" {
		errs = append(errs, "topics.meter_seconds_data is required")
	}
	if c.Topics.MeterMinutesData == "" {
		errs = append(errs, "topics.meter_minutes_data is required")
	}
	if c.Topics.MeterSetTimePrefix == "" {
		errs = append(errs, "topics.meter_settime_prefix is required")
	}
	if c.Topics.MeterSetTimeAckPrefix == "" {
		errs = append(errs, "topics.meter_settime_ack_prefix is required")
	}
	if c.Topics.ExternalMainTopic == "" {
		errs = append(errs, "topics.external_main_topic is required")
	}

	// Upload interval validation against the meter firmware's enumerated sets.
	if !containsInt(allowedSecondsIntervals, c.Meters.UploadFrequencySeconds) {
		errs = append(errs, fmt.Sprintf(
			"meters.upload_frequency_seconds must be one of %v, got %d",
			allowedSecondsIntervals, c.Meters.UploadFrequencySeconds))
	}
	if !containsInt(allowedMinutesIntervals, c.Meters.UploadFrequencyMinutes) {
		errs = append(errs, fmt.Sprintf(
			"meters.upload_frequency_minutes must be one of %v, got %d",
			allowedMinutesIntervals, c.Meters.UploadFrequencyMinutes))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// IsExcluded reports whether a meter ID is on the exclusion list.
func (m MeterConfig) IsExcluded(deviceID string) bool {
	for _, id := range m.ExcludeDeviceIDs {
		if id == deviceID {
			return true
		}
	}
	return false
}

func containsInt(set []int, v int) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
