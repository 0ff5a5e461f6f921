package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/device"
	"gopkg.in/yaml.v3"
)

// Sample-count bounds accepted by the init protocol.
const (
	MinSamplesPerPackage = 1
	MaxSamplesPerPackage = 99
)

// Config holds application configuration
type Config struct {
	LogLevel  logrus.Level    `yaml:"log_level"`
	Transport TransportConfig `yaml:"transport"`
	Scan      ScanConfig      `yaml:"scan"`
	Session   SessionConfig   `yaml:"session"`
	Hub       HubConfig       `yaml:"hub"`
}

// TransportConfig selects the GATT endpoints of the BLE link
type TransportConfig struct {
	DataService        string        `yaml:"data_service" default:"fff0"`
	DataCharacteristic string        `yaml:"data_characteristic" default:"fff4"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout" default:"10s"`
	RequestMTU         int           `yaml:"request_mtu" default:"247"`
	EventBuffer        int           `yaml:"event_buffer" default:"1024"`
}

// ScanConfig controls device discovery
type ScanConfig struct {
	Period           time.Duration `yaml:"period" default:"10s"`
	RejectConcurrent bool          `yaml:"reject_concurrent" default:"true"`
}

// SessionConfig controls per-device session coordination
type SessionConfig struct {
	OperationTimeout    time.Duration      `yaml:"operation_timeout" default:"10s"`
	WatchdogInterval    time.Duration      `yaml:"watchdog_interval" default:"1s"`
	InitAttempts        int                `yaml:"init_attempts" default:"10"`
	InitRetryDelay      time.Duration      `yaml:"init_retry_delay" default:"100ms"`
	MinMTU              int                `yaml:"min_mtu" default:"80"`
	SamplesPerPackage   int                `yaml:"samples_per_package" default:"10"`
	BatteryPollInterval time.Duration      `yaml:"battery_poll_interval" default:"60s"`
	DisconnectRetries   int                `yaml:"disconnect_retries" default:"3"`
	ConnectedIsReady    bool               `yaml:"connected_is_ready"`
	ConnectedIsTimeout  bool               `yaml:"connected_is_timeout"`
	FeatureBits         device.FeatureBits `yaml:"feature_bits"`
}

// HubConfig controls the broadcast hub command channel
type HubConfig struct {
	URL            string        `yaml:"url"`
	AppType        string        `yaml:"app_type" default:"sensorlink"`
	DeviceID       string        `yaml:"device_id"`
	Codec          string        `yaml:"codec" default:"json"`
	CommandTimeout time.Duration `yaml:"command_timeout" default:"5s"`
	RegisterRetry  time.Duration `yaml:"register_retry" default:"3s"`
	RelayBuffer    uint32        `yaml:"relay_buffer" default:"1024"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel: logrus.InfoLevel,
	}
	defaults.SetDefaults(cfg)
	if cfg.Session.FeatureBits == (device.FeatureBits{}) {
		cfg.Session.FeatureBits = device.DefaultFeatureBits()
	}
	return cfg
}

// Load reads a YAML file on top of the defaults.
// Environment variables referenced as ${VAR} or $VAR are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-provided configuration
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	s := c.Session
	switch {
	case c.Scan.Period <= 0:
		return fmt.Errorf("config: scan.period must be positive")
	case s.OperationTimeout <= 0:
		return fmt.Errorf("config: session.operation_timeout must be positive")
	case s.WatchdogInterval <= 0:
		return fmt.Errorf("config: session.watchdog_interval must be positive")
	case s.InitAttempts < 1:
		return fmt.Errorf("config: session.init_attempts must be at least 1")
	case s.InitRetryDelay < 0:
		return fmt.Errorf("config: session.init_retry_delay must not be negative")
	case s.SamplesPerPackage < MinSamplesPerPackage || s.SamplesPerPackage > MaxSamplesPerPackage:
		return fmt.Errorf("config: session.samples_per_package must be in %d..%d, got %d",
			MinSamplesPerPackage, MaxSamplesPerPackage, s.SamplesPerPackage)
	case s.BatteryPollInterval <= 0:
		return fmt.Errorf("config: session.battery_poll_interval must be positive")
	case s.DisconnectRetries < 0:
		return fmt.Errorf("config: session.disconnect_retries must not be negative")
	}

	if c.Transport.ConnectTimeout <= 0 {
		return fmt.Errorf("config: transport.connect_timeout must be positive")
	}
	if c.Transport.EventBuffer <= 0 {
		return fmt.Errorf("config: transport.event_buffer must be positive")
	}

	switch c.Hub.Codec {
	case "json", "cbor":
	default:
		return fmt.Errorf("config: hub.codec must be json or cbor, got %q", c.Hub.Codec)
	}
	if c.Hub.CommandTimeout <= 0 {
		return fmt.Errorf("config: hub.command_timeout must be positive")
	}
	if c.Hub.RelayBuffer == 0 {
		return fmt.Errorf("config: hub.relay_buffer must be positive")
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
