// Package config loads the YAML capture configuration used by the CLI:
// which drivers to scan, per-device options, the session trigger and
// the output bridges. A .env file (or the process environment) can
// override the deployment-specific fields.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/c360/acqstreams/device"
	"github.com/c360/acqstreams/errors"
	"github.com/c360/acqstreams/trigger"
)

// Environment variables overriding the file values.
const (
	EnvLogLevel    = "ACQSTREAMS_LOG_LEVEL"
	EnvMetricsAddr = "ACQSTREAMS_METRICS_ADDR"
	EnvNATSURL     = "ACQSTREAMS_NATS_URL"
	EnvWSAddr      = "ACQSTREAMS_WS_ADDR"
)

// Config is the complete capture configuration.
type Config struct {
	LogLevel    string             `yaml:"log_level,omitempty"`
	MetricsAddr string             `yaml:"metrics_addr,omitempty"`
	Outputs     OutputsConfig      `yaml:"outputs,omitempty"`
	Devices     []DeviceConfig     `yaml:"devices"`
	Trigger     []TriggerCondition `yaml:"trigger,omitempty"`
}

// OutputsConfig selects the datafeed bridges.
type OutputsConfig struct {
	WebSocket WebSocketConfig `yaml:"websocket,omitempty"`
	NATS      NATSConfig      `yaml:"nats,omitempty"`
}

// WebSocketConfig configures the wsfeed output.
type WebSocketConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr,omitempty"`
	Path    string `yaml:"path,omitempty"`
}

// NATSConfig configures the natsfeed output.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url,omitempty"`
	SubjectPrefix string `yaml:"subject_prefix,omitempty"`
}

// DeviceConfig selects one driver and its device options.
type DeviceConfig struct {
	Driver   string         `yaml:"driver"`
	Conn     string         `yaml:"conn,omitempty"`
	Options  map[string]any `yaml:"options,omitempty"`
	Channels []int          `yaml:"channels,omitempty"` // enabled channels, empty = all
}

// TriggerCondition is one channel condition of the session trigger.
type TriggerCondition struct {
	Channel   int    `yaml:"channel"`
	Condition string `yaml:"condition"`
}

// Default returns the built-in configuration: one demo device, no
// outputs, info logging.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Devices: []DeviceConfig{
			{Driver: "demo"},
		},
	}
}

// Load reads the configuration from path, applies environment
// overrides (a .env file in the working directory is honored when
// present) and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapResource(err, "config", "Load", "config read")
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.WrapArgument(
			fmt.Errorf("%w: %v", errors.ErrMalformedData, err),
			"config", "Load", "config parse")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	// Missing .env is the normal case, not an error.
	_ = godotenv.Load()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvMetricsAddr); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv(EnvNATSURL); v != "" {
		c.Outputs.NATS.URL = v
	}
	if v := os.Getenv(EnvWSAddr); v != "" {
		c.Outputs.WebSocket.Addr = v
	}
}

// Validate checks the configuration. All failures are argument errors.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}

	if len(c.Devices) == 0 {
		return errors.WrapArgument(errors.New("no devices configured"),
			"config", "Validate", "device check")
	}
	for i, d := range c.Devices {
		if d.Driver == "" {
			return errors.WrapArgument(
				fmt.Errorf("device %d: driver not set", i),
				"config", "Validate", "device check")
		}
		for _, ch := range d.Channels {
			if ch < 0 {
				return errors.WrapArgument(
					fmt.Errorf("device %d: negative channel %d", i, ch),
					"config", "Validate", "channel check")
			}
		}
	}

	if _, err := c.TriggerSpec(); err != nil {
		return err
	}

	if c.Outputs.WebSocket.Enabled && c.Outputs.WebSocket.Addr == "" {
		return errors.WrapArgument(errors.New("websocket output enabled without addr"),
			"config", "Validate", "output check")
	}
	if c.Outputs.NATS.Enabled && c.Outputs.NATS.URL == "" {
		return errors.WrapArgument(errors.New("nats output enabled without url"),
			"config", "Validate", "output check")
	}
	return nil
}

// TriggerSpec converts the configured conditions to a trigger spec.
// It returns nil when no trigger is configured.
func (c *Config) TriggerSpec() (*trigger.Spec, error) {
	if len(c.Trigger) == 0 {
		return nil, nil
	}
	spec := &trigger.Spec{Conditions: make(map[int]trigger.Condition, len(c.Trigger))}
	for _, tc := range c.Trigger {
		if tc.Channel < 0 {
			return nil, errors.WrapArgument(
				fmt.Errorf("trigger channel %d out of range", tc.Channel),
				"config", "TriggerSpec", "channel check")
		}
		cond, err := parseCondition(tc.Condition)
		if err != nil {
			return nil, err
		}
		if _, dup := spec.Conditions[tc.Channel]; dup {
			return nil, errors.WrapArgument(
				fmt.Errorf("trigger channel %d configured twice", tc.Channel),
				"config", "TriggerSpec", "channel check")
		}
		spec.Conditions[tc.Channel] = cond
	}
	return spec, nil
}

func parseCondition(name string) (trigger.Condition, error) {
	switch strings.ToLower(name) {
	case "low":
		return trigger.Low, nil
	case "high":
		return trigger.High, nil
	case "rising":
		return trigger.Rising, nil
	case "falling":
		return trigger.Falling, nil
	default:
		return 0, errors.WrapArgument(
			fmt.Errorf("unknown trigger condition %q", name),
			"config", "TriggerSpec", "condition check")
	}
}

// DriverOptions converts the device entry into the option map handed to
// Driver.Scan and ConfigSet. YAML integers arrive as int; the well-known
// numeric keys are normalized to the types the drivers expect.
func (d *DeviceConfig) DriverOptions() map[device.ConfigKey]any {
	opts := make(map[device.ConfigKey]any, len(d.Options)+1)
	if d.Conn != "" {
		opts[device.KeyConn] = d.Conn
	}
	for k, v := range d.Options {
		key := device.ConfigKey(k)
		switch key {
		case device.KeySampleRate, device.KeyLimitSamples, device.KeyLimitMsec:
			if n, ok := toUint64(v); ok {
				opts[key] = n
				continue
			}
		case device.KeyCaptureRatio:
			if n, ok := toUint64(v); ok {
				opts[key] = int(n)
				continue
			}
		}
		opts[key] = v
	}
	return opts
}

func toUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case uint64:
		return n, true
	case float64:
		if n < 0 || n != float64(uint64(n)) {
			return 0, false
		}
		return uint64(n), true
	default:
		return 0, false
	}
}

// ParseLogLevel maps the configured level name to a slog level.
func ParseLogLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, errors.WrapArgument(
			fmt.Errorf("unknown log level %q", name),
			"config", "ParseLogLevel", "level check")
	}
}
