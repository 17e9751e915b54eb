package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Store           StoreConfig    `yaml:"store"`
	Device          DeviceConfig   `yaml:"device"`
	Commands        CommandsConfig `yaml:"commands"`
	Database        DatabaseConfig `yaml:"database"`
	Log             LogConfig      `yaml:"log"`
	Ledger          LedgerConfig   `yaml:"ledger"`
	Bridge          BridgeConfig   `yaml:"bridge"`
	EventBus        EventBusConfig `yaml:"eventbus"`
	Rules           RulesConfig    `yaml:"rules"`
	ShutdownTimeout Duration       `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// StoreConfig contains realtime database connection settings
type StoreConfig struct {
	URL     string   `yaml:"url"`     // Base URL, e.g. https://project.firebaseio.com
	Auth    string   `yaml:"auth"`    // Optional auth token appended as ?auth=
	Timeout Duration `yaml:"timeout"` // HTTP timeout for writes

	// Event stream reconnect settings
	MinRetryBackoff Duration `yaml:"min_retry_backoff"` // Minimum backoff between reconnects (default: 1s)
	MaxRetryBackoff Duration `yaml:"max_retry_backoff"` // Maximum backoff between reconnects (default: 2m)
	RetryMultiplier float64  `yaml:"retry_multiplier"`  // Backoff multiplier (default: 2.0)
	MaxReconnects   int      `yaml:"max_reconnects"`    // Max reconnect attempts, 0 = infinite (default: 0)

	// Simulate runs an in-process apparatus instead of connecting to URL
	Simulate         bool     `yaml:"simulate"`
	SimulateInterval Duration `yaml:"simulate_interval"` // Periodic reading interval (default: 10s)
}

// SlotConfig describes one plot of the default layout
type SlotConfig struct {
	ID     int    `yaml:"id"`
	Label  string `yaml:"label"`
	Active bool   `yaml:"active"`
}

// DeviceConfig contains device state store settings
type DeviceConfig struct {
	HistoryCapacity int          `yaml:"history_capacity"` // Readings kept per metric (default: 500)
	FreshnessWindow Duration     `yaml:"freshness_window"` // Wait for first data before reporting empty (default: 3s)
	ChartPoints     int          `yaml:"chart_points"`     // Points in chart-sized series (default: 15)
	HomeSlot        int          `yaml:"home_slot"`
	Slots           []SlotConfig `yaml:"slots"` // Used until the plots feed reports
}

// CommandsConfig contains command dispatch settings
type CommandsConfig struct {
	MoveTransit  Duration `yaml:"move_transit"`
	HomeTransit  Duration `yaml:"home_transit"`
	SensorRead   Duration `yaml:"sensor_read"`
	LightSettle  Duration `yaml:"light_settle"`
	ModelSettle  Duration `yaml:"model_settle"`
	WriteTimeout Duration `yaml:"write_timeout"`
	RateLimitRPS float64  `yaml:"rate_limit_rps"`
	Burst        int      `yaml:"burst"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level   string `yaml:"level"`
	UseJSON bool   `yaml:"json"`
	Colors  bool   `yaml:"colors"`
}

// GetLevel returns the normalized log level
func (c *LogConfig) GetLevel() string {
	return strings.ToLower(strings.TrimSpace(c.Level))
}

// LedgerConfig contains command ledger settings
type LedgerConfig struct {
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"`
}

// BridgeConfig contains HTTP/WebSocket bridge settings
type BridgeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Addr returns host:port
func (c *BridgeConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 4)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 100)
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 100
	}
	return c.QueueSize
}

// RulesConfig contains automation script settings
type RulesConfig struct {
	Script string `yaml:"script"` // Empty disables rules
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, overrides...)
}

// Parse parses configuration from YAML and applies defaults. Overrides
// (command line flags) run before defaults and validation.
func Parse(data []byte, overrides ...func(*Config)) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}
	for _, override := range overrides {
		override(&cfg)
	}
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given
func Default() *Config {
	var cfg Config
	cfg.setDefaults()
	return &cfg
}

func (cfg *Config) setDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./sporewatch.sqlite"
	}

	// Store defaults
	if cfg.Store.Timeout == 0 {
		cfg.Store.Timeout = Duration(30 * time.Second)
	}
	if cfg.Store.MinRetryBackoff == 0 {
		cfg.Store.MinRetryBackoff = Duration(1 * time.Second)
	}
	if cfg.Store.MaxRetryBackoff == 0 {
		cfg.Store.MaxRetryBackoff = Duration(2 * time.Minute)
	}
	if cfg.Store.RetryMultiplier == 0 {
		cfg.Store.RetryMultiplier = 2.0
	}
	// MaxReconnects defaults to 0 (infinite), no need to set
	if cfg.Store.SimulateInterval == 0 {
		cfg.Store.SimulateInterval = Duration(10 * time.Second)
	}

	// Device defaults
	if cfg.Device.HistoryCapacity == 0 {
		cfg.Device.HistoryCapacity = 500
	}
	if cfg.Device.FreshnessWindow == 0 {
		cfg.Device.FreshnessWindow = Duration(3 * time.Second)
	}
	if cfg.Device.ChartPoints == 0 {
		cfg.Device.ChartPoints = 15
	}
	if cfg.Device.HomeSlot == 0 {
		cfg.Device.HomeSlot = 1
	}
	if len(cfg.Device.Slots) == 0 {
		for id := 1; id <= 6; id++ {
			cfg.Device.Slots = append(cfg.Device.Slots, SlotConfig{
				ID:     id,
				Label:  fmt.Sprintf("Plot %d", id),
				Active: id != 5,
			})
		}
	}

	// Command timing defaults mirror the apparatus
	if cfg.Commands.MoveTransit == 0 {
		cfg.Commands.MoveTransit = Duration(3 * time.Second)
	}
	if cfg.Commands.HomeTransit == 0 {
		cfg.Commands.HomeTransit = Duration(2 * time.Second)
	}
	if cfg.Commands.SensorRead == 0 {
		cfg.Commands.SensorRead = Duration(2 * time.Second)
	}
	if cfg.Commands.LightSettle == 0 {
		cfg.Commands.LightSettle = Duration(1 * time.Second)
	}
	if cfg.Commands.ModelSettle == 0 {
		cfg.Commands.ModelSettle = Duration(1 * time.Second)
	}
	if cfg.Commands.WriteTimeout == 0 {
		cfg.Commands.WriteTimeout = Duration(10 * time.Second)
	}
	if cfg.Commands.RateLimitRPS == 0 {
		cfg.Commands.RateLimitRPS = 5.0
	}
	if cfg.Commands.Burst == 0 {
		cfg.Commands.Burst = 5
	}

	// Ledger defaults
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 30
	}

	// Bridge defaults
	if cfg.Bridge.Port == 0 {
		cfg.Bridge.Port = 9090
	}
	if cfg.Bridge.Host == "" {
		cfg.Bridge.Host = "0.0.0.0"
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

func (cfg *Config) validate() error {
	if cfg.Device.HistoryCapacity < 0 {
		return fmt.Errorf("device.history_capacity must be positive, got %d", cfg.Device.HistoryCapacity)
	}
	seen := make(map[int]bool, len(cfg.Device.Slots))
	home := false
	for _, s := range cfg.Device.Slots {
		if s.ID <= 0 {
			return fmt.Errorf("device.slots: id must be positive, got %d", s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("device.slots: duplicate id %d", s.ID)
		}
		seen[s.ID] = true
		if s.ID == cfg.Device.HomeSlot {
			home = true
		}
	}
	if !home {
		return fmt.Errorf("device.home_slot %d is not in device.slots", cfg.Device.HomeSlot)
	}
	if cfg.Store.RetryMultiplier < 1 {
		return fmt.Errorf("store.retry_multiplier must be >= 1, got %v", cfg.Store.RetryMultiplier)
	}
	if cfg.Store.URL == "" && !cfg.Store.Simulate {
		return fmt.Errorf("store.url is required unless store.simulate is set")
	}
	return nil
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
