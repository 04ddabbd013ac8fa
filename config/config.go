package config

import (
	"embed"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed example.yaml
var exampleConfig embed.FS

// Config represents the complete vinesync engine configuration
type Config struct {
	Identity      Identity      `yaml:"identity"`
	Relays        Relays        `yaml:"relays"`
	Subscriptions Subscriptions `yaml:"subscriptions"`
	RateLimit     RateLimit     `yaml:"rate_limit"`
	Cache         Cache         `yaml:"cache"`
	Maintenance   Maintenance   `yaml:"maintenance"`
	Logging       Logging       `yaml:"logging"`
}

// Identity contains the Nostr identity the engine reconciles social state for
type Identity struct {
	Npub string `yaml:"npub"`
}

// Relays contains relay configuration
type Relays struct {
	Seeds  []string    `yaml:"seeds"`
	Policy RelayPolicy `yaml:"policy"`
}

// RelayPolicy contains relay connection policies
type RelayPolicy struct {
	ConnectTimeoutMs int `yaml:"connect_timeout_ms"`
}

// Subscriptions contains the managed-subscription pool settings
type Subscriptions struct {
	MaxConcurrent     int `yaml:"max_concurrent"`      // soft ceiling on live subscriptions (default: 30)
	TimeoutSeconds    int `yaml:"timeout_seconds"`     // default per-subscription deadline, 0 = none
	RetryDelaySeconds int `yaml:"retry_delay_seconds"` // fixed delay before re-subscribing after an error (default: 30)
	MaxFilterLimit    int `yaml:"max_filter_limit"`    // per-filter result cap applied before dispatch (default: 100)
	Workers           int `yaml:"workers"`             // parallel event processing workers (default: 4)
	BufferSize        int `yaml:"buffer_size"`         // inbound event channel depth (default: 5000)
}

// RateLimit contains the event delivery rate limit settings
type RateLimit struct {
	MaxEventsPerMinute int `yaml:"max_events_per_minute"` // sliding-window delivery ceiling (default: 2000)
}

// Cache contains local cache settings
type Cache struct {
	Driver              string  `yaml:"driver"` // sqlite
	SQLitePath          string  `yaml:"sqlite_path"`
	CorruptionThreshold float64 `yaml:"corruption_threshold"` // fraction of corrupt records that discards a collection (default: 0.25)
	RetentionDays       int     `yaml:"retention_days"`       // prune cached raw events older than this, 0 = keep forever
}

// Maintenance contains the periodic maintenance schedules (cron expressions)
type Maintenance struct {
	RefreshSchedule string `yaml:"refresh_schedule"` // replaceable re-fetch (default: "@every 1h")
	PruneSchedule   string `yaml:"prune_schedule"`   // retention pruning (default: "@every 12h")
}

// Logging contains logging settings
type Logging struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// Load reads and validates a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with all defaults applied and no identity.
// Hosts that build configuration programmatically start from this.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills in zero-valued fields with engine defaults
func (c *Config) ApplyDefaults() {
	if c.Relays.Policy.ConnectTimeoutMs == 0 {
		c.Relays.Policy.ConnectTimeoutMs = 30000
	}
	if c.Subscriptions.MaxConcurrent == 0 {
		c.Subscriptions.MaxConcurrent = 30
	}
	if c.Subscriptions.RetryDelaySeconds == 0 {
		c.Subscriptions.RetryDelaySeconds = 30
	}
	if c.Subscriptions.MaxFilterLimit == 0 {
		c.Subscriptions.MaxFilterLimit = 100
	}
	if c.Subscriptions.Workers == 0 {
		c.Subscriptions.Workers = 4
	}
	if c.Subscriptions.BufferSize == 0 {
		c.Subscriptions.BufferSize = 5000
	}
	if c.RateLimit.MaxEventsPerMinute == 0 {
		c.RateLimit.MaxEventsPerMinute = 2000
	}
	if c.Cache.Driver == "" {
		c.Cache.Driver = "sqlite"
	}
	if c.Cache.CorruptionThreshold == 0 {
		c.Cache.CorruptionThreshold = 0.25
	}
	if c.Maintenance.RefreshSchedule == "" {
		c.Maintenance.RefreshSchedule = "@every 1h"
	}
	if c.Maintenance.PruneSchedule == "" {
		c.Maintenance.PruneSchedule = "@every 12h"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Identity.Npub == "" {
		return fmt.Errorf("identity.npub is required")
	}
	if !strings.HasPrefix(c.Identity.Npub, "npub1") {
		return fmt.Errorf("identity.npub must be a bech32 npub, got %q", c.Identity.Npub)
	}
	if len(c.Relays.Seeds) == 0 {
		return fmt.Errorf("relays.seeds must contain at least one relay URL")
	}
	for _, seed := range c.Relays.Seeds {
		if !strings.HasPrefix(seed, "ws://") && !strings.HasPrefix(seed, "wss://") {
			return fmt.Errorf("relay seed %q must be a ws:// or wss:// URL", seed)
		}
	}
	if c.Cache.Driver != "sqlite" {
		return fmt.Errorf("unsupported cache driver: %s", c.Cache.Driver)
	}
	if c.Cache.SQLitePath == "" {
		return fmt.Errorf("cache.sqlite_path is required")
	}
	if c.Cache.CorruptionThreshold < 0 || c.Cache.CorruptionThreshold > 1 {
		return fmt.Errorf("cache.corruption_threshold must be between 0 and 1")
	}
	if c.Subscriptions.MaxConcurrent < 1 {
		return fmt.Errorf("subscriptions.max_concurrent must be at least 1")
	}
	return nil
}

// SubscriptionTimeout returns the default per-subscription deadline
func (c *Config) SubscriptionTimeout() time.Duration {
	return time.Duration(c.Subscriptions.TimeoutSeconds) * time.Second
}

// RetryDelay returns the fixed retry delay for errored subscriptions
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Subscriptions.RetryDelaySeconds) * time.Second
}

// ConnectTimeout returns the relay connect timeout
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Relays.Policy.ConnectTimeoutMs) * time.Millisecond
}

// GetExampleConfig returns the embedded example configuration
func GetExampleConfig() ([]byte, error) {
	return exampleConfig.ReadFile("example.yaml")
}
