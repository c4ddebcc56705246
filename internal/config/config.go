// Package config loads and validates the server configuration from
// environment variables (UPLICENSE_ prefix) layered over an optional
// YAML file and built-in defaults. Environment wins over file, file over
// defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Keystore  KeystoreConfig  `yaml:"keystore" envconfig:"KEYSTORE"`
	Storage   StorageConfig   `yaml:"storage" envconfig:"STORAGE"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	MagicLink MagicLinkConfig `yaml:"magic_link" envconfig:"MAGIC_LINK"`
	Plans     PlansConfig     `yaml:"plans" envconfig:"PLANS"`
	ProductID string          `yaml:"product_id" envconfig:"PRODUCT_ID" default:"upload_bridge_pro"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	StorageTimeout  time.Duration `yaml:"storage_timeout" envconfig:"STORAGE_TIMEOUT" default:"5s"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format   string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/app.log"`
}

// KeystoreConfig locates the signing keypair on disk.
type KeystoreConfig struct {
	Dir string `yaml:"dir" envconfig:"DIR" default:"data/keys"`
}

// StorageConfig locates the durable snapshot stores.
type StorageConfig struct {
	Dir string `yaml:"dir" envconfig:"DIR" default:"data/state"`
	// CleanupInterval drives pruning of expired revocation entries and
	// ledger records.
	CleanupInterval time.Duration `yaml:"cleanup_interval" envconfig:"CLEANUP_INTERVAL" default:"10m"`
}

// RateLimitConfig contains the per-plan window plus a global token-bucket
// backstop against raw request floods.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	Window  time.Duration `yaml:"window" envconfig:"WINDOW" default:"15m"`
	RPS     float64       `yaml:"rps" envconfig:"RPS" default:"100"`
	Burst   int           `yaml:"burst" envconfig:"BURST" default:"50"`
}

// MagicLinkConfig tunes the single-use login codes.
type MagicLinkConfig struct {
	CodeTTL time.Duration `yaml:"code_ttl" envconfig:"CODE_TTL" default:"15m"`
}

// PlanConfig is one plan tier's static limits.
type PlanConfig struct {
	DeviceCap         int           `yaml:"device_cap" envconfig:"DEVICE_CAP"`
	RequestsPerWindow int           `yaml:"requests_per_window" envconfig:"REQUESTS_PER_WINDOW"`
	TokenTTL          time.Duration `yaml:"token_ttl" envconfig:"TOKEN_TTL"`
}

// PlansConfig is the static plan table. It is configuration, not derived
// data: changing a tier's limits is a deploy, not a data migration.
type PlansConfig struct {
	Trial     PlanConfig `yaml:"trial" envconfig:"TRIAL"`
	Monthly   PlanConfig `yaml:"monthly" envconfig:"MONTHLY"`
	Yearly    PlanConfig `yaml:"yearly" envconfig:"YEARLY"`
	Perpetual PlanConfig `yaml:"perpetual" envconfig:"PERPETUAL"`
}

// For looks up a plan tier's limits by name. ok is false for unknown
// tiers; callers decide how to degrade.
func (p PlansConfig) For(plan string) (PlanConfig, bool) {
	switch plan {
	case "trial":
		return p.Trial, true
	case "monthly":
		return p.Monthly, true
	case "yearly":
		return p.Yearly, true
	case "perpetual":
		return p.Perpetual, true
	}
	return PlanConfig{}, false
}

// Load builds the configuration: defaults, then YAML file if present,
// then environment.
func Load() (*Config, error) {
	cfg := Default()

	if path := configFilePath(); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.Process("UPLICENSE", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive")
	}
	if c.ProductID == "" {
		return fmt.Errorf("product_id must not be empty")
	}
	for _, tier := range []struct {
		name string
		plan PlanConfig
	}{
		{"trial", c.Plans.Trial},
		{"monthly", c.Plans.Monthly},
		{"yearly", c.Plans.Yearly},
		{"perpetual", c.Plans.Perpetual},
	} {
		if tier.plan.DeviceCap <= 0 {
			return fmt.Errorf("plan %s: device cap must be positive", tier.name)
		}
		if tier.plan.RequestsPerWindow <= 0 {
			return fmt.Errorf("plan %s: requests per window must be positive", tier.name)
		}
	}

	// JSON is the only supported log format.
	if c.Logging.Format != "json" {
		c.Logging.Format = "json"
	}
	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/app.log"
	}
	return nil
}

func configFilePath() string {
	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}
	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}
	return ""
}

// Default returns the built-in configuration. Token TTLs mirror the
// per-plan offline windows the desktop client honors (trial has none, so
// trial tokens live a single day).
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			StorageTimeout:  5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "both",
			FilePath: "logs/app.log",
		},
		Keystore: KeystoreConfig{
			Dir: "data/keys",
		},
		Storage: StorageConfig{
			Dir:             "data/state",
			CleanupInterval: 10 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Window:  15 * time.Minute,
			RPS:     100,
			Burst:   50,
		},
		MagicLink: MagicLinkConfig{
			CodeTTL: 15 * time.Minute,
		},
		Plans: PlansConfig{
			Trial:     PlanConfig{DeviceCap: 1, RequestsPerWindow: 60, TokenTTL: 24 * time.Hour},
			Monthly:   PlanConfig{DeviceCap: 3, RequestsPerWindow: 200, TokenTTL: 3 * 24 * time.Hour},
			Yearly:    PlanConfig{DeviceCap: 5, RequestsPerWindow: 600, TokenTTL: 14 * 24 * time.Hour},
			Perpetual: PlanConfig{DeviceCap: 10, RequestsPerWindow: 1000, TokenTTL: 30 * 24 * time.Hour},
		},
		ProductID: "upload_bridge_pro",
	}
}
