package config

import (
	"fmt"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/busybox42/zapcast/internal/cache"
	"github.com/busybox42/zapcast/internal/quota"
	"github.com/busybox42/zapcast/internal/store"
)

// Config represents the application configuration
type Config struct {
	// Server configuration
	Server struct {
		Hostname string `toml:"hostname"`
		Listen   string `toml:"listen"` // HTTP API listen address
	} `toml:"server"`

	// Store configuration
	Store store.Config `toml:"store"`

	// Cache configuration (rate limiting)
	Cache cache.Config `toml:"cache"`

	// Gateway configuration
	Gateway struct {
		BaseURL string `toml:"base_url"`
		Token   string `toml:"token"`
		Timeout int    `toml:"timeout"` // seconds, per send attempt
	} `toml:"gateway"`

	// Dispatch configuration
	Dispatch struct {
		Workers       int     `toml:"workers"`
		DeferDelay    int     `toml:"defer_delay"`   // seconds
		GlobalRate    float64 `toml:"global_rate"`   // messages/sec across tenants, 0 = off
		MaxAttempts   int     `toml:"max_attempts"`
		RetrySchedule []int   `toml:"retry_schedule"` // seconds between attempts
	} `toml:"dispatch"`

	// RateLimit configuration (per tenant)
	RateLimit struct {
		Limit  int64 `toml:"limit"`  // sends per window
		Window int   `toml:"window"` // seconds
	} `toml:"ratelimit"`

	// Activation sweep for scheduled campaigns
	Activator struct {
		Spec string `toml:"spec"` // cron spec, e.g. "@every 30s"
	} `toml:"activator"`

	// Logging configuration
	Logging struct {
		Type   string `toml:"type"` // "console" or "file"
		Level  string `toml:"level"`
		Format string `toml:"format"` // "text" or "json"
		File   string `toml:"file"`
	} `toml:"logging"`

	// Stats backend for the ops API
	Stats struct {
		Type    string `toml:"type"` // "memory" or "valkey"
		Address string `toml:"address"`
	} `toml:"stats"`

	// Tenants maps tenant IDs to their subscription. Zero limits fall back
	// to the tier defaults. Tenants absent here cannot send.
	Tenants map[string]TenantConfig `toml:"tenants"`
}

// TenantConfig is one tenant's subscription entry.
type TenantConfig struct {
	Tier        string `toml:"tier"`
	Messages    int64  `toml:"messages"`
	Validations int64  `toml:"validations"`
	Channels    int64  `toml:"channels"`
	Templates   int64  `toml:"templates"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Hostname = "localhost"
	cfg.Server.Listen = ":8080"

	cfg.Store.Type = "sqlite"
	cfg.Store.Path = "zapcast.db"

	cfg.Cache.Type = "memory"

	cfg.Gateway.BaseURL = "http://localhost:3000"
	cfg.Gateway.Timeout = 120

	cfg.Dispatch.Workers = 8
	cfg.Dispatch.DeferDelay = 5
	cfg.Dispatch.MaxAttempts = 3
	cfg.Dispatch.RetrySchedule = []int{30, 60, 120}

	cfg.RateLimit.Limit = 30
	cfg.RateLimit.Window = 60

	cfg.Activator.Spec = "@every 30s"

	cfg.Logging.Type = "console"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	cfg.Stats.Type = "memory"

	return cfg
}

// FindConfigFile looks for a configuration file in common locations
func FindConfigFile(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config file not found at specified path: %s", configPath)
	}

	locations := []string{
		"./zapcast.conf",
		"./config/zapcast.conf",
		os.ExpandEnv("$HOME/.zapcast.conf"),
		"/etc/zapcast/zapcast.conf",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}
	return "", fmt.Errorf("no config file found")
}

// LoadConfig loads a configuration from a file, falling back to defaults
// when no file exists.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	configFile, err := FindConfigFile(configPath)
	if err != nil {
		if configPath != "" {
			return nil, err
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing TOML configuration: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() []string {
	var errs []string

	switch c.Store.Type {
	case "sqlite", "postgres", "mysql", "memory", "":
	default:
		errs = append(errs, fmt.Sprintf("store.type: unknown type %q", c.Store.Type))
	}
	switch c.Cache.Type {
	case "memory", "redis", "memcached", "":
	default:
		errs = append(errs, fmt.Sprintf("cache.type: unknown type %q", c.Cache.Type))
	}
	if c.Dispatch.Workers < 0 {
		errs = append(errs, "dispatch.workers: must not be negative")
	}
	if c.RateLimit.Limit < 0 {
		errs = append(errs, "ratelimit.limit: must not be negative")
	}
	if c.RateLimit.Window < 0 {
		errs = append(errs, "ratelimit.window: must not be negative")
	}
	if c.Dispatch.MaxAttempts < 0 {
		errs = append(errs, "dispatch.max_attempts: must not be negative")
	}
	for _, s := range c.Dispatch.RetrySchedule {
		if s <= 0 {
			errs = append(errs, "dispatch.retry_schedule: entries must be positive")
			break
		}
	}
	switch c.Logging.Type {
	case "console", "file", "":
	default:
		errs = append(errs, fmt.Sprintf("logging.type: unknown type %q", c.Logging.Type))
	}
	if c.Logging.Type == "file" && c.Logging.File == "" {
		errs = append(errs, "logging.file: required when logging.type is \"file\"")
	}
	switch c.Stats.Type {
	case "memory", "valkey", "":
	default:
		errs = append(errs, fmt.Sprintf("stats.type: unknown type %q", c.Stats.Type))
	}
	return errs
}

// Subscriptions converts the tenant table to quota subscriptions.
func (c *Config) Subscriptions() map[string]quota.Subscription {
	subs := make(map[string]quota.Subscription, len(c.Tenants))
	for tenant, tc := range c.Tenants {
		subs[tenant] = quota.Subscription{
			Tier: tc.Tier,
			Limits: quota.Limits{
				Messages:    tc.Messages,
				Validations: tc.Validations,
				Channels:    tc.Channels,
				Templates:   tc.Templates,
			},
		}
	}
	return subs
}

// SaveConfig writes the configuration to a file in TOML format
func (c *Config) SaveConfig(configPath string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
