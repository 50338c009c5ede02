// Package config handles pspd and psp CLI configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Sync    SyncConfig    `yaml:"sync"`
	Browser BrowserConfig `yaml:"browser"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig controls the HTTP API surface.
type ServerConfig struct {
	Listen string `yaml:"listen"`
	// APIKeyHash is a bcrypt hash of the bearer token clients must send.
	// Empty disables auth.
	APIKeyHash string `yaml:"api_key_hash"`
	// MCP exposes the session tools over the MCP streamable transport
	// when true.
	MCP bool `yaml:"mcp"`
}

// StoreConfig picks the local session store.
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite | fs | memory
	Path   string `yaml:"path"`   // database file or directory
}

// SyncConfig controls reconciliation against a remote store.
type SyncConfig struct {
	Remote string `yaml:"remote"` // base URL, empty disables sync
	APIKey string `yaml:"api_key"`
	Policy string `yaml:"policy"` // latest_wins | manual_review
	// Auto enables the background loop that syncs whenever the local
	// index changes.
	Auto     bool          `yaml:"auto"`
	Interval time.Duration `yaml:"interval"`
	Debounce time.Duration `yaml:"debounce"`
	// Retries and backoff shape the transport retry wrapper around the
	// remote backend.
	Retries int           `yaml:"retries"`
	Backoff time.Duration `yaml:"backoff"`
}

// BrowserConfig controls the Chrome instance the CLI drives.
type BrowserConfig struct {
	// Remote is a DevTools websocket URL. Empty launches a local browser.
	Remote   string `yaml:"remote"`
	Headless bool   `yaml:"headless"`
	Stealth  bool   `yaml:"stealth"`
	// PollInterval is how often recorded events are drained from the page.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// LoadFile reads a YAML configuration file and applies defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:8713"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.Path == "" {
		switch c.Store.Driver {
		case "sqlite":
			c.Store.Path = "psp.db"
		case "fs":
			c.Store.Path = "sessions"
		}
	}
	if c.Sync.Policy == "" {
		c.Sync.Policy = "latest_wins"
	}
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = 5 * time.Second
	}
	if c.Sync.Retries < 0 {
		c.Sync.Retries = 0
	}
	if c.Sync.Backoff <= 0 {
		c.Sync.Backoff = 500 * time.Millisecond
	}
	if c.Browser.PollInterval <= 0 {
		c.Browser.PollInterval = 250 * time.Millisecond
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "sqlite", "fs", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Sync.Policy {
	case "latest_wins", "manual_review":
	default:
		return fmt.Errorf("unknown sync policy %q", c.Sync.Policy)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}
