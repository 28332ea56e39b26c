package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all textbridge configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Host transport (HTTP send endpoint + push stream)
	Transport TransportConfig `yaml:"transport"`

	// Two-tier cache
	Cache CacheConfig `yaml:"cache"`

	// Upstream text service
	Backend BackendConfig `yaml:"backend"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// TransportConfig configures the channel between peripheral and host.
type TransportConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	HostURL     string `yaml:"host_url"`
	Timeout     string `yaml:"timeout"`
	Retries     int    `yaml:"retries"`
	BackoffBase string `yaml:"backoff_base"`
	BackoffCap  string `yaml:"backoff_cap"`

	// When true, pushes without a correlation id are discarded instead
	// of matching the most recent outstanding request.
	RequireCorrelation bool `yaml:"require_correlation"`
}

// CacheConfig configures the two-tier result cache.
type CacheConfig struct {
	DatabasePath  string `yaml:"database_path"`
	TemplatesTTL  string `yaml:"templates_ttl"`
	StatsTTL      string `yaml:"stats_ttl"`
	SweepInterval string `yaml:"sweep_interval"`
}

// BackendConfig configures the upstream HTTP service.
type BackendConfig struct {
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	File   string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "textbridge",
		Version: "1.0.0",

		Transport: TransportConfig{
			ListenAddr:  "127.0.0.1:7433",
			HostURL:     "http://127.0.0.1:7433",
			Timeout:     "10s",
			Retries:     3,
			BackoffBase: "250ms",
			BackoffCap:  "4s",
		},

		Cache: CacheConfig{
			DatabasePath:  "data/textbridge.db",
			TemplatesTTL:  "5m",
			StatsTTL:      "1m",
			SweepInterval: "10m",
		},

		Backend: BackendConfig{
			BaseURL: "https://api.textbridge.dev",
			Timeout: "30s",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   "textbridge.log",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; environment overrides are applied after parsing.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("TEXTBRIDGE_HOST_URL"); url != "" {
		c.Transport.HostURL = url
	}
	if addr := os.Getenv("TEXTBRIDGE_LISTEN_ADDR"); addr != "" {
		c.Transport.ListenAddr = addr
	}
	if url := os.Getenv("TEXTBRIDGE_BACKEND_URL"); url != "" {
		c.Backend.BaseURL = url
	}
	if path := os.Getenv("TEXTBRIDGE_DB"); path != "" {
		c.Cache.DatabasePath = path
	}
	if level := os.Getenv("TEXTBRIDGE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// GetTransportTimeout returns the per-attempt send timeout.
func (c *Config) GetTransportTimeout() time.Duration {
	return parseDuration(c.Transport.Timeout, 10*time.Second)
}

// GetBackoffBase returns the first retry delay.
func (c *Config) GetBackoffBase() time.Duration {
	return parseDuration(c.Transport.BackoffBase, 250*time.Millisecond)
}

// GetBackoffCap returns the retry delay ceiling.
func (c *Config) GetBackoffCap() time.Duration {
	return parseDuration(c.Transport.BackoffCap, 4*time.Second)
}

// GetBackendTimeout returns the upstream HTTP timeout.
func (c *Config) GetBackendTimeout() time.Duration {
	return parseDuration(c.Backend.Timeout, 30*time.Second)
}

// GetTemplatesTTL returns the template list freshness window.
func (c *Config) GetTemplatesTTL() time.Duration {
	return parseDuration(c.Cache.TemplatesTTL, 5*time.Minute)
}

// GetStatsTTL returns the usage stats freshness window.
func (c *Config) GetStatsTTL() time.Duration {
	return parseDuration(c.Cache.StatsTTL, time.Minute)
}

// GetSweepInterval returns the cache sweep period.
func (c *Config) GetSweepInterval() time.Duration {
	return parseDuration(c.Cache.SweepInterval, 10*time.Minute)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.Transport.HostURL == "" {
		return fmt.Errorf("transport.host_url is required")
	}
	if c.Transport.Retries < 0 {
		return fmt.Errorf("transport.retries must not be negative")
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if c.Cache.DatabasePath == "" {
		return fmt.Errorf("cache.database_path is required")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	return nil
}

// DefaultPath returns the per-user config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".textbridge", "config.yaml")
	}
	return filepath.Join(home, ".textbridge", "config.yaml")
}
