package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.mira/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	Server         Server `toml:"server"`
	Outbox         Outbox `toml:"outbox"`
}

// Server holds the remote API endpoint configuration.
type Server struct {
	URL    string `toml:"url"`
	Token  string `toml:"token"`
	UserID string `toml:"user_id"`
}

// Outbox holds the delivery retry policy. Zero values fall back to the
// defaults returned by Default().
type Outbox struct {
	DrainIntervalMs   int `toml:"drain_interval_ms"`
	MaxAttempts       int `toml:"max_attempts"`
	InitialBackoffMs  int `toml:"initial_backoff_ms"`
	MaxBackoffMs      int `toml:"max_backoff_ms"`
	PullBatchSize     int `toml:"pull_batch_size"`
	PullIntervalMs    int `toml:"pull_interval_ms"`
	SendTimeoutMs     int `toml:"send_timeout_ms"`
	ConnectProbeMaxMs int `toml:"connect_probe_max_ms"`
}

// Default returns the built-in configuration used when no config file exists
// or when fields are left unset.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Server: Server{
			URL: "http://localhost:8485",
		},
		Outbox: Outbox{
			DrainIntervalMs:   2000,
			MaxAttempts:       10,
			InitialBackoffMs:  1000,
			MaxBackoffMs:      300000,
			PullBatchSize:     200,
			PullIntervalMs:    5000,
			SendTimeoutMs:     15000,
			ConnectProbeMaxMs: 60000,
		},
	}
}

// Load reads config from the given path, filling unset fields from Default().
// A missing file is an error; callers that want defaults-on-missing should
// use LoadOrDefault.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.fill()
	return cfg, nil
}

// LoadOrDefault reads config from path, returning defaults if the file does
// not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// DrainInterval returns the outbox drain interval as a duration.
func (c *Config) DrainInterval() time.Duration {
	return time.Duration(c.Outbox.DrainIntervalMs) * time.Millisecond
}

// PullInterval returns the pull-sync interval as a duration.
func (c *Config) PullInterval() time.Duration {
	return time.Duration(c.Outbox.PullIntervalMs) * time.Millisecond
}

// SendTimeout returns the per-send timeout as a duration.
func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.Outbox.SendTimeoutMs) * time.Millisecond
}

func (c *Config) fill() {
	def := Default()
	if c.DefaultProfile == "" {
		c.DefaultProfile = def.DefaultProfile
	}
	if c.Server.URL == "" {
		c.Server.URL = def.Server.URL
	}
	if c.Outbox.DrainIntervalMs <= 0 {
		c.Outbox.DrainIntervalMs = def.Outbox.DrainIntervalMs
	}
	if c.Outbox.MaxAttempts <= 0 {
		c.Outbox.MaxAttempts = def.Outbox.MaxAttempts
	}
	if c.Outbox.InitialBackoffMs <= 0 {
		c.Outbox.InitialBackoffMs = def.Outbox.InitialBackoffMs
	}
	if c.Outbox.MaxBackoffMs <= 0 {
		c.Outbox.MaxBackoffMs = def.Outbox.MaxBackoffMs
	}
	if c.Outbox.PullBatchSize <= 0 {
		c.Outbox.PullBatchSize = def.Outbox.PullBatchSize
	}
	if c.Outbox.PullIntervalMs <= 0 {
		c.Outbox.PullIntervalMs = def.Outbox.PullIntervalMs
	}
	if c.Outbox.SendTimeoutMs <= 0 {
		c.Outbox.SendTimeoutMs = def.Outbox.SendTimeoutMs
	}
	if c.Outbox.ConnectProbeMaxMs <= 0 {
		c.Outbox.ConnectProbeMaxMs = def.Outbox.ConnectProbeMaxMs
	}
}
