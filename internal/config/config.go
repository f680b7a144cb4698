// Package config loads service configuration from an optional YAML
// file. Flag values set in main override anything read here.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

type Config struct {
	Addr             string
	DBPath           string
	DispatchInterval time.Duration
	Workers          int
	QueuePoll        time.Duration
	WebhookTimeout   time.Duration
	// WebhookRatePerSec caps outbound webhook calls. 0 means unlimited.
	WebhookRatePerSec float64
	// EncryptionKey is the hex-encoded 32-byte key for auth headers at
	// rest. Empty means headers are stored in plaintext.
	EncryptionKey string
}

// fileConfig is the YAML shape. Durations are strings so operators can
// write "30s" or "2m".
type fileConfig struct {
	Addr              string  `yaml:"addr"`
	DBPath            string  `yaml:"db_path"`
	DispatchInterval  string  `yaml:"dispatch_interval"`
	Workers           *int    `yaml:"workers"`
	QueuePoll         string  `yaml:"queue_poll"`
	WebhookTimeout    string  `yaml:"webhook_timeout"`
	WebhookRatePerSec float64 `yaml:"webhook_rate_per_sec"`
	EncryptionKey     string  `yaml:"encryption_key"`
}

func Default() Config {
	return Config{
		Addr:             ":8080",
		DBPath:           "schedflow.db",
		DispatchInterval: 60 * time.Second,
		Workers:          4,
		QueuePoll:        time.Second,
		WebhookTimeout:   120 * time.Second,
	}
}

// Load reads path over the defaults. An empty path returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if fc.Addr != "" {
		cfg.Addr = fc.Addr
	}
	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.Workers != nil {
		cfg.Workers = *fc.Workers
	}
	cfg.WebhookRatePerSec = fc.WebhookRatePerSec
	cfg.EncryptionKey = fc.EncryptionKey

	if cfg.DispatchInterval, err = parseDuration("dispatch_interval", fc.DispatchInterval, cfg.DispatchInterval); err != nil {
		return Config{}, err
	}
	if cfg.QueuePoll, err = parseDuration("queue_poll", fc.QueuePoll, cfg.QueuePoll); err != nil {
		return Config{}, err
	}
	if cfg.WebhookTimeout, err = parseDuration("webhook_timeout", fc.WebhookTimeout, cfg.WebhookTimeout); err != nil {
		return Config{}, err
	}

	return cfg, cfg.validate()
}

func parseDuration(key, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, raw, err)
	}
	return d, nil
}

func (c Config) validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if c.DispatchInterval <= 0 {
		return fmt.Errorf("dispatch_interval must be positive")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.QueuePoll <= 0 {
		return fmt.Errorf("queue_poll must be positive")
	}
	if c.WebhookTimeout <= 0 {
		return fmt.Errorf("webhook_timeout must be positive")
	}
	if c.WebhookRatePerSec < 0 {
		return fmt.Errorf("webhook_rate_per_sec must not be negative")
	}
	return nil
}
