// Package config loads the tiered-cache YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AuthToken       string        `yaml:"auth_token"` // bearer token; empty disables auth
}

// CacheConfig holds L1 vector cache configuration.
type CacheConfig struct {
	Dimension            int           `yaml:"dimension"`
	MaxSize              int           `yaml:"max_size"`
	PromotionThreshold   int           `yaml:"promotion_threshold"`
	PromotionRequeueStep int           `yaml:"promotion_requeue_step"`
	PromotionInterval    time.Duration `yaml:"promotion_interval"`
}

// OutboxConfig holds outbox and poller configuration.
type OutboxConfig struct {
	Path              string        `yaml:"path"`
	RetryLimit        int           `yaml:"retry_limit"`
	BatchSize         int           `yaml:"batch_size"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
}

// MetricsConfig holds metrics export configuration.
type MetricsConfig struct {
	Prometheus   bool   `yaml:"prometheus"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
	File   string `yaml:"file"`   // optional JSON log file, written alongside stderr
}

// Config is the complete service configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Cache   CacheConfig   `yaml:"cache"`
	Outbox  OutboxConfig  `yaml:"outbox"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Cache: CacheConfig{
			Dimension:            384,
			MaxSize:              10000,
			PromotionThreshold:   5,
			PromotionRequeueStep: 2,
			PromotionInterval:    5 * time.Second,
		},
		Outbox: OutboxConfig{
			Path:              "./tiered-cache.db",
			RetryLimit:        3,
			BatchSize:         10,
			VisibilityTimeout: 30 * time.Second,
			PollInterval:      1 * time.Second,
		},
		Metrics: MetricsConfig{
			Prometheus: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the components reject.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if c.Cache.Dimension <= 0 {
		errs = append(errs, fmt.Errorf("cache.dimension must be positive, got %d", c.Cache.Dimension))
	}
	if c.Cache.MaxSize <= 0 {
		errs = append(errs, fmt.Errorf("cache.max_size must be positive, got %d", c.Cache.MaxSize))
	}
	if c.Cache.PromotionThreshold <= 0 {
		errs = append(errs, fmt.Errorf("cache.promotion_threshold must be positive, got %d", c.Cache.PromotionThreshold))
	}
	if c.Cache.PromotionRequeueStep <= 0 {
		errs = append(errs, fmt.Errorf("cache.promotion_requeue_step must be positive, got %d", c.Cache.PromotionRequeueStep))
	}
	if c.Outbox.Path == "" {
		errs = append(errs, errors.New("outbox.path is required"))
	}
	if c.Outbox.RetryLimit <= 0 {
		errs = append(errs, fmt.Errorf("outbox.retry_limit must be positive, got %d", c.Outbox.RetryLimit))
	}
	if c.Outbox.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("outbox.batch_size must be positive, got %d", c.Outbox.BatchSize))
	}
	if c.Outbox.VisibilityTimeout <= 0 {
		errs = append(errs, errors.New("outbox.visibility_timeout must be positive"))
	}
	if c.Outbox.PollInterval <= 0 {
		errs = append(errs, errors.New("outbox.poll_interval must be positive"))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}
