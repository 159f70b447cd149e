package eventbus

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the file form of the bus options.
//
// Example config.yaml:
//
//	name: orders
//	workers: 8
//	queue_size: 256
//	tracing: false
//	handler_timeout: 5s
//	log_level: debug
type Config struct {
	Name               string        `yaml:"name" json:"name"`
	Workers            int           `yaml:"workers" json:"workers"`
	QueueSize          int           `yaml:"queue_size" json:"queue_size"`
	Tracing            *bool         `yaml:"tracing" json:"tracing"`
	Metrics            *bool         `yaml:"metrics" json:"metrics"`
	Recovery           *bool         `yaml:"recovery" json:"recovery"`
	DeadEvents         *bool         `yaml:"dead_events" json:"dead_events"`
	StrictRegistration bool          `yaml:"strict_registration" json:"strict_registration"`
	HandlerTimeout     time.Duration `yaml:"handler_timeout" json:"handler_timeout"`
	LogLevel           string        `yaml:"log_level" json:"log_level"`
}

// LoadConfig loads configuration from a file, auto-detecting format by extension.
// Supported extensions: .yaml, .yml, .json
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml", ".json":
		return ParseConfig(data)
	default:
		return nil, fmt.Errorf("unsupported config file extension: %s", ext)
	}
}

// ParseConfig parses YAML or JSON data into a Config. Durations are written
// as strings such as "250ms" or "5s".
func ParseConfig(data []byte) (*Config, error) {
	var c Config
	// JSON documents are valid YAML
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the config values.
func (c *Config) Validate() error {
	var errs []error
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must not be negative, got %d", c.Workers))
	}
	if c.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("queue_size must not be negative, got %d", c.QueueSize))
	}
	if c.HandlerTimeout < 0 {
		errs = append(errs, fmt.Errorf("handler_timeout must not be negative, got %s", c.HandlerTimeout))
	}
	if c.LogLevel != "" {
		if _, err := parseLevel(c.LogLevel); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Options converts the config into bus options. Unset fields keep the bus
// defaults.
func (c *Config) Options() []BusOption {
	var opts []BusOption
	if c.Workers > 0 {
		opts = append(opts, WithWorkers(c.Workers))
	}
	if c.QueueSize > 0 {
		opts = append(opts, WithQueueSize(c.QueueSize))
	}
	if c.Tracing != nil {
		opts = append(opts, WithTracing(*c.Tracing))
	}
	if c.Metrics != nil {
		opts = append(opts, WithMetrics(*c.Metrics))
	}
	if c.Recovery != nil {
		opts = append(opts, WithRecovery(*c.Recovery))
	}
	if c.DeadEvents != nil {
		opts = append(opts, WithDeadEvents(*c.DeadEvents))
	}
	if c.StrictRegistration {
		opts = append(opts, WithStrictRegistration(true))
	}
	if c.HandlerTimeout > 0 {
		opts = append(opts, WithMiddleware(TimeoutMiddleware(c.HandlerTimeout)))
	}
	if level, err := parseLevel(c.LogLevel); err == nil && c.LogLevel != "" {
		opts = append(opts, WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))))
	}
	return opts
}

// NewBusFromConfig creates a bus from c. opts are applied after the config
// options and take precedence.
func NewBusFromConfig(c *Config, opts ...BusOption) (*Bus, error) {
	if c == nil {
		c = &Config{}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return NewBus(c.Name, append(c.Options(), opts...)...), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("invalid log_level %q", s)
	}
	return level, nil
}
