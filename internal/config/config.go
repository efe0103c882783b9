// Package config provides configuration management for the rdmacm probe.
//
// Configuration is loaded from multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (RDMACM_* prefix)
//  3. Configuration file (rdmacm.yaml)
//  4. Default values (lowest priority)
//
// Example usage:
//
//	cfg, err := config.Load("/etc/rdmacm/rdmacm.yaml", config.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalidConfig is returned when a loaded configuration fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Limits for configuration values.
const (
	// maxPrivateData mirrors the payload limit of RDMA_PS_TCP connect
	// requests after the 2-byte private data header.
	maxPrivateData = 54

	maxEventQueueDepth = 1 << 20
)

// Config holds all configuration for the probe.
type Config struct {
	// Logging
	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`

	// Communication manager configuration
	CM CMConfig `mapstructure:"cm" yaml:"cm"`

	// Metrics endpoint configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Shutdown configuration
	Shutdown ShutdownConfig `mapstructure:"shutdown" yaml:"shutdown"`

	// Probe configuration
	Probe ProbeConfig `mapstructure:"probe" yaml:"probe"`
}

// CMConfig holds communication manager configuration
type CMConfig struct {
	// DeviceName is the RDMA device identifiers resolve to (e.g., "mlx5_0")
	DeviceName string `mapstructure:"device_name" yaml:"device_name"`

	// EventQueueDepth bounds undelivered events on the CM's event channel
	EventQueueDepth int `mapstructure:"event_queue_depth" yaml:"event_queue_depth"`
}

// MetricsConfig holds Prometheus endpoint configuration
type MetricsConfig struct {
	// Enabled serves /metrics and /healthz while the probe runs
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// ListenAddr is the host:port the metrics server binds to
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// ShutdownConfig holds graceful shutdown configuration
type ShutdownConfig struct {
	// TotalTimeout bounds the whole shutdown sequence
	TotalTimeout time.Duration `mapstructure:"total_timeout" yaml:"total_timeout"`
}

// ProbeConfig holds the connect probe's behavior
type ProbeConfig struct {
	// ConnectTimeout bounds the wait for the connect callback
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`

	// PrivateData is sent to the peer in the connect request
	PrivateData string `mapstructure:"private_data" yaml:"private_data"`
}

// Options are command line overrides
type Options struct {
	LogLevel    string
	DeviceName  string
	MetricsAddr string
}

// Load loads configuration from file and applies command line options
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Load from config file if specified
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		// Try to find config in standard locations
		v.SetConfigName("rdmacm")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/rdmacm")
		v.AddConfigPath("$HOME/.rdmacm")

		// A missing file is fine, a broken one is not
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	// Environment variables override
	v.SetEnvPrefix("RDMACM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Apply command line options
	if opts.LogLevel != "" {
		v.Set("log_level", opts.LogLevel)
	}
	if opts.DeviceName != "" {
		v.Set("cm.device_name", opts.DeviceName)
	}
	if opts.MetricsAddr != "" {
		v.Set("metrics.listen_addr", opts.MetricsAddr)
	}

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Logging
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")

	// CM defaults
	v.SetDefault("cm.device_name", "mlx5_0")
	v.SetDefault("cm.event_queue_depth", 1024)

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", "127.0.0.1:9464")

	// Shutdown defaults
	v.SetDefault("shutdown.total_timeout", 10*time.Second)

	// Probe defaults
	v.SetDefault("probe.connect_timeout", 5*time.Second)
	v.SetDefault("probe.private_data", "")
}

func (c *Config) validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log_level %q", ErrInvalidConfig, c.LogLevel)
	}

	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("%w: log_format must be console or json, got %q", ErrInvalidConfig, c.LogFormat)
	}

	if c.CM.DeviceName == "" {
		return fmt.Errorf("%w: cm.device_name is required", ErrInvalidConfig)
	}

	if c.CM.EventQueueDepth <= 0 || c.CM.EventQueueDepth > maxEventQueueDepth {
		return fmt.Errorf("%w: cm.event_queue_depth must be in [1, %d], got %d",
			ErrInvalidConfig, maxEventQueueDepth, c.CM.EventQueueDepth)
	}

	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.ListenAddr); err != nil {
			return fmt.Errorf("%w: metrics.listen_addr: %v", ErrInvalidConfig, err)
		}
	}

	if c.Shutdown.TotalTimeout <= 0 {
		return fmt.Errorf("%w: shutdown.total_timeout must be positive", ErrInvalidConfig)
	}

	if c.Probe.ConnectTimeout <= 0 {
		return fmt.Errorf("%w: probe.connect_timeout must be positive", ErrInvalidConfig)
	}

	if len(c.Probe.PrivateData) > maxPrivateData {
		return fmt.Errorf("%w: probe.private_data is %d bytes, max %d",
			ErrInvalidConfig, len(c.Probe.PrivateData), maxPrivateData)
	}

	return nil
}
