// Package config provides configuration management for rdmaio.
//
// Configuration is loaded from multiple sources with the following
// precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (RDMAIO_* prefix)
//  3. Configuration file (rdmaio.yaml)
//  4. Default values (lowest priority)
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the engine.
type Config struct {
	// Side-channel server/client settings.
	Address        string `mapstructure:"address"`
	Port           uint16 `mapstructure:"port"`
	TimeoutMS      int    `mapstructure:"timeout_ms"`
	Nonblocking    bool   `mapstructure:"nonblocking"`
	MaxConnections int    `mapstructure:"max_connections"`
	ListenBacklog  int    `mapstructure:"listen_backlog"`

	// Device and queue geometry.
	Device DeviceConfig `mapstructure:"device"`

	// Metrics endpoint ("" disables the listener).
	MetricsAddress string `mapstructure:"metrics_address"`

	// Logging.
	LogLevel string `mapstructure:"log_level"`
}

// DeviceConfig selects the device and sizes the per-connection queues.
type DeviceConfig struct {
	Name        string `mapstructure:"name"`
	SQSize      int    `mapstructure:"sq_size"`
	RQSize      int    `mapstructure:"rq_size"`
	LogRQStride int    `mapstructure:"log_rq_stride"`
	LogCQSize   int    `mapstructure:"log_cq_size"`
	MRSize      int    `mapstructure:"mr_size"`
	MaxRDAtomic int    `mapstructure:"max_rd_atomic"`
}

// Options are command line overrides.
type Options struct {
	Address string
	Port    int
}

// Load loads configuration from file and applies command line options.
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("rdmaio")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/rdmaio")
		v.AddConfigPath("$HOME/.rdmaio")

		// Ignore error if config file not found
		_ = v.ReadInConfig()
	}

	v.SetEnvPrefix("RDMAIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Address != "" {
		v.Set("address", opts.Address)
	}
	if opts.Port != 0 {
		v.Set("port", opts.Port)
	}

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
	v.SetDefault("address", "0.0.0.0")
	v.SetDefault("port", 18515)
	v.SetDefault("timeout_ms", 5000)
	v.SetDefault("nonblocking", false)
	v.SetDefault("max_connections", 16)
	v.SetDefault("listen_backlog", 10)

	v.SetDefault("device.name", "rdmasim0")
	v.SetDefault("device.sq_size", 128)
	v.SetDefault("device.rq_size", 64)
	v.SetDefault("device.log_rq_stride", 2)
	v.SetDefault("device.log_cq_size", 9)
	v.SetDefault("device.mr_size", 1<<20)
	v.SetDefault("device.max_rd_atomic", 1)

	v.SetDefault("metrics_address", "")
	v.SetDefault("log_level", "info")
}

func (c *Config) validate() error {
	if c.TimeoutMS <= 0 {
		return fmt.Errorf("timeout_ms must be positive, got %d", c.TimeoutMS)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive, got %d", c.MaxConnections)
	}
	for _, q := range []struct {
		name string
		val  int
	}{
		{"device.sq_size", c.Device.SQSize},
		{"device.rq_size", c.Device.RQSize},
	} {
		if q.val <= 0 || q.val&(q.val-1) != 0 {
			return fmt.Errorf("%s must be a power of two, got %d", q.name, q.val)
		}
	}
	if c.Device.LogCQSize <= 0 || c.Device.LogCQSize > 22 {
		return fmt.Errorf("device.log_cq_size out of range: %d", c.Device.LogCQSize)
	}
	if c.Device.MRSize <= 0 {
		return fmt.Errorf("device.mr_size must be positive, got %d", c.Device.MRSize)
	}
	return nil
}
