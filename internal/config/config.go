// Package config loads the asyncmy-demo CLI's configuration, grounded on
// the teacher's internal/config/config.go viper wiring.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the asyncmy-demo configuration.
type Config struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	QueryTimeout   time.Duration `mapstructure:"query_timeout"`

	EnableRateLimiting   bool    `mapstructure:"enable_rate_limiting"`
	ConnectionRatePerSec float64 `mapstructure:"connection_rate_per_sec"`
	QueryRatePerSec      float64 `mapstructure:"query_rate_per_sec"`

	EnableQueryGuard bool `mapstructure:"enable_query_guard"`

	DiagnosticsAddr  string `mapstructure:"diagnostics_addr"`
	DiagnosticsPort  int    `mapstructure:"diagnostics_port"`
	MetricsNamespace string `mapstructure:"metrics_namespace"`
}

// Load loads configuration from an optional file and the environment,
// environment variables taking precedence (spec-external ambient
// concern, per the teacher's config.Load).
func Load(configPath string) (*Config, error) {
	viper.SetDefault("host", "127.0.0.1")
	viper.SetDefault("port", 3306)
	viper.SetDefault("database", "")
	viper.SetDefault("user", "root")

	viper.SetDefault("connect_timeout", 5*time.Second)
	viper.SetDefault("query_timeout", 30*time.Second)

	viper.SetDefault("enable_rate_limiting", false)
	viper.SetDefault("connection_rate_per_sec", 50.0)
	viper.SetDefault("query_rate_per_sec", 500.0)

	viper.SetDefault("enable_query_guard", true)

	viper.SetDefault("diagnostics_addr", "0.0.0.0")
	viper.SetDefault("diagnostics_port", 50061)
	viper.SetDefault("metrics_namespace", "asyncmy")

	if configPath != "" {
		viper.SetConfigFile(configPath)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("ASYNCMY")

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate rejects configurations that would fail immediately anyway.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host must not be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive")
	}
	return nil
}
