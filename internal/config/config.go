// Package config loads the service configuration from a config file and
// STOREFRONT_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port           int      `mapstructure:"port"`
	Environment    string   `mapstructure:"environment"` // development | production
	LogLevel       string   `mapstructure:"log_level"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	BaseURL        string   `mapstructure:"base_url"` // public URL used in email links

	DatabaseURL string `mapstructure:"database_url"`
	RedisAddr   string `mapstructure:"redis_addr"`
	RedisPass   string `mapstructure:"redis_pass"`

	SessionSecret string `mapstructure:"session_secret"`
	SessionTTLMin int    `mapstructure:"session_ttl_min"`

	SMTPAddr string `mapstructure:"smtp_addr"`
	SMTPUser string `mapstructure:"smtp_user"`
	SMTPPass string `mapstructure:"smtp_pass"`
	SMTPFrom string `mapstructure:"smtp_from"`

	MetricsOn     bool `mapstructure:"metrics_on"`
	ShutdownSec   int  `mapstructure:"shutdown_sec"`
	RequestSec    int  `mapstructure:"request_sec"`    // HTTP read/write timeout
	DependencySec int  `mapstructure:"dependency_sec"` // store/mail operation timeout
}

func (c *Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/storefront/")
	viper.AddConfigPath(".")

	viper.SetDefault("port", 8080)
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("allowed_origins", []string{"*"})
	viper.SetDefault("base_url", "http://localhost:8080")
	viper.SetDefault("database_url", "postgres://localhost:5432/storefront?sslmode=disable")
	viper.SetDefault("redis_addr", "localhost:6379")
	viper.SetDefault("redis_pass", "")
	viper.SetDefault("session_secret", "")
	viper.SetDefault("session_ttl_min", 12*60)
	viper.SetDefault("smtp_addr", "localhost:1025")
	viper.SetDefault("smtp_user", "")
	viper.SetDefault("smtp_pass", "")
	viper.SetDefault("smtp_from", "OrchardMart <no-reply@orchardmart.example>")
	viper.SetDefault("metrics_on", true)
	viper.SetDefault("shutdown_sec", 15)
	viper.SetDefault("request_sec", 30)
	viper.SetDefault("dependency_sec", 10)

	viper.SetEnvPrefix("STOREFRONT")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No config file; defaults and env vars apply.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if len(cfg.SessionSecret) < 32 {
		return nil, fmt.Errorf("session_secret must be at least 32 bytes")
	}
	return &cfg, nil
}
