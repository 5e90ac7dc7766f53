package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the engine's runtime configuration, populated from the
// environment with optional overrides from a config file.
type Config struct {
	Port int `mapstructure:"port"`

	OnstaqAPIURL          string `mapstructure:"onstaq_api_url"`
	OnstaqServiceEmail    string `mapstructure:"onstaq_service_email"`
	OnstaqServicePassword string `mapstructure:"onstaq_service_password"`

	PollIntervalMs          int `mapstructure:"poll_interval_ms"`
	MinPollIntervalMs       int `mapstructure:"min_poll_interval_ms"`
	MaxConcurrentExecutions int `mapstructure:"max_concurrent_executions"`

	DatabaseURL string `mapstructure:"database_url"`
}

// PollInterval returns the effective poll interval, never below the minimum.
func (c Config) PollInterval() time.Duration {
	interval := c.PollIntervalMs
	if interval < c.MinPollIntervalMs {
		interval = c.MinPollIntervalMs
	}
	return time.Duration(interval) * time.Millisecond
}

// Load reads configuration from the environment and an optional config file.
func Load(configFile string) (Config, error) {
	v := viper.New()

	v.SetDefault("port", 8080)
	v.SetDefault("onstaq_api_url", "http://localhost:3000")
	v.SetDefault("poll_interval_ms", 60000)
	v.SetDefault("min_poll_interval_ms", 10000)
	v.SetDefault("max_concurrent_executions", 10)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{
		"port",
		"onstaq_api_url",
		"onstaq_service_email",
		"onstaq_service_password",
		"poll_interval_ms",
		"min_poll_interval_ms",
		"max_concurrent_executions",
		"database_url",
	} {
		if err := v.BindEnv(key); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	normalize(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	cfg.OnstaqAPIURL = strings.TrimRight(strings.TrimSpace(cfg.OnstaqAPIURL), "/")
	cfg.OnstaqServiceEmail = strings.TrimSpace(cfg.OnstaqServiceEmail)
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	if cfg.MaxConcurrentExecutions <= 0 {
		cfg.MaxConcurrentExecutions = 10
	}
	if cfg.MinPollIntervalMs <= 0 {
		cfg.MinPollIntervalMs = 10000
	}
	if cfg.PollIntervalMs <= 0 {
		cfg.PollIntervalMs = 60000
	}
}

func validate(cfg Config) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.OnstaqAPIURL == "" {
		return fmt.Errorf("ONSTAQ_API_URL is required")
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}
