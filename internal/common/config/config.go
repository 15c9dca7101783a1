// Package config provides configuration management for the ARServer hub.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the hub.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Project   ServiceConfig   `mapstructure:"project"`
	Scene     ServiceConfig   `mapstructure:"scene"`
	Build     ServiceConfig   `mapstructure:"build"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Data      DataConfig      `mapstructure:"data"`
	Streaming StreamingConfig `mapstructure:"streaming"`
	Lock      LockConfig      `mapstructure:"lock"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds the listening endpoint for the client gateway.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// ExecutionConfig holds the execution runtime connection settings.
type ExecutionConfig struct {
	URL              string `mapstructure:"url"`
	ReconnectDelayMs int    `mapstructure:"reconnectDelayMs"`
}

// ServiceConfig holds the base URL of an external REST collaborator.
type ServiceConfig struct {
	URL string `mapstructure:"url"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects
// the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DataConfig holds the local data directory (URDF packages).
type DataConfig struct {
	Path string `mapstructure:"path"`
}

// StreamingConfig holds robot telemetry streaming settings.
type StreamingConfig struct {
	PeriodMs int `mapstructure:"periodMs"`
}

// LockConfig holds cooperative lock retry settings.
type LockConfig struct {
	Retries     int `mapstructure:"retries"`
	RetryWaitMs int `mapstructure:"retryWaitMs"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReconnectDelay returns the execution reconnect delay as a time.Duration.
func (e *ExecutionConfig) ReconnectDelay() time.Duration {
	return time.Duration(e.ReconnectDelayMs) * time.Millisecond
}

// Period returns the streaming period as a time.Duration.
func (s *StreamingConfig) Period() time.Duration {
	return time.Duration(s.PeriodMs) * time.Millisecond
}

// RetryWait returns the lock retry delay as a time.Duration.
func (l *LockConfig) RetryWait() time.Duration {
	return time.Duration(l.RetryWaitMs) * time.Millisecond
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 6789)

	v.SetDefault("execution.url", "ws://0.0.0.0:6790")
	v.SetDefault("execution.reconnectDelayMs", 1000)

	v.SetDefault("project.url", "http://0.0.0.0:10000")
	v.SetDefault("scene.url", "http://0.0.0.0:5013")
	v.SetDefault("build.url", "http://0.0.0.0:5008")

	// NATS defaults - empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "arserver")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("data.path", "/tmp/arserver-data")

	v.SetDefault("streaming.periodMs", 100)

	v.SetDefault("lock.retries", 13)
	v.SetDefault("lock.retryWaitMs", 150)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the ARCOR2 prefix; the documented platform
// variables (ARCOR2_ARSERVER_PORT, ARCOR2_EXECUTION_URL, ...) are bound
// explicitly because their naming predates the config key layout.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ARCOR2")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Platform-wide env vars whose names do not follow the section.key scheme.
	_ = v.BindEnv("server.port", "ARCOR2_ARSERVER_PORT")
	_ = v.BindEnv("execution.url", "ARCOR2_EXECUTION_URL")
	_ = v.BindEnv("project.url", "ARCOR2_PROJECT_SERVICE_URL")
	_ = v.BindEnv("scene.url", "ARCOR2_SCENE_SERVICE_URL")
	_ = v.BindEnv("build.url", "ARCOR2_BUILD_URL")
	_ = v.BindEnv("data.path", "ARCOR2_DATA_PATH")
	_ = v.BindEnv("streaming.periodMs", "ARCOR2_STREAMING_PERIOD")
	_ = v.BindEnv("nats.url", "ARCOR2_NATS_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/arserver/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Execution.URL == "" {
		errs = append(errs, "execution.url is required")
	}
	if cfg.Project.URL == "" {
		errs = append(errs, "project.url is required")
	}
	if cfg.Scene.URL == "" {
		errs = append(errs, "scene.url is required")
	}

	if cfg.Streaming.PeriodMs <= 0 {
		errs = append(errs, "streaming.periodMs must be positive")
	}
	if cfg.Lock.Retries <= 0 {
		errs = append(errs, "lock.retries must be positive")
	}
	if cfg.Lock.RetryWaitMs < 0 {
		errs = append(errs, "lock.retryWaitMs must not be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
