package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Host      HostConfig      `yaml:"host" toml:"host"`
	Script    ScriptConfig    `yaml:"script" toml:"script"`
	Logging   LogConfig       `yaml:"logging" toml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8600" yaml:"port" toml:"port"`
	Host string `envconfig:"HOST" default:"0.0.0.0" yaml:"host" toml:"host"`
}

// HostConfig holds hosted-page configuration.
type HostConfig struct {
	// PagePath optionally points to an HTML file used as the host page.
	// When empty, a built-in minimal page with the mount root is used.
	PagePath string `envconfig:"HOST_PAGE" yaml:"page_path" toml:"page_path"`
}

// ScriptConfig holds script lifecycle configuration.
type ScriptConfig struct {
	DebounceQuietMS int   `envconfig:"SCRIPT_DEBOUNCE_MS" default:"250" yaml:"debounce_quiet_ms" toml:"debounce_quiet_ms"`
	ExecTimeoutMS   int   `envconfig:"SCRIPT_EXEC_TIMEOUT_MS" default:"5000" yaml:"exec_timeout_ms" toml:"exec_timeout_ms"`
	MaxScriptBytes  int64 `envconfig:"SCRIPT_MAX_BYTES" default:"524288" yaml:"max_script_bytes" toml:"max_script_bytes"`
	FetchTimeoutMS  int   `envconfig:"SCRIPT_FETCH_TIMEOUT_MS" default:"10000" yaml:"fetch_timeout_ms" toml:"fetch_timeout_ms"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" yaml:"level" toml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" yaml:"development" toml:"development"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100" yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200" yaml:"burst" toml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true" yaml:"enabled" toml:"enabled"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadFile loads configuration from a YAML or TOML file, then applies
// environment variable overrides on top.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse toml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to apply env overrides: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8600",
			Host: "0.0.0.0",
		},
		Script: ScriptConfig{
			DebounceQuietMS: 250,
			ExecTimeoutMS:   5000,
			MaxScriptBytes:  512 * 1024,
			FetchTimeoutMS:  10000,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
