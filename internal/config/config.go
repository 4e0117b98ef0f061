// Package config loads ghcoord settings from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables consulted by Load, highest precedence first.
const (
	EnvDatabase     = "GHCOORD_DATABASE"
	EnvDatabaseURL  = "DATABASE_URL"
	EnvPollInterval = "GHCOORD_POLL_INTERVAL"
	EnvLogLevel     = "GHCOORD_LOG_LEVEL"
)

// Config is the full ghcoord configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Subscribe SubscribeConfig `yaml:"subscribe"`
	Log       LogConfig       `yaml:"log"`
}

// DatabaseConfig locates and tunes the SQLite database.
type DatabaseConfig struct {
	Path         string        `yaml:"path"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	BusyTimeout  time.Duration `yaml:"busy_timeout"`
}

// SubscribeConfig tunes subscriptions.
type SubscribeConfig struct {
	// PollInterval, when positive, wakes every live subscription at this
	// interval so rows committed by other processes are noticed. Zero keeps
	// wake-ups purely local.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// LogConfig selects the log level and handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			Path:         "ghcoord.db",
			MaxOpenConns: 4,
			BusyTimeout:  5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv(EnvDatabase); v != "" {
		c.Database.Path = v
	} else if v := getenv(EnvDatabaseURL); v != "" {
		path, err := PathFromURL(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDatabaseURL, err)
		}
		c.Database.Path = path
	}

	if v := getenv(EnvPollInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPollInterval, err)
		}
		c.Subscribe.PollInterval = d
	}

	if v := getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	return nil
}

// PathFromURL turns a DATABASE_URL style value into a SQLite path.
// Accepted: "sqlite://relative.db", "sqlite:///abs/path.db", "file:..." URIs
// (returned unchanged) and bare paths.
func PathFromURL(raw string) (string, error) {
	switch {
	case strings.HasPrefix(raw, "sqlite://"):
		path := strings.TrimPrefix(raw, "sqlite://")
		if path == "" {
			return "", errors.New("sqlite URL has no path")
		}
		return path, nil
	case strings.HasPrefix(raw, "sqlite:"):
		return strings.TrimPrefix(raw, "sqlite:"), nil
	case strings.HasPrefix(raw, "file:"):
		return raw, nil
	case strings.Contains(raw, "://"):
		scheme, _, _ := strings.Cut(raw, "://")
		return "", fmt.Errorf("unsupported database scheme %q", scheme)
	default:
		return raw, nil
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	var problems []string
	if c.Database.Path == "" {
		problems = append(problems, "database.path is required")
	}
	if c.Database.MaxOpenConns < 1 {
		problems = append(problems, "database.max_open_conns must be at least 1")
	}
	if c.Database.BusyTimeout < 0 {
		problems = append(problems, "database.busy_timeout must not be negative")
	}
	if c.Subscribe.PollInterval < 0 {
		problems = append(problems, "subscribe.poll_interval must not be negative")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q is not one of text, json", c.Log.Format))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
