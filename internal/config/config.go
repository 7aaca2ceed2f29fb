// Package config loads the relay configuration. Values come, in increasing
// precedence, from built-in defaults, an optional yaml file, and environment
// variables; flag overrides are applied by the binary on top.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the relay configuration. LogLevel is reloadable at runtime
// via Watch; the rest is fixed at startup.
type Config struct {
	// Addr is the listen address, e.g. ":8081".
	Addr string `yaml:"addr"`
	// RedisAddr enables redis pub/sub fan-out when non-empty.
	RedisAddr string `yaml:"redisAddr"`
	// PostgresURL enables room snapshot persistence when non-empty.
	PostgresURL string `yaml:"postgresUrl"`
	// MDNS controls zeroconf advertisement of the relay on the LAN.
	MDNS bool `yaml:"mdns"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"logLevel"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Addr:     ":8081",
		MDNS:     true,
		LogLevel: "info",
	}
}

// Load builds the configuration from defaults, then the yaml file at path
// (skipped when path is empty or the file does not exist), then environment
// variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Missing file is fine, env and defaults still apply.
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	if _, err := cfg.SlogLevel(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("COLLABSYNC_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.PostgresURL = v
	}
	if v := os.Getenv("COLLABSYNC_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// SlogLevel maps LogLevel to a slog level.
func (c *Config) SlogLevel() (slog.Level, error) {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", c.LogLevel)
	}
}
