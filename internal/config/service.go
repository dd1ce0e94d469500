// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// SERVICE CONFIG STRUCTURES
// =============================================================================

// Service represents the complete modelgate service configuration.
type Service struct {
	// Server settings
	Server ServerConfig `toml:"server"`

	// Database settings
	Database DatabaseConfig `toml:"database"`

	// Secrets settings
	Secrets SecretsConfig `toml:"secrets"`

	// Logging settings
	Log LogConfig `toml:"log"`
}

// ServerConfig contains the HTTP listener configuration.
type ServerConfig struct {
	// Listen is the address the HTTP server binds to
	Listen string `toml:"listen"`
	// AuthToken is the bearer token required on every request (empty
	// disables auth; only sensible behind a trusted proxy)
	AuthToken string `toml:"auth_token"`
	// RateLimitPerSecond is the per-client request rate (0 disables limiting)
	RateLimitPerSecond float64 `toml:"rate_limit_per_second"`
	// RateLimitBurst is the per-client burst allowance
	RateLimitBurst int `toml:"rate_limit_burst"`
}

// DatabaseConfig contains the SQLite configuration.
type DatabaseConfig struct {
	// Path is the SQLite database file path
	Path string `toml:"path"`
}

// SecretsConfig contains credential encryption configuration.
type SecretsConfig struct {
	// SaltPath is where the PBKDF2 salt file lives
	SaltPath string `toml:"salt_path"`
	// MasterKeyEnv names the environment variable holding the master key.
	// The key itself never appears in the config file.
	MasterKeyEnv string `toml:"master_key_env"`
}

// LogConfig contains logging configuration.
type LogConfig struct {
	// Level is the minimum log level: debug, info, warn, error
	Level string `toml:"level"`
	// Pretty enables human-readable console output instead of JSON
	Pretty bool `toml:"pretty"`
}

// =============================================================================
// DEFAULTS AND LOADING
// =============================================================================

// DefaultService returns the default service configuration.
func DefaultService() *Service {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".modelgate")
	return &Service{
		Server: ServerConfig{
			Listen:             "127.0.0.1:8080",
			RateLimitPerSecond: 10,
			RateLimitBurst:     20,
		},
		Database: DatabaseConfig{
			Path: filepath.Join(dataDir, "modelgate.db"),
		},
		Secrets: SecretsConfig{
			SaltPath:     filepath.Join(dataDir, "salt"),
			MasterKeyEnv: "MODELGATE_MASTER_KEY",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadService loads the service configuration: defaults, then the TOML file
// at path (if it exists), then environment overrides, then validation.
func LoadService(path string) (*Service, error) {
	cfg := DefaultService()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	applyServiceEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyServiceEnv overlays MODELGATE_* environment variables.
func applyServiceEnv(cfg *Service) {
	if v := os.Getenv("MODELGATE_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("MODELGATE_AUTH_TOKEN"); v != "" {
		cfg.Server.AuthToken = v
	}
	if v := os.Getenv("MODELGATE_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Server.RateLimitPerSecond = f
		}
	}
	if v := os.Getenv("MODELGATE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("MODELGATE_SALT_PATH"); v != "" {
		cfg.Secrets.SaltPath = v
	}
	if v := os.Getenv("MODELGATE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate validates the service configuration and returns any errors.
func (c *Service) Validate() error {
	var errs ValidateErrors

	if c.Server.Listen == "" {
		errs = append(errs, ValidationError{
			Field:   "server.listen",
			Message: "listen address cannot be empty",
		})
	} else if _, err := url.Parse("http://" + c.Server.Listen); err != nil {
		errs = append(errs, ValidationError{
			Field:   "server.listen",
			Message: fmt.Sprintf("invalid listen address: %v", err),
		})
	}

	if c.Server.RateLimitPerSecond < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.rate_limit_per_second",
			Message: "rate limit cannot be negative",
		})
	}
	if c.Server.RateLimitBurst < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.rate_limit_burst",
			Message: "rate limit burst cannot be negative",
		})
	}

	if c.Database.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "database.path",
			Message: "database path cannot be empty",
		})
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "log.level",
			Message: fmt.Sprintf("invalid log level %q (must be debug, info, warn, or error)", c.Log.Level),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
