// Package config loads and validates the server configuration from
// spindle.yaml plus environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Config is the fully merged, validated server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Sessions SessionConfig  `yaml:"sessions"`
}

// ServerConfig groups the HTTP/WebSocket listener settings.
type ServerConfig struct {
	Host             string   `yaml:"host"`
	Port             int      `yaml:"port"`
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
	// Ephemeral runs with the in-memory store instead of PostgreSQL.
	Ephemeral bool `yaml:"ephemeral"`
}

// PipelineConfig tunes the resolution pipeline.
type PipelineConfig struct {
	ScriptDeadline   time.Duration `yaml:"script_deadline"`
	ProviderTimeout  time.Duration `yaml:"provider_timeout"`
	TrackPromptState bool          `yaml:"track_prompt_state"`
}

// SessionConfig tunes the chat-session registry.
type SessionConfig struct {
	MaxActive     int           `yaml:"max_active"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// defaults returns the built-in configuration merged under user values.
func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Pipeline: PipelineConfig{
			ScriptDeadline:   30 * time.Second,
			ProviderTimeout:  300 * time.Second,
			TrackPromptState: true,
		},
		Sessions: SessionConfig{
			MaxActive:     100,
			SweepInterval: time.Minute,
		},
	}
}

// Initialize loads, merges, and validates configuration.
//
// Steps performed:
//  1. Load spindle.yaml from configDir (a missing file means defaults)
//  2. Expand ${VAR} environment references
//  3. Merge over built-in defaults
//  4. Validate
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)

	cfg := Config{}
	path := filepath.Join(configDir, "spindle.yaml")
	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		log.Info("no spindle.yaml found, using defaults")
	case err != nil:
		return nil, NewLoadError(path, err)
	default:
		expanded := os.ExpandEnv(string(raw))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, NewLoadError(path, err)
		}
	}

	if err := mergo.Merge(&cfg, defaults()); err != nil {
		return nil, fmt.Errorf("failed to merge defaults: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("configuration initialized",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"ephemeral", cfg.Server.Ephemeral)
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return NewValidationError("server", "port", fmt.Errorf("port %d out of range", cfg.Server.Port))
	}
	if cfg.Pipeline.ScriptDeadline <= 0 {
		return NewValidationError("pipeline", "script_deadline", fmt.Errorf("must be positive"))
	}
	if cfg.Pipeline.ProviderTimeout <= 0 {
		return NewValidationError("pipeline", "provider_timeout", fmt.Errorf("must be positive"))
	}
	if cfg.Sessions.MaxActive <= 0 {
		return NewValidationError("sessions", "max_active", fmt.Errorf("must be positive"))
	}
	return nil
}
