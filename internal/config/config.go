// ============================================================================
// Beaver-Relay Configuration
// ============================================================================
//
// Package: internal/config
// Purpose: load relay.yaml (data root, retry policy overrides, lock
// timeout, metrics toggle). Adapted from the teacher's internal/cli.Config
// pattern (YAML-tagged struct + yaml.v3.Unmarshal), generalized from a
// single run command's flat file into the relay binary's per-subcommand
// settings.
//
// Absence of the config file is not an error: Load returns Default()
// untouched when path does not exist, matching SPEC_FULL.md §6's "--config
// (default relay.yaml, optional -- absence is not an error)".
//
// ============================================================================

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RetryPolicy overrides one message-type retry schedule (spec §4.12).
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Factor      float64       `yaml:"factor"`
	AckTimeout  time.Duration `yaml:"ack_timeout"`
}

// Config is the complete relay.yaml structure.
type Config struct {
	DataRoot string `yaml:"data_root"`

	Lock struct {
		TimeoutSeconds int `yaml:"timeout_seconds"`
	} `yaml:"lock"`

	Retry struct {
		Urgent  *RetryPolicy `yaml:"urgent,omitempty"`
		Default *RetryPolicy `yaml:"default,omitempty"`
	} `yaml:"retry"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`

	Logging struct {
		JSON  bool   `yaml:"json"`
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Default returns the configuration relay runs with when no config file is
// present or a field is left unset.
func Default() Config {
	var cfg Config
	cfg.DataRoot = "."
	cfg.Lock.TimeoutSeconds = 30
	cfg.Metrics.Enabled = false
	cfg.Metrics.Addr = "127.0.0.1:9090"
	cfg.Logging.Level = "info"
	return cfg
}

// Load reads path and overlays it onto Default(). A missing file is not an
// error; a present-but-unparsable file is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
