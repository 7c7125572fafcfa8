// ============================================================================
// Beaver-Relay Logging
// ============================================================================
//
// Package: internal/logging
// Purpose: component-scoped structured logging, console by default, JSON
// with RELAY_LOG_JSON=1 or --log-json (spec.md SPEC_FULL.md A2). Adapted
// from cuemby-warren's pkg/log: a package-level Init plus WithComponent
// child-logger helpers, generalized to relay's team/command scoping
// instead of node/service/task scoping.
//
// ============================================================================

package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config controls how New builds a logger.
type Config struct {
	JSON   bool
	Level  string
	Output io.Writer
}

// New builds a base logger per cfg. Unknown or empty levels fall back to
// info, matching the teacher's default-case behavior in pkg/log.Init.
func New(cfg Config) zerolog.Logger {
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if cfg.JSON {
		return zerolog.New(output).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        output,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithTeam returns a child logger scoped to one team.
func WithTeam(base zerolog.Logger, team string) zerolog.Logger {
	return base.With().Str("team", team).Logger()
}

// WithCommand returns a child logger scoped to one CLI command.
func WithCommand(base zerolog.Logger, command string) zerolog.Logger {
	return base.With().Str("command", command).Logger()
}
