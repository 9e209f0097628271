// Package logging configures the process-wide zerolog logger shared by the
// gateway, the simulator and the library packages.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel is a textual minimum level.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum level written.
	Level LogLevel

	// Pretty switches from JSON lines to zerolog's console writer.
	Pretty bool

	// Service, when set, is attached to every line as "service".
	Service string

	// Output defaults to os.Stderr.
	Output io.Writer
}

// DefaultConfig returns info-level JSON logging to stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// Setup installs the configured logger as the global zerolog logger and
// returns it. Component loggers created afterwards with NewLogger inherit it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	zerolog.DurationFieldUnit = time.Millisecond

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	lc := zerolog.New(output).With().Timestamp()
	if cfg.Service != "" {
		lc = lc.Str("service", cfg.Service)
	}
	logger := lc.Logger()
	log.Logger = logger

	return logger
}

func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(string(level))) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger returns a child of the global logger tagged with component.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Level guidelines
//
// Debug: per-request detail
//   - scheduler dispatches (method, url, lane, dispatch)
//   - cache tombstones (key, type, reason)
//   - completed pagination runs (endpoint, pages, records)
//
// Info: lifecycle
//   - startup and shutdown
//   - cache cleanup summaries (found, deleted, failed)
//
// Warn: degraded but serving
//   - 429 responses and scheduler pauses (lane, cooldown)
//   - retry attempts (error_class, attempt, backoff)
//   - swallowed cache storage failures (operation)
//   - partial or truncated pagination results
//
// Error: a caller saw a failure
//   - requests failing after retries
//   - configuration and startup errors
//
// Common fields: component, endpoint, status, duration, error_class, attempt,
// lane, queue_length, key, type.
