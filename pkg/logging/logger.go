// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// File, when set, receives a JSON copy of every record.
	// The file is truncated on Setup.
	File string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup configures the global zerolog logger.
// The returned closer releases the log file, if one was opened.
func Setup(cfg Config) (zerolog.Logger, io.Closer, error) {
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var output io.Writer = out
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: out}
	}

	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return zerolog.Nop(), closer, fmt.Errorf("open log file: %w", err)
		}
		output = zerolog.MultiLevelWriter(output, f)
		closer = f
	}

	logger := zerolog.New(output).With().Timestamp().Int("pid", os.Getpid()).Logger()

	log.Logger = logger

	return logger, closer, nil
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
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

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Cache operations (hit/miss, key, TTL)
//   - Individual query dispatch
//   - Worker start/stop
//
// Info: Normal operation events
//   - Per-country success, staged part written
//   - Batch boundaries and success rates
//   - Pass boundaries, final merge
//
// Warn: Warning conditions that don't prevent operation
//   - Per-country failure (staged for retry)
//   - Retry attempts, Retry-After backoff
//   - Cache errors (fallback to direct request)
//
// Error: Error conditions requiring attention
//   - Queries failing after all retries inside a pass
//   - Unreadable staged records
//   - Configuration errors
//
// Context Fields:
//   - key: staging key (country code + continent code)
//   - country, continent: WikiData entity IDs
//   - batch_start, batch_end: span bounds within the job list
//   - success_rate: fraction of successful jobs in a span
//   - pass: retry pass number (1 = initial run)
//   - error_class: client, server, rate_limit, network, decode
//   - attempt: retry attempt number
//   - run_id: UUID of one harvest run
