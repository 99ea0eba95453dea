// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

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

	// FilePrefix, when non-empty, tees all log output into a timestamped
	// file "<FilePrefix>_<YYYY-MM-DD_hh-mm-ss>.log" so every collection
	// run leaves its own log trail.
	FilePrefix string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	var output io.Writer = cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	// A log file that cannot be opened must not prevent collection;
	// console output alone is acceptable.
	if cfg.FilePrefix != "" {
		if fw, err := openLogFile(cfg.FilePrefix); err == nil {
			output = zerolog.MultiLevelWriter(output, fw)
		}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// openLogFile creates the per-run log file.
func openLogFile(prefix string) (io.Writer, error) {
	name := fmt.Sprintf("%s_%s.log", prefix, time.Now().Format("2006-01-02_15-04-05"))
	return os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
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
//   - Full request bodies (cursor tokens, intervals)
//   - Per-page writer decisions
//
// Info: Normal operation events
//   - Page fetched (bytes, duration, throughput)
//   - Batch written (records, bytes, throughput)
//   - Run started/completed
//
// Warn: Warning conditions that don't prevent operation
//   - Retry attempts and backoff waits
//   - Rate-limit cooldowns
//   - Page ceiling reached (partial result)
//
// Error: Error conditions requiring attention
//   - Failed requests (after retries)
//   - Malformed responses
//   - Writer I/O failures
//
// Context Fields:
//   - endpoint: orchestrator endpoint path
//   - seq: page sequence number
//   - window: sub-window index
//   - status_code: HTTP status code
//   - error_class: classification (transient, rate_limited, permanent, malformed)
//   - records / bytes / duration: transfer telemetry
