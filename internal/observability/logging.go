package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger creates a structured JSON logger for one component.
// Level comes from FEDERATION_LOG_LEVEL, info by default.
func NewLogger(component string) zerolog.Logger {
	return NewLoggerWithLevel(component, ParseLogLevel(os.Getenv("FEDERATION_LOG_LEVEL")))
}

// NewLoggerWithLevel creates a logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return newLogger(os.Stdout, component, level)
}

// NopLogger discards everything. Used where a logger is optional.
func NopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func newLogger(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// ParseLogLevel maps a level name to a zerolog level, defaulting to info.
func ParseLogLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
