package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

const serviceName = "perppool"

// NewLogger creates a component logger writing JSON to stdout.
// PERP_LOG_LEVEL sets the level (default info). PERP_LOG_FORMAT=console
// switches to human-readable output for local runs.
func NewLogger(component string) zerolog.Logger {
	return newLogger(os.Stdout, component, os.Getenv("PERP_LOG_LEVEL"), os.Getenv("PERP_LOG_FORMAT"))
}

func newLogger(w io.Writer, component, level, format string) zerolog.Logger {
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).
		Level(parseLogLevel(level)).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("component", component).
		Logger()
}

func parseLogLevel(s string) zerolog.Level {
	switch s {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	// RFC3339 timestamps with sub-second precision
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
