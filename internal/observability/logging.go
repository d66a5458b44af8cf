package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger creates the logger of one ledger component.
// ABR_LOG_LEVEL sets the level (default info), ABR_LOG_FORMAT=console switches
// to human-readable output for local runs.
func NewLogger(component string) zerolog.Logger {
	return NewLoggerWithLevel(component, ParseLogLevel(os.Getenv("ABR_LOG_LEVEL")))
}

// NewLoggerWithLevel creates a component logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return NewComponentLogger(logOutput(os.Getenv("ABR_LOG_FORMAT")), component, level)
}

// NewComponentLogger writes JSON lines tagged with service and component to w.
func NewComponentLogger(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", "abrledger").
		Str("component", component).
		Logger()
}

func logOutput(format string) io.Writer {
	if strings.EqualFold(format, "console") {
		return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return os.Stdout
}

// ParseLogLevel maps a zerolog level name (case-insensitive) to its level.
// Empty or unknown names fall back to info.
func ParseLogLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func init() {
	// RFC3339 with sub-second precision
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
