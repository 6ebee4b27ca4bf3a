package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Output formats accepted by NewWithFormat.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// New returns a JSON logger on stdout at info level.
func New() zerolog.Logger {
	return NewWithLevel("info")
}

// NewWithLevel returns a JSON stdout logger at the given level. Unknown levels fall back to info.
func NewWithLevel(level string) zerolog.Logger {
	return NewWithFormat(level, FormatJSON)
}

// NewWithFormat returns a stdout logger. The console format is meant for
// interactive use; anything else logs JSON lines.
func NewWithFormat(level, format string) zerolog.Logger {
	return newLogger(writerFor(os.Stdout, format), level)
}

// ForService scopes a logger to one managed service.
func ForService(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("service", name).Logger()
}

func writerFor(out io.Writer, format string) io.Writer {
	if strings.EqualFold(strings.TrimSpace(format), FormatConsole) {
		return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return out
}

func newLogger(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Logger()
}

func parseLevel(value string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}
