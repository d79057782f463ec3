package logger

import (
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init initializes the logger. format is "json", "console" or "auto"; auto
// picks console output when stdout is a terminal.
func Init(level, format string) {
	// Set log level
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Logger = zerolog.New(writer(format, os.Stdout)).With().Timestamp().Logger()
}

func writer(format string, out *os.File) io.Writer {
	if format == "auto" {
		format = "json"
		if isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd()) {
			format = "console"
		}
	}
	if format == "console" {
		return zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}
	return out
}

// Get returns the global logger
func Get() zerolog.Logger {
	return log.Logger
}

// With returns a sub-logger tagged with a component name.
func With(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
