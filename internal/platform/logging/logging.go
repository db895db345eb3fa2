// Package logging configures the daemon's zerolog root logger and provides
// the helpers shared by every component that needs one.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const snippetMax = 256

// Init builds the root logger. format is "console" or "json"; level is any
// zerolog level name, falling back to info.
func Init(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		logger = zerolog.New(os.Stdout)
	default:
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}
	logger = logger.Level(lvl).With().Timestamp().Str("app", "relayd").Logger()
	log.Logger = logger
	return logger
}

// Component derives a sub-logger tagged with the component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

// Snippet bounds a payload for diagnostics so a multi-megabyte frame never
// lands in the log verbatim.
func Snippet(b []byte) string {
	if len(b) <= snippetMax {
		return string(b)
	}
	return string(b[:snippetMax]) + "...(truncated)"
}
