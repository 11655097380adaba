// Package logging configures the process-wide zerolog logger used by the
// bench commands.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init builds a logger tagged with app, installs it as the global logger and
// returns it.  level is a zerolog level name ("debug", "info", ...); unknown
// names fall back to info.  When json is false the output is the human
// console format.
func Init(app, level string, json bool) zerolog.Logger {
	return InitTo(os.Stderr, app, level, json)
}

// InitTo is Init with an explicit destination
func InitTo(w io.Writer, app, level string, json bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339

	out := w
	if !json {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	logger := zerolog.New(out).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
