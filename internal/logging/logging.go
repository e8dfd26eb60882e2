// Package logging configures the process-wide zerolog logger. Components
// take a zerolog.Logger and tag it with their subsystem name, so every line
// carries where it came from.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls output format and verbosity.
type Config struct {
	// Level is one of trace, debug, info, warn, error. Empty means info.
	Level string
	// Pretty switches to human-readable console output instead of JSON.
	Pretty bool
	// Out overrides the destination; nil means stderr.
	Out io.Writer
}

// New builds the root logger.
func New(cfg Config) zerolog.Logger {
	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil {
			level = parsed
		}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Nop returns a logger that discards everything. Used in tests.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// For tags a logger with a subsystem name.
func For(l zerolog.Logger, subsystem string) zerolog.Logger {
	return l.With().Str("subsystem", subsystem).Logger()
}
