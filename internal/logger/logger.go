// Package logger builds the single zerolog.Logger each CHAPPS process
// threads explicitly through its constructors. There is no package-level
// global; every component that logs receives its logger at construction.
package logger

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Options controls how New renders log output.
type Options struct {
	// Level is one of zerolog's level names (debug, info, warn, error,
	// fatal). Empty defaults to "info".
	Level string
	// Pretty selects the human-readable console writer used in
	// development; false emits structured JSON to stdout, suitable for
	// production log collection.
	Pretty bool
}

// New builds a zerolog.Logger per opts. Decision logging uses this logger's
// Debug level; degraded-dependency events use Warn; unrecoverable startup
// failures use Fatal.
func New(opts Options) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || opts.Level == "" {
		lvl = zerolog.InfoLevel
	}

	var w = os.Stdout
	base := zerolog.New(w)
	if opts.Pretty {
		base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	return base.Level(lvl).With().Timestamp().Logger()
}
