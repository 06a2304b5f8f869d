// Package logging builds the zerolog logger shared by every binary.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New returns a timestamped logger. Console output is used in dev unless
// format forces json.
func New(env, level, format string) zerolog.Logger {
	return NewWithWriter(os.Stdout, env, level, format)
}

func NewWithWriter(w io.Writer, env, level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	out := w
	if format == "console" || (format == "" && env == "dev") {
		out = zerolog.ConsoleWriter{Out: w}
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}
