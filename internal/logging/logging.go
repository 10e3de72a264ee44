// Package logging builds the zerolog loggers used by the commands.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns a logger writing to stderr, human readable when dev is set
// and JSON otherwise. Every event is also written as JSON to each of files.
func New(dev bool, level zerolog.Level, files ...io.Writer) zerolog.Logger {
	var console io.Writer = os.Stderr
	if dev {
		console = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	out := console
	if len(files) > 0 {
		out = zerolog.MultiLevelWriter(append([]io.Writer{console}, files...)...)
	}
	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(name string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || name == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
