// Package logging builds the process logger.
package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level  slog.Level
	Format string // text or json
	// File, when set, receives a copy of every record and is rotated.
	File string
}

// New returns a logger for opts and a closer for the rotated file, if any.
func New(opts Options) (*slog.Logger, io.Closer) {
	return newWithWriter(os.Stderr, opts)
}

func newWithWriter(stderr io.Writer, opts Options) (*slog.Logger, io.Closer) {
	var w io.Writer = stderr
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}
		w = io.MultiWriter(stderr, lj)
		closer = lj
	}

	ho := &slog.HandlerOptions{Level: opts.Level}
	var h slog.Handler
	if opts.Format == "json" {
		h = slog.NewJSONHandler(w, ho)
	} else {
		h = slog.NewTextHandler(w, ho)
	}
	return slog.New(h), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
