// Package logging configures the process-wide slog logger. The CLI
// steers logs into a rotating file so they do not interleave with chat
// output; the relay logs to stderr.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

var Log *slog.Logger

// Options selects level, format and sink. A File path enables a
// rotating sink; Console mirrors records to stderr as well.
type Options struct {
	Level      string
	JSON       bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Console    bool
}

func Init(opts Options) error {
	level := parseLevel(opts.Level)

	var w io.Writer = os.Stderr
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return err
		}
		rotating := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
		if opts.Console {
			w = io.MultiWriter(os.Stderr, rotating)
		} else {
			w = rotating
		}
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	if opts.JSON {
		Log = slog.New(slog.NewJSONHandler(w, handlerOpts))
	} else {
		Log = slog.New(slog.NewTextHandler(w, handlerOpts))
	}
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Named returns a component-scoped logger. Safe before Init; records
// are dropped until a handler exists.
func Named(component string) *slog.Logger {
	if Log == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return Log.With("component", component)
}

func Debug(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Error(msg, args...)
}
