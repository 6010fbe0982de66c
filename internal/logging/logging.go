// Package logging builds the process slog logger.
//
// Format is text on a terminal and JSON otherwise, unless overridden by
// configuration or the LOG_FORMAT env var. LOG_LEVEL overrides the
// configured level.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

var level = new(slog.LevelVar)

type Options struct {
	Level  string
	Format string // text, json, or auto/empty
	Output io.Writer
}

// New creates a logger. Options fields are defaults that LOG_LEVEL and
// LOG_FORMAT override.
func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	format := strings.ToLower(opts.Format)
	if env := os.Getenv("LOG_FORMAT"); env != "" {
		format = strings.ToLower(env)
	}
	if format == "" || format == "auto" {
		format = "json"
		if f, ok := out.(*os.File); ok && isTerminal(f) {
			format = "text"
		}
	}

	levelName := opts.Level
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		levelName = env
	}
	level.Set(ParseLevel(levelName))

	handlerOpts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(out, handlerOpts))
	}
	return slog.New(slog.NewJSONHandler(out, handlerOpts))
}

// ParseLevel converts a level name to slog.Level, defaulting to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// SetDefault creates a logger and installs it as the slog default.
func SetDefault(opts Options) *slog.Logger {
	logger := New(opts)
	slog.SetDefault(logger)
	return logger
}

// SetLevel changes the level of every logger built by New.
func SetLevel(l slog.Level) {
	level.Set(l)
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
