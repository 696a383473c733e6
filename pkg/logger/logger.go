// Package logger provides structured logging using log/slog.
// It wraps slog with package-level helpers so every component logs through
// one configured handler.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the global logger instance
var Logger *slog.Logger

func init() {
	Init("info", "text")
}

// Init configures the global logger to write to stdout.
// level: "debug", "info", "warn", "error"
// format: "text" or "json"
func Init(level, format string) {
	InitWithWriter(os.Stdout, level, format)
}

// InitWithWriter configures the global logger to write to w.
func InitWithWriter(w io.Writer, level, format string) {
	logLevel := ParseLevel(level)

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// ParseLevel maps a level name to a slog.Level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// Info logs at INFO level
func Info(msg string, args ...any) {
	Logger.Info(msg, args...)
}

// Error logs at ERROR level
func Error(msg string, args ...any) {
	Logger.Error(msg, args...)
}

// Debug logs at DEBUG level
func Debug(msg string, args ...any) {
	Logger.Debug(msg, args...)
}

// Warn logs at WARN level
func Warn(msg string, args ...any) {
	Logger.Warn(msg, args...)
}

// With returns a logger with the given attributes
func With(args ...any) *slog.Logger {
	return Logger.With(args...)
}

// Component returns a logger tagged with a component name.
func Component(name string) *slog.Logger {
	return Logger.With("component", name)
}
