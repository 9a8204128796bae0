package app

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the app-wide logger type (slog).
type Logger = *slog.Logger

// NewLogger creates a structured logger. format "pretty" selects the human-readable
// handler; anything else logs JSON.
func NewLogger(level, format string, color bool) *slog.Logger {
	log := NewLoggerTo(os.Stdout, level, format, color)
	slog.SetDefault(log)
	return log
}

// NewLoggerTo is NewLogger writing to w without touching the slog default. The interactive
// client logs to stderr so its output stays readable.
func NewLoggerTo(w io.Writer, level, format string, color bool) *slog.Logger {
	return slog.New(newHandler(w, level, format, color))
}

func newHandler(w io.Writer, level, format string, color bool) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     parseLogLevel(level),
		AddSource: true,
	}
	if strings.EqualFold(strings.TrimSpace(format), "pretty") {
		return newPrettyHandler(w, opts, color)
	}
	return slog.NewJSONHandler(w, opts)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
