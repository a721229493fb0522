package app

import (
	"io"
	"log/slog"
	"strings"

	"github.com/entityauth/EntityKit-sub003/config"
)

// Logger is the app-wide logger type (slog).
type Logger = *slog.Logger

// NewLogger builds the process logger from log settings. Format "pretty"
// renders colorized key=value lines; anything else is JSON with source.
// Logs go to w so command output on stdout stays machine-readable.
func NewLogger(w io.Writer, s config.LogSettings) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     parseLogLevel(s.Level),
		AddSource: true,
	}

	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(s.Format)) {
	case "pretty", "text":
		h = newPrettyHandler(w, opts, s.Color)
	default:
		h = slog.NewJSONHandler(w, opts)
	}

	log := slog.New(h)
	slog.SetDefault(log)
	return log
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
