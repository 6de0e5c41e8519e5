package logging

import (
	"io"
	"log/slog"
	"strings"
)

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON at info, anything else human-readable text at
// debug. A non-empty level overrides the environment's default.
func NewLogger(env, level string, w io.Writer) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if env == "production" {
		if level != "" {
			opts.Level = ParseLevel(level)
		}

		handler = slog.NewJSONHandler(w, opts)
	} else {
		opts.Level = slog.LevelDebug
		if level != "" {
			opts.Level = ParseLevel(level)
		}

		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
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
