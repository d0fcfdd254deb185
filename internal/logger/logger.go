// Package logger provides structured logging setup for the task engine.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/rogers-f/taskengine/internal/config"
)

// New creates a *slog.Logger from the given Logging config.
// Output is JSON to stderr with a "service" attribute on every record.
func New(cfg config.Logging) *slog.Logger {
	return NewWriter(os.Stderr, cfg)
}

// NewWriter is New with an explicit destination.
func NewWriter(w io.Writer, cfg config.Logging) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	})
	service := cfg.Service
	if service == "" {
		service = "taskengine"
	}
	return slog.New(handler).With("service", service)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ForTask returns l annotated with the task id and the trace id carried by ctx.
func ForTask(ctx context.Context, l *slog.Logger, taskID string) *slog.Logger {
	l = l.With("task_id", taskID)
	if id := TraceID(ctx); id != "" {
		l = l.With("trace_id", id)
	}
	return l
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
