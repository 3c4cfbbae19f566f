// Package logging provides structured logging configuration using log/slog.
//
// Loggers pulled from a context carry the chi request ID (when the call
// originated from HTTP) and the ingestion run ID (when the call is part of
// an ingestion), so every line of one ingestion can be correlated.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

type ctxKey int

const ingestionIDKey ctxKey = iota

// Setup configures the global slog logger based on level and format.
//
// Level values: "debug", "info", "warn", "error" (default: "info")
// Format values: "text", "json" (default: "text")
func Setup(level, format string) {
	slog.SetDefault(New(os.Stdout, level, format))
}

// New builds a logger writing to w. Exposed for tests and tools that
// need a logger without touching the process default.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel converts a string log level to slog.Level.
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

// WithIngestionID stores the ingestion run ID on the context.
func WithIngestionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ingestionIDKey, id)
}

// IngestionID returns the ingestion run ID stored on ctx, or "".
func IngestionID(ctx context.Context) string {
	id, _ := ctx.Value(ingestionIDKey).(string)
	return id
}

// FromContext returns the default logger enriched with request_id and
// ingestion_id when the context carries them.
//
// Usage:
//
//	logger := logging.FromContext(ctx)
//	logger.Warn("index creation failed", "table", table, "error", err)
func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()
	if ctx == nil {
		return logger
	}

	if reqID := middleware.GetReqID(ctx); reqID != "" {
		logger = logger.With("request_id", reqID)
	}
	if id := IngestionID(ctx); id != "" {
		logger = logger.With("ingestion_id", id)
	}

	return logger
}

// WithFields returns a context logger with additional structured fields.
//
//	log := logging.WithFields(ctx, "table", table, "rows", len(rows))
//	log.Info("chunk committed", "chunk", i)
func WithFields(ctx context.Context, args ...any) *slog.Logger {
	return FromContext(ctx).With(args...)
}
