// Package logger configures log/slog and carries request-scoped attributes in
// the context.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// ContextKey is the type of context keys set by this package
type ContextKey string

const (
	// RequestIDKey carries the request id of an HTTP call or CLI run
	RequestIDKey ContextKey = "request_id"
	// ProviderKey carries the provider a call is made for
	ProviderKey ContextKey = "provider"
)

// Config holds logger configuration
type Config struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// New builds a logger writing to w
func New(cfg Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Init installs a stdout logger as the slog default and returns it
func Init(cfg Config) *slog.Logger {
	l := New(cfg, os.Stdout)
	slog.SetDefault(l)
	return l
}

// ParseLevel maps a level name onto a slog level; unknown names mean info
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithRequestID stores a request id in ctx
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// WithProvider stores a provider key in ctx
func WithProvider(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, ProviderKey, key)
}

// RequestID returns the request id stored in ctx
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// FromContext returns base enriched with the values stored in ctx.
// A nil base means the slog default.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	if id, ok := ctx.Value(RequestIDKey).(string); ok && id != "" {
		base = base.With("request_id", id)
	}
	if p, ok := ctx.Value(ProviderKey).(string); ok && p != "" {
		base = base.With("provider", p)
	}
	return base
}
