// Package logging provides an slog handler that carries run metadata from the
// context into every record.
package logging

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys used in logging.
type ContextKey string

const (
	// RunIDKey is the context key for the run ID.
	RunIDKey ContextKey = "run_id"
	// JobKey is the context key for the job name.
	JobKey ContextKey = "job"
	// ScopeKey is the context key for the scope (project) being processed.
	ScopeKey ContextKey = "scope"
)

var contextKeys = []ContextKey{RunIDKey, JobKey, ScopeKey}

// ContextHandler is an slog.Handler that extracts values from context
// and includes them in all log records.
type ContextHandler struct {
	handler slog.Handler
}

// NewContextHandler creates a new context-aware handler that wraps another handler.
func NewContextHandler(handler slog.Handler) *ContextHandler {
	return &ContextHandler{
		handler: handler,
	}
}

// Enabled reports whether the handler handles records at the given level.
func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle adds context attributes to the record and passes it to the underlying handler.
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, key := range contextKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			r.AddAttrs(slog.String(string(key), v))
		}
	}

	return h.handler.Handle(ctx, r)
}

// WithAttrs returns a new handler with additional attributes.
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{
		handler: h.handler.WithAttrs(attrs),
	}
}

// WithGroup returns a new handler with a group.
func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{
		handler: h.handler.WithGroup(name),
	}
}

// WithRunID adds a run ID to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// GetRunID retrieves the run ID from context.
func GetRunID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(RunIDKey).(string)
	return id, ok
}

// WithJob adds the job name to the context.
func WithJob(ctx context.Context, job string) context.Context {
	return context.WithValue(ctx, JobKey, job)
}

// WithScope adds the scope being processed to the context.
func WithScope(ctx context.Context, scope string) context.Context {
	return context.WithValue(ctx, ScopeKey, scope)
}

// GenerateRunID generates a new UUID-based run ID.
func GenerateRunID() string {
	return uuid.New().String()
}
