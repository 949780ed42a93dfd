// Package telemetry provides structured logging, pass identifiers
// and Prometheus metrics for entryctl.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/oklog/ulid/v2"
)

type contextKey string

const passIDKey contextKey = "pass_id"

// NewLogger creates a structured JSON logger. A nil writer defaults
// to stderr.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler)
}

// NewPassID returns a fresh lexically sortable pass identifier.
func NewPassID() string {
	return ulid.Make().String()
}

// WithPassID stores a pass identifier in the context. An empty id is
// replaced with a fresh one.
func WithPassID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = NewPassID()
	}
	return context.WithValue(ctx, passIDKey, id)
}

// PassID retrieves the pass identifier from the context, or "" when
// none is set.
func PassID(ctx context.Context) string {
	if id, ok := ctx.Value(passIDKey).(string); ok {
		return id
	}
	return ""
}
