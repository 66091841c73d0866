// Package logger defines the structured logging interface used across docrepo.
package logger

import "context"

// Logger writes structured entries. Every method takes a message followed by
// alternating key-value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a child logger that adds args to every entry.
	With(args ...any) Logger

	// WithContext returns a child logger enriched with request-scoped values from ctx.
	WithContext(ctx context.Context) Logger
}
