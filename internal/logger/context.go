package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds run-scoped logging context for a single CLI invocation
// (backup, restore, delete, archives, cleanup).
type LogContext struct {
	RunID     string    // random ID, distinguishes concurrent log lines from one run
	Operation string    // backup, restore, delete, archives, cleanup
	Bucket    string    // target bucket name
	Archive   string    // archive name, when the operation is scoped to one
	StartTime time.Time // for duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for the given operation.
func NewLogContext(operation, bucket string) *LogContext {
	return &LogContext{
		Operation: operation,
		Bucket:    bucket,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	return &LogContext{
		RunID:     lc.RunID,
		Operation: lc.Operation,
		Bucket:    lc.Bucket,
		Archive:   lc.Archive,
		StartTime: lc.StartTime,
	}
}

// WithArchive returns a copy with the archive name set
func (lc *LogContext) WithArchive(archive string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Archive = archive
	}
	return clone
}

// WithRunID returns a copy with the run ID set
func (lc *LogContext) WithRunID(runID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.RunID = runID
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
