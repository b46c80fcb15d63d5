package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds run-scoped logging context threaded through the backup
// pipeline: which stage emitted a log line, and which snapshot/bundle it
// concerns. Polar Express has one logical "request" per process invocation
// (a backup run), so RunID identifies the run rather than an individual RPC.
type LogContext struct {
	RunID      string    // identifies one backup run (e.g. start timestamp)
	Stage      string    // pipeline stage name: scan, snapshot, bundle, upload
	Path       string    // file path relative to the backup root
	SnapshotID int64     // snapshot id, if recorded
	BundleID   int64     // local bundle id, if finalized
	Vault      string    // destination vault name
	StartTime  time.Time // for duration calculation
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

// NewLogContext creates a new LogContext for the given run.
func NewLogContext(runID string) *LogContext {
	return &LogContext{
		RunID:     runID,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	clone := *lc
	return &clone
}

// WithStage returns a copy with the stage set
func (lc *LogContext) WithStage(stage string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Stage = stage
	}
	return clone
}

// WithPath returns a copy with the path set
func (lc *LogContext) WithPath(path string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Path = path
	}
	return clone
}

// WithSnapshot returns a copy with the snapshot id set
func (lc *LogContext) WithSnapshot(snapshotID int64) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.SnapshotID = snapshotID
	}
	return clone
}

// WithBundle returns a copy with the bundle id set
func (lc *LogContext) WithBundle(bundleID int64) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.BundleID = bundleID
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
