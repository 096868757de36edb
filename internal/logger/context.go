package logger

import (
	"context"
	"time"
)

type contextKey struct{}

var logContextKey = contextKey{}

// LogContext holds per-request fields that DebugCtx/InfoCtx/... prepend to
// every record.
type LogContext struct {
	TraceID    string
	SpanID     string
	Command    string // SMB command that triggered the work (CREATE, CLOSE, ...)
	ConnID     uint64
	SessionID  uint64
	ClientGUID string
	StartTime  time.Time
}

// WithContext stores lc in ctx.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext returns the LogContext stored in ctx, or nil.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a LogContext for a connection.
func NewLogContext(connID uint64) *LogContext {
	return &LogContext{
		ConnID:    connID,
		StartTime: time.Now(),
	}
}

// Clone returns a copy of lc. A nil receiver yields nil.
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	c := *lc
	return &c
}

// WithCommand returns a copy with the command set.
func (lc *LogContext) WithCommand(cmd string) *LogContext {
	c := lc.Clone()
	if c != nil {
		c.Command = cmd
	}
	return c
}

// WithSession returns a copy bound to a session and client GUID.
func (lc *LogContext) WithSession(sessionID uint64, clientGUID string) *LogContext {
	c := lc.Clone()
	if c != nil {
		c.SessionID = sessionID
		c.ClientGUID = clientGUID
	}
	return c
}

// WithTrace returns a copy with trace info set.
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	c := lc.Clone()
	if c != nil {
		c.TraceID = traceID
		c.SpanID = spanID
	}
	return c
}

// DurationMs returns the time since StartTime in milliseconds.
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
