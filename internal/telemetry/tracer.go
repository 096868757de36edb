package telemetry

import (
	"context"
	"encoding/hex"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for oplock operations. Client and SMB keys follow the
// "smb." prefix; caching state uses "oplock." and "lease.".
const (
	// ========================================================================
	// Client attributes
	// ========================================================================
	AttrClientGUID = "smb.client_guid"
	AttrConnID     = "smb.conn_id"
	AttrSessionID  = "smb.session_id"
	AttrDialect    = "smb.dialect"

	// ========================================================================
	// File attributes
	// ========================================================================
	AttrFileKey = "fs.file_key"
	AttrFileID  = "smb.file_id"

	// ========================================================================
	// Oplock / lease attributes
	// ========================================================================
	AttrOplockRequested = "oplock.requested"
	AttrOplockGranted   = "oplock.granted"
	AttrTransition      = "oplock.transition"
	AttrOutcome         = "oplock.outcome"
	AttrLeaseKey        = "lease.key"
	AttrLeaseState      = "lease.state"
	AttrLeaseEpoch      = "lease.epoch"

	AttrDurableCount = "durable.count"
)

// Span names. Format: <component>.<operation>
const (
	SpanOplockGrant       = "oplock.grant"
	SpanOplockBreak       = "oplock.break"
	SpanOplockBreakAll    = "oplock.break_all"
	SpanOplockClose       = "oplock.close"
	SpanOplockDisconnect  = "oplock.disconnect"
	SpanDurableReconnect  = "durable.reconnect"
	SpanDurableRestore    = "durable.restore"
	SpanDurableStorePut   = "durable.put"
	SpanDurableStoreClean = "durable.delete"
)

// ============================================================================
// Attribute helpers
// ============================================================================

// ClientGUID returns an attribute for a 16-byte client GUID.
func ClientGUID(guid [16]byte) attribute.KeyValue {
	return attribute.String(AttrClientGUID, hex.EncodeToString(guid[:]))
}

// ConnID returns an attribute for the transport connection id.
func ConnID(id uint64) attribute.KeyValue {
	return attribute.Int64(AttrConnID, int64(id))
}

// SessionID returns an attribute for the SMB session id.
func SessionID(id uint64) attribute.KeyValue {
	return attribute.Int64(AttrSessionID, int64(id))
}

// Dialect returns an attribute for the SMB dialect family.
func Dialect(d string) attribute.KeyValue {
	return attribute.String(AttrDialect, d)
}

// FileKey returns an attribute for the server-side file key.
func FileKey(key string) attribute.KeyValue {
	return attribute.String(AttrFileKey, key)
}

// FileID returns an attribute for the volatile file id.
func FileID(id uint64) attribute.KeyValue {
	return attribute.Int64(AttrFileID, int64(id))
}

// OplockRequested returns an attribute for the requested level.
func OplockRequested(level string) attribute.KeyValue {
	return attribute.String(AttrOplockRequested, level)
}

// OplockGranted returns an attribute for the granted level.
func OplockGranted(level string) attribute.KeyValue {
	return attribute.String(AttrOplockGranted, level)
}

// Transition returns an attribute for a downgrade transition.
func Transition(name string) attribute.KeyValue {
	return attribute.String(AttrTransition, name)
}

// Outcome returns an attribute for a break outcome.
func Outcome(name string) attribute.KeyValue {
	return attribute.String(AttrOutcome, name)
}

// LeaseKey returns an attribute for a 16-byte lease key.
func LeaseKey(key [16]byte) attribute.KeyValue {
	return attribute.String(AttrLeaseKey, hex.EncodeToString(key[:]))
}

// LeaseState returns an attribute for a lease state ("RWH").
func LeaseState(state string) attribute.KeyValue {
	return attribute.String(AttrLeaseState, state)
}

// LeaseEpoch returns an attribute for a lease epoch.
func LeaseEpoch(epoch uint16) attribute.KeyValue {
	return attribute.Int(AttrLeaseEpoch, int(epoch))
}

// DurableCount returns an attribute for a number of durable handles.
func DurableCount(n int) attribute.KeyValue {
	return attribute.Int(AttrDurableCount, n)
}

// ============================================================================
// Span helpers
// ============================================================================

// StartOplockSpan starts a span for an oplock manager operation on a file.
func StartOplockSpan(ctx context.Context, name string, fileKey string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := make([]attribute.KeyValue, 0, len(attrs)+1)
	if fileKey != "" {
		allAttrs = append(allAttrs, FileKey(fileKey))
	}
	allAttrs = append(allAttrs, attrs...)

	ctx, span := StartSpan(ctx, name, trace.WithAttributes(allAttrs...))
	return WithLogContext(ctx), span
}
