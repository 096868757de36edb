package logger

import (
	"encoding/hex"
	"log/slog"
)

// Standard field keys. Use these in every log statement so log aggregation
// can query oplock activity by client, file and lease.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// ========================================================================
	// Connection & Session
	// ========================================================================
	KeyCommand    = "command"     // SMB command: CREATE, CLOSE, OPLOCK_BREAK, ...
	KeyConnID     = "conn_id"     // Transport connection id
	KeySessionID  = "session_id"  // SMB session id
	KeyClientGUID = "client_guid" // Client GUID (lease table owner)
	KeyDialect    = "dialect"     // legacy (SMB1) or modern (SMB2+)

	// ========================================================================
	// Files & Handles
	// ========================================================================
	KeyFile     = "file"      // Server-side file key
	KeyFileID   = "file_id"   // Volatile file id of an open
	KeyRecordID = "record_id" // Oplock record id

	// ========================================================================
	// Oplocks & Leases
	// ========================================================================
	KeyLevel      = "level"       // Oplock level
	KeyRequested  = "requested"   // Requested level or lease state
	KeyGranted    = "granted"     // Granted level or lease state
	KeyLeaseKey   = "lease_key"   // 16-byte lease key (hex)
	KeyLeaseState = "lease_state" // Lease state (R/W/H)
	KeyEpoch      = "epoch"       // Lease epoch
	KeyTransition = "transition"  // to_read, handle_to_read, to_none, read_to_none
	KeyOutcome    = "outcome"     // acked, timed_out, aborted, immediate
	KeyWaited     = "waited"      // Time spent waiting for a break ack

	// ========================================================================
	// Errors & Misc
	// ========================================================================
	KeyError      = "error"
	KeyDurationMs = "duration_ms"
	KeyBackend    = "backend"
	KeyCount      = "count"
)

// ClientGUID formats a 16-byte GUID as hex.
func ClientGUID(guid [16]byte) slog.Attr {
	return slog.String(KeyClientGUID, hex.EncodeToString(guid[:]))
}

// LeaseKey formats a 16-byte lease key as hex.
func LeaseKey(key [16]byte) slog.Attr {
	return slog.String(KeyLeaseKey, hex.EncodeToString(key[:]))
}

// ConnID returns a conn_id attribute.
func ConnID(id uint64) slog.Attr {
	return slog.Uint64(KeyConnID, id)
}

// SessionID returns a session_id attribute.
func SessionID(id uint64) slog.Attr {
	return slog.Uint64(KeySessionID, id)
}

// FileID returns a file_id attribute.
func FileID(id uint64) slog.Attr {
	return slog.Uint64(KeyFileID, id)
}

// File returns a file attribute.
func File(key string) slog.Attr {
	return slog.String(KeyFile, key)
}

// Err returns an error attribute; nil errors produce an empty attr that the
// handlers skip.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// DurationMs returns a duration_ms attribute.
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}
