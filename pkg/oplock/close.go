package oplock

import (
	"context"
	"time"

	"github.com/marmos91/dittolease/internal/logger"
	"github.com/marmos91/dittolease/internal/telemetry"
	"github.com/marmos91/dittolease/pkg/durable"
)

// CloseRecord releases an open's caching state. It moves the record to
// Closing, which aborts any break waiting on it, waits (bounded by
// CloseDrainTimeout) for in-flight breaks to drain, then detaches the
// record from its file, lease, connection and the durable index.
// Closing a record twice is a no-op.
func (m *Manager) CloseRecord(ctx context.Context, r *Record) {
	ctx, span := telemetry.StartOplockSpan(ctx, telemetry.SpanOplockClose, r.file.key, telemetry.FileID(r.fileID))
	defer span.End()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.state = OpClosing
	r.broadcastLocked()
	r.mu.Unlock()

	m.drain(ctx, r)
	m.removeRecord(ctx, r)
}

// drain waits for r's break counter to reach zero, giving up when the
// drain timeout or ctx expires.
func (m *Manager) drain(ctx context.Context, r *Record) {
	timeout := time.Duration(m.drainTimeout.Load())
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		r.mu.Lock()
		n := r.breaking.Load()
		changed := r.changed
		r.mu.Unlock()
		if n == 0 {
			return
		}

		select {
		case <-changed:
			continue
		case <-timer.C:
		case <-ctx.Done():
		}
		logger.WarnCtx(ctx, "Oplock close drain timed out, releasing record",
			logger.KeyFile, r.file.key,
			logger.KeyFileID, r.fileID,
			"breaking", n)
		return
	}
}

// removeRecord unlinks r everywhere.
func (m *Manager) removeRecord(ctx context.Context, r *Record) {
	f := r.file

	m.filesMu.Lock()
	f.mu.Lock()
	removed := f.removeLocked(r)
	if l := r.lease; l != nil {
		l.mu.Lock()
		delete(l.records, r)
		empty := len(l.records) == 0
		l.mu.Unlock()
		if empty {
			m.leases.remove(l)
		}
	}
	m.maybeDropLocked(f)
	f.mu.Unlock()
	m.filesMu.Unlock()

	if !removed {
		return
	}

	r.mu.Lock()
	connID, sessionID := r.connID, r.sessionID
	r.mu.Unlock()

	m.detachFromConn(r, connID)
	if r.durable {
		m.unindexDurable(ctx, r, durable.Key{SessionID: sessionID, FileID: r.fileID})
	}
	m.metrics.RecordRemoved()

	logger.DebugCtx(ctx, "Oplock record released",
		logger.KeyFile, f.key,
		logger.KeyFileID, r.fileID,
		logger.KeyConnID, connID)
}

// unindexDurable removes key from the durable index if it still maps to r,
// and deletes the persisted handle.
func (m *Manager) unindexDurable(ctx context.Context, r *Record, key durable.Key) {
	m.durableMu.Lock()
	if m.durableIdx[key] == r {
		delete(m.durableIdx, key)
	}
	m.durableMu.Unlock()

	if m.store == nil {
		return
	}
	ctx, span := telemetry.StartSpan(context.WithoutCancel(ctx), telemetry.SpanDurableStoreClean)
	defer span.End()
	span.SetAttributes(telemetry.SessionID(key.SessionID), telemetry.FileID(key.FileID))
	if err := m.store.Delete(ctx, key); err != nil {
		telemetry.RecordError(ctx, err)
		logger.WarnCtx(ctx, "Failed to delete durable handle",
			logger.KeySessionID, key.SessionID,
			logger.KeyFileID, key.FileID,
			logger.KeyError, err)
	}
}
