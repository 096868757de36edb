package oplock

import (
	"context"
	"errors"
	"fmt"

	"github.com/marmos91/dittolease/internal/logger"
	"github.com/marmos91/dittolease/internal/telemetry"
	"github.com/marmos91/dittolease/pkg/durable"
)

// VerifyDurableReconnect checks that a client may reclaim the durable open
// fileID it held in prevSessionID and, on success, re-homes the record to
// newSessionID.
//
// h is the handle the caller reconstructed from the reconnect request; nil
// loads the persisted handle from the durable store. The reconnect is
// denied when no detached record exists, the file or lease key differ,
// the record was broken while detached or is closing, or the new session
// does not resolve.
func (m *Manager) VerifyDurableReconnect(ctx context.Context, prevSessionID, newSessionID, fileID uint64, h *durable.Handle) (*Record, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanDurableReconnect)
	defer span.End()
	span.SetAttributes(telemetry.SessionID(newSessionID), telemetry.FileID(fileID))

	key := durable.Key{SessionID: prevSessionID, FileID: fileID}

	m.durableMu.Lock()
	r := m.durableIdx[key]
	m.durableMu.Unlock()

	deny := func(fileKey, reason string) (*Record, error) {
		err := NewReconnectDeniedError(fileKey, reason)
		m.metrics.ObserveReconnect(false)
		telemetry.RecordError(ctx, err)
		logger.InfoCtx(ctx, "Durable reconnect denied",
			logger.KeySessionID, prevSessionID,
			logger.KeyFileID, fileID,
			"reason", reason)
		return nil, err
	}

	if r == nil {
		return deny("", "no durable handle for session")
	}

	if h == nil {
		if m.store == nil {
			return deny(r.file.key, "no durable handle supplied")
		}
		stored, err := m.store.Get(ctx, key)
		if errors.Is(err, durable.ErrNotFound) {
			return deny(r.file.key, "durable handle not persisted")
		}
		if err != nil {
			return deny(r.file.key, "durable store: "+err.Error())
		}
		h = stored
	}

	if h.FileKey != r.file.key {
		return deny(r.file.key, "file mismatch")
	}
	if l := r.lease; l != nil {
		if !h.IsLease || LeaseKey(h.LeaseKey) != l.key || ClientGUID(h.ClientGUID) != l.guid {
			return deny(r.file.key, "lease key mismatch")
		}
	} else if h.IsLease {
		return deny(r.file.key, "lease key mismatch")
	}

	r.mu.Lock()
	state, detached, broken := r.state, r.detached, r.brokenDetached
	r.mu.Unlock()

	switch {
	case state == OpClosing:
		return deny(r.file.key, "handle closing")
	case broken:
		m.dropStale(ctx, r)
		return deny(r.file.key, "conflicting open while disconnected")
	case !detached:
		return deny(r.file.key, "handle still in use")
	}

	if m.sessions == nil {
		return deny(r.file.key, "no session resolver")
	}
	sess, ok := m.sessions.ResolveSession(newSessionID)
	if !ok {
		return deny(r.file.key, "session not found")
	}
	if l := r.lease; l != nil && sess.ClientGUID != l.guid {
		return deny(r.file.key, "client guid mismatch")
	}

	r.mu.Lock()
	if r.state == OpClosing || r.brokenDetached || !r.detached {
		r.mu.Unlock()
		return deny(r.file.key, "handle changed during reconnect")
	}
	r.sessionID = newSessionID
	r.connID = sess.ConnID
	r.detached = false
	r.broadcastLocked()
	r.mu.Unlock()

	if l := r.lease; l != nil {
		if cur, err := m.leases.insert(l); err != nil || cur != l {
			logger.WarnCtx(ctx, "Reconnected lease collides with a newer lease",
				logger.KeyLeaseKey, l.key.String(), logger.KeyError, err)
		}
	}
	m.attachToConn(r, sess.ConnID, sess.ClientGUID)
	m.unindexDurable(ctx, r, key)
	m.indexDurable(ctx, r, sess.ClientGUID)

	m.metrics.ObserveReconnect(true)
	logger.InfoCtx(ctx, "Durable handle reconnected",
		logger.KeyFile, r.file.key,
		logger.KeyFileID, fileID,
		logger.KeySessionID, newSessionID,
		logger.KeyConnID, sess.ConnID)
	return r, nil
}

// dropStale removes a durable record that can no longer be reclaimed and
// closes its server-side handle.
func (m *Manager) dropStale(ctx context.Context, r *Record) {
	m.CloseRecord(ctx, r)
	if m.files == nil {
		return
	}
	h := OpenHandle{FileID: r.fileID, PersistentID: r.persistentID, FileKey: r.file.key}
	if err := m.files.CloseHandle(h); err != nil {
		logger.WarnCtx(ctx, "Failed to close stale durable handle",
			logger.KeyFile, r.file.key,
			logger.KeyFileID, r.fileID,
			logger.KeyError, err)
	}
}

// DurableHandles returns the durable opens currently indexed.
func (m *Manager) DurableHandles() []*Record {
	m.durableMu.Lock()
	defer m.durableMu.Unlock()
	out := make([]*Record, 0, len(m.durableIdx))
	for _, r := range m.durableIdx {
		out = append(out, r)
	}
	return out
}

// RestoreDurable re-creates every handle in the durable store as a
// detached record, so that a client can reclaim its open with
// VerifyDurableReconnect after a server restart. Handles already indexed
// are skipped. It returns the number of records restored.
func (m *Manager) RestoreDurable(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanDurableRestore)
	defer span.End()

	handles, err := m.store.List(ctx)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return 0, fmt.Errorf("list durable handles: %w", err)
	}

	var restored int
	for _, h := range handles {
		if h.FileKey == "" {
			continue
		}
		m.durableMu.Lock()
		_, indexed := m.durableIdx[h.Key()]
		m.durableMu.Unlock()
		if indexed {
			continue
		}
		m.restoreHandle(h)
		restored++
	}

	span.SetAttributes(telemetry.DurableCount(restored))
	logger.InfoCtx(ctx, "Durable handles restored", logger.KeyCount, restored)
	return restored, nil
}

// restoreHandle attaches a detached record for h to its file. Lease
// handles of the same client and key on one file share a lease.
func (m *Manager) restoreHandle(h *durable.Handle) *Record {
	f := m.acquireFile(h.FileKey)
	defer m.releaseFile(f)

	r := newRecord(f, h.FileID, h.PersistentID, ClientContext{SessionID: h.SessionID})
	r.durable = true
	r.detached = true
	r.connID = 0
	if !h.CreatedAt.IsZero() {
		r.created = h.CreatedAt
	}

	f.mu.Lock()
	if h.IsLease {
		guid, key := ClientGUID(h.ClientGUID), LeaseKey(h.LeaseKey)
		var l *Lease
		for _, o := range f.records {
			if o.lease != nil && o.lease.guid == guid && o.lease.key == key {
				l = o.lease
				break
			}
		}
		if l == nil {
			l = newLease(guid, f, &LeaseRequest{Key: key})
			l.state = LeaseState(h.LeaseState) & leaseAll
		}
		l.mu.Lock()
		l.records[r] = struct{}{}
		l.mu.Unlock()
		r.lease = l
	} else {
		r.level = LevelFromSMB2(h.OplockLevel)
	}
	f.records = append(f.records, r)
	f.mu.Unlock()

	m.durableMu.Lock()
	m.durableIdx[h.Key()] = r
	m.durableMu.Unlock()
	m.metrics.RecordAdded()
	return r
}
