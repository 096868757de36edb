package oplock

import (
	"context"
	"errors"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marmos91/dittolease/internal/logger"
	"github.com/marmos91/dittolease/internal/telemetry"
	"github.com/marmos91/dittolease/pkg/durable"
	"github.com/marmos91/dittolease/pkg/oplock/wire"
)

// ============================================================================
// Requests
// ============================================================================

// ClientContext identifies who is opening.
type ClientContext struct {
	ConnID     uint64
	SessionID  uint64
	ClientGUID ClientGUID
	Dialect    Dialect
	TreeID     uint32
}

// FileContext describes the open being granted.
type FileContext struct {
	// Key identifies the file across opens (for example the share-relative
	// path or an inode handle).
	Key          string
	FileID       uint64
	PersistentID uint64

	// Truncate is set for overwrite/supersede dispositions.
	Truncate bool

	// AttributeOnly is set when the open requests no data access.
	AttributeOnly bool

	// ShareConflict is set when the open failed the share-mode check and
	// the caller wants handle caching broken before retrying.
	ShareConflict bool

	IsDirectory bool
	Durable     bool
}

// LeaseRequest is the lease create context of an open.
type LeaseRequest struct {
	Key       LeaseKey
	State     LeaseState
	Flags     uint32
	Duration  uint64
	V2        bool
	Epoch     uint16
	ParentKey LeaseKey
}

// LeaseRequestFromContext converts a decoded lease create context.
func LeaseRequestFromContext(c *wire.LeaseContext) *LeaseRequest {
	return &LeaseRequest{
		Key:       c.LeaseKey,
		State:     LeaseState(c.LeaseState),
		Flags:     c.Flags,
		Duration:  c.Duration,
		V2:        c.V2,
		Epoch:     c.Epoch,
		ParentKey: c.ParentLeaseKey,
	}
}

// GrantRequest is the input to Grant.
type GrantRequest struct {
	Level  Level // requested oplock level; ignored when Lease is set
	Client ClientContext
	File   FileContext
	Lease  *LeaseRequest

	// Interim is called once, before Grant blocks on a break, so the caller
	// can send an interim STATUS_PENDING response.
	Interim func()
}

// GrantResult is the output of Grant.
type GrantResult struct {
	Record     *Record
	Level      Level
	LeaseState LeaseState
	LeaseFlags uint32
	Epoch      uint16

	// DirectoryLease is set when a lease was requested on a directory and
	// refused.
	DirectoryLease bool
}

// IsLease reports whether the grant carries a lease.
func (g *GrantResult) IsLease() bool {
	return g.Record != nil && g.Record.lease != nil
}

// ============================================================================
// Grant
// ============================================================================

// breakTarget is one conflicting holder and the transitions to run on it
// in order. replan recomputes the transitions from the holder's current
// state once a joined break has moved it.
type breakTarget struct {
	rec         *Record
	transitions []Transition
	replan      func(*Record) []Transition
}

// maxBreakReplans bounds how often one target is re-planned or moved to
// another open of its lease.
const maxBreakReplans = 4

// Grant decides the caching level for a new open, breaking conflicting
// holders first, and registers the open's record.
//
// Break timeouts never fail a grant. The only errors are ErrKeyCollision
// and ErrTargetClosing, both matching ErrGrantDenied.
func (m *Manager) Grant(ctx context.Context, req GrantRequest) (*GrantResult, error) {
	ctx, span := telemetry.StartOplockSpan(ctx, telemetry.SpanOplockGrant, req.File.Key,
		telemetry.ConnID(req.Client.ConnID),
		telemetry.SessionID(req.Client.SessionID),
		telemetry.ClientGUID(req.Client.ClientGUID),
		telemetry.Dialect(req.Client.Dialect.String()))
	defer span.End()

	lreq := req.Lease
	if lreq != nil && (!m.cfg.LeasesEnabled || req.Client.Dialect == DialectLegacy) {
		lreq = nil
	}

	if !m.cfg.Enabled || req.File.IsDirectory {
		res, err := m.registerNone(ctx, req)
		if err == nil {
			res.DirectoryLease = req.File.IsDirectory && lreq != nil
		}
		return res, err
	}

	var reqState LeaseState
	reqLevel := req.Level
	switch reqLevel {
	case LevelNone, LevelRead, LevelExclusive, LevelBatch:
	default:
		reqLevel = LevelNone
	}
	if lreq != nil {
		reqState = lreq.State & leaseAll
		if !reqState.Has(LeaseRead) {
			reqState = LeaseNone
		}
		reqLevel = MapLeaseToLevel(reqState)
		span.SetAttributes(telemetry.LeaseKey(lreq.Key), telemetry.OplockRequested(reqState.String()))

		if err := m.leases.CheckCollision(req.Client.ClientGUID, lreq.Key, req.File.Key); err != nil {
			return nil, m.deny(ctx, req, err)
		}
	} else {
		span.SetAttributes(telemetry.OplockRequested(reqLevel.String()))
	}

	f := m.acquireFile(req.File.Key)
	defer m.releaseFile(f)

	f.mu.Lock()
	if err := checkFileLocked(f); err != nil {
		f.mu.Unlock()
		return nil, m.deny(ctx, req, err)
	}

	if lreq != nil {
		if l := m.leases.lookup(req.Client.ClientGUID, lreq.Key); l != nil && l.file == f {
			res := m.reuseLeaseLocked(f, l, req, reqState)
			f.mu.Unlock()
			m.finishGrant(ctx, req, res)
			return res, nil
		}
	}

	others := f.liveRecordsLocked()
	if len(others) > 0 && !req.File.AttributeOnly {
		targets := collectTargets(others, req)
		if len(targets) > 0 {
			f.mu.Unlock()

			if req.Interim != nil {
				req.Interim()
			}
			m.breakTargets(ctx, targets, req.File.Truncate)

			f.mu.Lock()
			if err := checkFileLocked(f); err != nil {
				f.mu.Unlock()
				return nil, m.deny(ctx, req, err)
			}

			// An open with the same lease key may have registered the
			// lease while this one waited.
			if lreq != nil {
				if l := m.leases.lookup(req.Client.ClientGUID, lreq.Key); l != nil && l.file == f {
					res := m.reuseLeaseLocked(f, l, req, reqState)
					f.mu.Unlock()
					m.finishGrant(ctx, req, res)
					return res, nil
				}
			}
			others = f.liveRecordsLocked()
		}
	}

	level, state := resolveLevel(others, req, reqLevel, reqState, lreq != nil)

	r := newRecord(f, req.File.FileID, req.File.PersistentID, req.Client)
	r.durable = req.File.Durable
	r.truncate = req.File.Truncate

	if lreq != nil {
		l := newLease(req.Client.ClientGUID, f, lreq)
		l.state = state
		cur, err := m.leases.insert(l)
		if err != nil {
			f.mu.Unlock()
			return nil, m.deny(ctx, req, err)
		}
		if cur != l {
			res := m.reuseLeaseLocked(f, cur, req, reqState)
			f.mu.Unlock()
			m.finishGrant(ctx, req, res)
			return res, nil
		}
		l.records[r] = struct{}{}
		r.lease = l
	} else {
		r.level = level
	}
	f.records = append(f.records, r)
	f.mu.Unlock()

	res := &GrantResult{Record: r, Level: level}
	if r.lease != nil {
		res.LeaseState = state
		res.LeaseFlags = r.lease.Flags()
		res.Epoch = r.lease.Epoch()
	}
	m.finishGrant(ctx, req, res)
	return res, nil
}

func checkFileLocked(f *File) error {
	switch {
	case f.deletePending:
		return NewTargetClosingError(f.key, "delete pending")
	case f.closing:
		return NewTargetClosingError(f.key, "file closing")
	}
	return nil
}

// registerNone records a None grant without touching other holders.
func (m *Manager) registerNone(ctx context.Context, req GrantRequest) (*GrantResult, error) {
	f := m.acquireFile(req.File.Key)
	defer m.releaseFile(f)

	f.mu.Lock()
	if err := checkFileLocked(f); err != nil {
		f.mu.Unlock()
		return nil, m.deny(ctx, req, err)
	}
	r := newRecord(f, req.File.FileID, req.File.PersistentID, req.Client)
	r.durable = req.File.Durable
	f.records = append(f.records, r)
	f.mu.Unlock()

	res := &GrantResult{Record: r, Level: LevelNone}
	m.finishGrant(ctx, req, res)
	return res, nil
}

// reuseLeaseLocked attaches a new open to an existing lease of the same
// client on f, upgrading the lease where no other client is affected.
// Caller holds f.mu.
func (m *Manager) reuseLeaseLocked(f *File, l *Lease, req GrantRequest, reqState LeaseState) *GrantResult {
	onlyThisLease := true
	for _, o := range f.liveRecordsLocked() {
		if o.lease != l {
			onlyThisLease = false
			break
		}
	}

	r := newRecord(f, req.File.FileID, req.File.PersistentID, req.Client)
	r.durable = req.File.Durable
	r.truncate = req.File.Truncate
	r.lease = l

	l.mu.Lock()
	cur := l.state
	if l.pending != nil {
		l.flags |= LeaseFlagBreakInProgress
	} else {
		next := cur
		switch {
		case cur == LeaseNone && reqState != LeaseNone:
			next = reqState
			if !onlyThisLease {
				next &= LeaseRead | LeaseHandle
			}
		case onlyThisLease && reqState.Has(cur):
			next = cur | reqState
		case !onlyThisLease && !cur.Has(LeaseWrite) && reqState == LeaseRead|LeaseHandle:
			next = LeaseRead | LeaseHandle
		}
		l.setStateLocked(next)
	}
	l.records[r] = struct{}{}
	res := &GrantResult{
		Record:     r,
		Level:      MapLeaseToLevel(l.state),
		LeaseState: l.state,
		LeaseFlags: l.flags,
		Epoch:      l.epoch,
	}
	l.mu.Unlock()

	f.records = append(f.records, r)
	return res
}

// collectTargets picks the holders the new open conflicts with. Each lease
// is broken once, through its oldest live record.
func collectTargets(others []*Record, req GrantRequest) []breakTarget {
	seen := make(map[*Lease]bool)
	var targets []breakTarget

	replan := func(o *Record) []Transition { return grantTransitions(o, req) }
	for _, o := range others {
		if o.lease != nil {
			if seen[o.lease] {
				continue
			}
			seen[o.lease] = true
		}
		if ts := grantTransitions(o, req); len(ts) > 0 {
			targets = append(targets, breakTarget{rec: o, transitions: ts, replan: replan})
		}
	}
	return targets
}

// grantTransitions returns the breaks o needs before req can be granted.
func grantTransitions(o *Record, req GrantRequest) []Transition {
	var ts []Transition
	if o.lease != nil {
		st := o.lease.State()
		switch {
		case st.Has(LeaseWrite) && req.File.Truncate:
			ts = append(ts, TransitionToNone)
		case st.Has(LeaseWrite):
			ts = append(ts, TransitionToRead)
			if req.File.ShareConflict && st.Has(LeaseHandle) {
				ts = append(ts, TransitionHandleToRead)
			}
		case st.Has(LeaseRead) && req.File.Truncate:
			ts = append(ts, TransitionReadToNone)
		case st.Has(LeaseHandle) && req.File.ShareConflict:
			ts = append(ts, TransitionHandleToRead)
		}
		return ts
	}

	switch lvl := o.Level(); {
	case lvl.IsExclusive() && req.File.Truncate:
		ts = append(ts, TransitionToNone)
	case lvl.IsExclusive():
		ts = append(ts, TransitionToRead)
	case lvl == LevelRead && req.File.Truncate:
		ts = append(ts, TransitionReadToNone)
	}
	return ts
}

// breakTargets runs every target's transitions, targets in parallel.
func (m *Manager) breakTargets(ctx context.Context, targets []breakTarget, truncate bool) {
	var g errgroup.Group
	for _, t := range targets {
		g.Go(func() error {
			m.runTarget(ctx, t, truncate)
			return nil
		})
	}
	_ = g.Wait()
}

// runTarget runs t's transitions. A transition that no longer fits the
// holder's level is re-planned from where the holder is now. An aborted
// lease break moves to another live open of the lease. A plain oplock
// holder that closed is skipped.
func (m *Manager) runTarget(ctx context.Context, t breakTarget, truncate bool) {
	rec, ts := t.rec, t.transitions
	for replans := 0; len(ts) > 0; {
		tr := ts[0]
		_, err := m.downgrade(ctx, rec, tr, truncate)
		if err == nil {
			ts = ts[1:]
			continue
		}
		if replans >= maxBreakReplans || t.replan == nil {
			return
		}
		replans++

		switch {
		case errors.Is(err, ErrInvalidTransition):
			ts = t.replan(rec)
			if len(ts) > 0 && ts[0] == tr {
				return
			}
		case errors.Is(err, ErrBreakAborted):
			alt := leaseStandIn(rec)
			if alt == nil {
				return
			}
			logger.DebugCtx(ctx, "Lease break moved to another open",
				logger.KeyFile, rec.file.key,
				logger.KeyLeaseKey, rec.lease.key.String(),
				logger.KeyFileID, alt.fileID)
			rec, ts = alt, t.replan(alt)
		default:
			logger.DebugCtx(ctx, "Unexpected break error", logger.KeyFile, rec.file.key, logger.KeyError, err)
			return
		}
	}
}

// leaseStandIn returns the oldest live open other than r sharing r's
// lease, or nil.
func leaseStandIn(r *Record) *Record {
	l := r.lease
	if l == nil {
		return nil
	}
	l.mu.Lock()
	cands := make([]*Record, 0, len(l.records))
	for o := range l.records {
		if o != r {
			cands = append(cands, o)
		}
	}
	l.mu.Unlock()

	slices.SortFunc(cands, func(a, b *Record) int { return a.created.Compare(b.created) })
	for _, o := range cands {
		if o.State() != OpClosing {
			return o
		}
	}
	return nil
}

// resolveLevel computes the grant once conflicts are resolved. others are
// the live records on the file.
func resolveLevel(others []*Record, req GrantRequest, reqLevel Level, reqState LeaseState, isLease bool) (Level, LeaseState) {
	if len(others) == 0 {
		return reqLevel, reqState
	}
	if req.File.AttributeOnly || req.File.ShareConflict {
		return LevelNone, LeaseNone
	}

	var (
		exclusive     bool
		stackedHandle bool
		plainOplock   bool
	)
	for _, o := range others {
		if o.Level().IsExclusive() {
			exclusive = true
		}
		if o.lease != nil {
			if o.lease.State().Has(LeaseHandle) {
				stackedHandle = true
			}
		} else if o.Level() != LevelNone {
			plainOplock = true
		}
	}

	switch {
	case exclusive:
		return LevelNone, LeaseNone
	case !isLease && stackedHandle:
		return LevelNone, LeaseNone
	case isLease && reqState == LeaseNone:
		return LevelNone, LeaseNone
	case isLease && plainOplock:
		return LevelRead, LeaseRead
	case isLease:
		state := LeaseRead | (reqState & LeaseHandle)
		return MapLeaseToLevel(state), state
	case reqLevel == LevelNone:
		return LevelNone, LeaseNone
	default:
		return LevelRead, LeaseNone
	}
}

// deny counts and logs a refused grant.
func (m *Manager) deny(ctx context.Context, req GrantRequest, err error) error {
	requested := req.Level.String()
	if req.Lease != nil {
		requested = req.Lease.State.String()
	}
	m.metrics.ObserveGrant(requested, false)
	telemetry.RecordError(ctx, err)
	logger.DebugCtx(ctx, "Oplock grant denied",
		logger.KeyFile, req.File.Key,
		logger.KeyConnID, req.Client.ConnID,
		logger.KeyError, err)
	return err
}

// finishGrant registers the new record with its connection and the
// durable index, then records metrics.
func (m *Manager) finishGrant(ctx context.Context, req GrantRequest, res *GrantResult) {
	r := res.Record
	m.attachToConn(r, req.Client.ConnID, req.Client.ClientGUID)
	if r.durable {
		m.indexDurable(ctx, r, req.Client.ClientGUID)
	}

	granted := res.Level.String()
	if r.lease != nil {
		granted = res.LeaseState.String()
	}
	m.metrics.RecordAdded()
	m.metrics.ObserveGrant(res.Level.String(), true)
	telemetry.SetAttributes(ctx, telemetry.OplockGranted(granted))
	if r.lease != nil {
		telemetry.SetAttributes(ctx, telemetry.LeaseState(res.LeaseState.String()), telemetry.LeaseEpoch(res.Epoch))
	}

	args := []any{
		logger.KeyFile, req.File.Key,
		logger.KeyFileID, req.File.FileID,
		logger.KeyConnID, req.Client.ConnID,
		logger.KeyGranted, granted,
	}
	if l := r.lease; l != nil {
		args = append(args, logger.KeyLeaseKey, l.key.String(), logger.KeyEpoch, res.Epoch)
	}
	logger.DebugCtx(ctx, "Oplock granted", args...)
}

// indexDurable adds r to the durable index and persists its handle.
func (m *Manager) indexDurable(ctx context.Context, r *Record, guid ClientGUID) {
	r.mu.Lock()
	key := durable.Key{SessionID: r.sessionID, FileID: r.fileID}
	h := &durable.Handle{
		SessionID:    r.sessionID,
		FileID:       r.fileID,
		PersistentID: r.persistentID,
		FileKey:      r.file.key,
		ClientGUID:   guid,
		OplockLevel:  r.levelLocked().SMB2(),
		CreatedAt:    time.Now().UTC(),
	}
	r.mu.Unlock()
	if l := r.lease; l != nil {
		h.IsLease = true
		h.LeaseKey = l.key
		h.LeaseState = uint32(l.State())
		h.ClientGUID = l.guid
	}

	m.durableMu.Lock()
	m.durableIdx[key] = r
	m.durableMu.Unlock()

	if m.store == nil {
		return
	}
	ctx, span := telemetry.StartSpan(context.WithoutCancel(ctx), telemetry.SpanDurableStorePut)
	defer span.End()
	span.SetAttributes(telemetry.SessionID(h.SessionID), telemetry.FileID(h.FileID))
	if err := m.store.Put(ctx, h); err != nil {
		telemetry.RecordError(ctx, err)
		logger.WarnCtx(ctx, "Failed to persist durable handle",
			logger.KeyFile, h.FileKey,
			logger.KeySessionID, h.SessionID,
			logger.KeyFileID, h.FileID,
			logger.KeyError, err)
	}
}
