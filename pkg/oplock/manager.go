package oplock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittolease/internal/logger"
	"github.com/marmos91/dittolease/internal/telemetry"
	"github.com/marmos91/dittolease/pkg/durable"
)

// ============================================================================
// Collaborators
// ============================================================================

// Transport writes an encoded break notification to a client connection.
// It must not wait for the client's reply.
type Transport interface {
	SendBreak(ctx context.Context, connID uint64, payload []byte) error
}

// OpenHandle identifies an open file handle on the server.
type OpenHandle struct {
	FileID       uint64
	PersistentID uint64
	FileKey      string
}

// FileResolver maps volatile file ids to open handles.
type FileResolver interface {
	ResolveOpenFile(fileID uint64) (OpenHandle, bool)
	CloseHandle(h OpenHandle) error
}

// Session is an authenticated SMB session as seen by the oplock manager.
type Session struct {
	ID         uint64
	ConnID     uint64
	ClientGUID ClientGUID
}

// SessionResolver looks up live sessions.
type SessionResolver interface {
	ResolveSession(sessionID uint64) (Session, bool)
}

// Dependencies are the Manager's collaborators. All fields are optional:
// without a Transport every break is acknowledged virtually; without a
// FileResolver modern oplock breaks use the persistent id captured at
// grant; without a SessionResolver durable reconnects are denied.
type Dependencies struct {
	Transport Transport
	Files     FileResolver
	Sessions  SessionResolver
	Durable   durable.Store
	Metrics   *Metrics
}

// ============================================================================
// Manager
// ============================================================================

type connection struct {
	id      uint64
	guid    ClientGUID
	records map[*Record]struct{}
}

// Manager grants and revokes oplocks and leases for every file it is asked
// about.
type Manager struct {
	cfg          Config
	breakTimeout atomic.Int64
	drainTimeout atomic.Int64

	transport Transport
	files     FileResolver
	sessions  SessionResolver
	store     durable.Store
	metrics   *Metrics

	filesMu   sync.Mutex
	fileByKey map[string]*File

	leases *LeaseTables

	connsMu sync.Mutex
	conns   map[uint64]*connection

	durableMu  sync.Mutex
	durableIdx map[durable.Key]*Record

	notifier *notifier
	closed   atomic.Bool
}

// NewManager creates a Manager. Zero timeouts in cfg take defaults.
func NewManager(cfg Config, deps Dependencies) *Manager {
	cfg.ApplyDefaults()

	m := &Manager{
		cfg:        cfg,
		transport:  deps.Transport,
		files:      deps.Files,
		sessions:   deps.Sessions,
		store:      deps.Durable,
		metrics:    deps.Metrics,
		fileByKey:  make(map[string]*File),
		leases:     newLeaseTables(deps.Metrics),
		conns:      make(map[uint64]*connection),
		durableIdx: make(map[durable.Key]*Record),
	}
	m.breakTimeout.Store(int64(cfg.BreakTimeout))
	m.drainTimeout.Store(int64(cfg.CloseDrainTimeout))
	m.notifier = newNotifier(m)
	return m
}

// Config returns the configuration the Manager was created with. Timeouts
// reflect later SetBreakTimeout calls.
func (m *Manager) Config() Config {
	c := m.cfg
	c.BreakTimeout = m.BreakTimeout()
	c.CloseDrainTimeout = time.Duration(m.drainTimeout.Load())
	return c
}

// BreakTimeout returns the current acknowledgment bound.
func (m *Manager) BreakTimeout() time.Duration {
	return time.Duration(m.breakTimeout.Load())
}

// SetBreakTimeout changes the acknowledgment bound for breaks started
// afterwards. Non-positive values are ignored.
func (m *Manager) SetBreakTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	m.breakTimeout.Store(int64(d))
	logger.Info("Oplock break timeout updated", "timeout", d)
}

// LeaseTables returns the lease table directory.
func (m *Manager) LeaseTables() *LeaseTables { return m.leases }

// Close stops every notifier queue. Pending breaks are acknowledged
// virtually.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.notifier.close()
}

// ============================================================================
// File Registry
// ============================================================================

// acquireFile returns the file for key with its grant refcount held.
func (m *Manager) acquireFile(key string) *File {
	m.filesMu.Lock()
	defer m.filesMu.Unlock()

	f := m.fileByKey[key]
	if f == nil {
		f = &File{key: key}
		m.fileByKey[key] = f
	}
	f.mu.Lock()
	f.refs++
	f.mu.Unlock()
	return f
}

// releaseFile drops a grant reference and forgets the file if nothing
// holds it.
func (m *Manager) releaseFile(f *File) {
	m.filesMu.Lock()
	defer m.filesMu.Unlock()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs--
	m.maybeDropLocked(f)
}

// maybeDropLocked forgets f once it has no records and no grants in
// progress. Caller holds filesMu and f.mu.
func (m *Manager) maybeDropLocked(f *File) {
	if len(f.records) == 0 && f.refs == 0 && !f.dropped {
		f.dropped = true
		if m.fileByKey[f.key] == f {
			delete(m.fileByKey, f.key)
		}
	}
}

func (m *Manager) lookupFile(key string) *File {
	m.filesMu.Lock()
	defer m.filesMu.Unlock()
	return m.fileByKey[key]
}

// MarkDeletePending denies further grants on the file until its last
// record is gone.
func (m *Manager) MarkDeletePending(fileKey string) {
	if f := m.lookupFile(fileKey); f != nil {
		f.mu.Lock()
		f.deletePending = true
		f.mu.Unlock()
	}
}

// SetFileClosing marks the file administratively closing; further grants
// are denied.
func (m *Manager) SetFileClosing(fileKey string) {
	if f := m.lookupFile(fileKey); f != nil {
		f.mu.Lock()
		f.closing = true
		f.mu.Unlock()
	}
}

// Records returns the records currently attached to a file in open order.
func (m *Manager) Records(fileKey string) []*Record {
	f := m.lookupFile(fileKey)
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Record(nil), f.records...)
}

// ============================================================================
// Connections
// ============================================================================

// RegisterConnection associates a connection with its client GUID. Grant
// registers unknown connections implicitly.
func (m *Manager) RegisterConnection(connID uint64, guid ClientGUID) {
	m.connsMu.Lock()
	defer m.connsMu.Unlock()
	if c, ok := m.conns[connID]; ok {
		c.guid = guid
		return
	}
	m.conns[connID] = &connection{id: connID, guid: guid, records: make(map[*Record]struct{})}
}

func (m *Manager) attachToConn(r *Record, connID uint64, guid ClientGUID) {
	if connID == 0 {
		return
	}
	m.connsMu.Lock()
	defer m.connsMu.Unlock()
	c, ok := m.conns[connID]
	if !ok {
		c = &connection{id: connID, guid: guid, records: make(map[*Record]struct{})}
		m.conns[connID] = c
	}
	c.records[r] = struct{}{}
}

func (m *Manager) detachFromConn(r *Record, connID uint64) {
	m.connsMu.Lock()
	defer m.connsMu.Unlock()
	if c, ok := m.conns[connID]; ok {
		delete(c.records, r)
	}
}

// findRecord returns the record for fileID on connID.
func (m *Manager) findRecord(connID, fileID uint64) *Record {
	m.connsMu.Lock()
	defer m.connsMu.Unlock()
	c, ok := m.conns[connID]
	if !ok {
		return nil
	}
	for r := range c.records {
		if r.fileID == fileID {
			return r
		}
	}
	return nil
}

// Disconnect tears down a connection. Pending breaks on its records are
// acknowledged virtually, durable records are detached for reconnect and
// every other record is closed. When no other connection of the client
// remains its lease table is torn down as well.
func (m *Manager) Disconnect(ctx context.Context, connID uint64) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanOplockDisconnect)
	defer span.End()
	span.SetAttributes(telemetry.ConnID(connID))

	m.notifier.closeConn(connID)

	m.connsMu.Lock()
	c, ok := m.conns[connID]
	if !ok {
		m.connsMu.Unlock()
		return
	}
	delete(m.conns, connID)
	records := make([]*Record, 0, len(c.records))
	for r := range c.records {
		records = append(records, r)
	}
	lastForClient := true
	for _, other := range m.conns {
		if other.guid == c.guid {
			lastForClient = false
			break
		}
	}
	m.connsMu.Unlock()

	var detached int
	for _, r := range records {
		m.virtualAck(r)

		if r.durable {
			r.mu.Lock()
			if r.state != OpClosing {
				r.detached = true
				r.connID = 0
				detached++
			}
			r.mu.Unlock()
			continue
		}
		m.CloseRecord(ctx, r)
	}

	span.SetAttributes(telemetry.ClientGUID(c.guid))
	logger.DebugCtx(ctx, "Oplock connection released",
		logger.KeyConnID, connID,
		logger.KeyClientGUID, c.guid.String(),
		logger.KeyCount, len(records),
		"detached", detached)

	if lastForClient {
		m.TeardownClient(c.guid)
	}
}

// TeardownClient removes the client's lease table and releases every break
// wait on its leases as acknowledged.
func (m *Manager) TeardownClient(guid ClientGUID) {
	records := m.leases.Teardown(guid)
	for _, r := range records {
		m.virtualAck(r)
	}
	if len(records) > 0 {
		logger.Debug("Lease table torn down", logger.KeyClientGUID, guid.String(), logger.KeyCount, len(records))
	}
}

// virtualAck resolves any break pending on r, or on r's lease, as if the
// client had acknowledged it.
func (m *Manager) virtualAck(r *Record) {
	r.mu.Lock()
	p := r.pending
	if p == nil && r.lease != nil {
		r.lease.mu.Lock()
		p = r.lease.pending
		r.lease.mu.Unlock()
	}
	r.mu.Unlock()

	if p != nil {
		m.resolve(p, OutcomeAcked, p.target, p.targetState)
	}
}
