package oplock

import (
	"context"
	"sync"
	"time"

	"github.com/marmos91/dittolease/internal/logger"
	"github.com/marmos91/dittolease/pkg/oplock/wire"
)

// breakItem is one break notification waiting to be written. Fields are
// captured under the record lock when the break starts.
type breakItem struct {
	pending *pendingBreak // nil when no acknowledgment is expected

	dialect      Dialect
	fileKey      string
	fileID       uint64
	persistentID uint64
	treeID       uint32
	sessionID    uint64

	current  Level
	target   Level
	truncate bool

	lease        bool
	leaseKey     LeaseKey
	currentState LeaseState
	targetState  LeaseState
	epoch        uint16
	ackRequired  bool
}

// newBreakItem captures the notification for plan. Caller holds r.mu.
func (m *Manager) newBreakItem(r *Record, plan breakPlan, truncate bool) *breakItem {
	it := &breakItem{
		dialect:      r.dialect,
		fileKey:      r.file.key,
		fileID:       r.fileID,
		persistentID: r.persistentID,
		treeID:       r.treeID,
		sessionID:    r.sessionID,
		current:      plan.current,
		target:       plan.target,
		truncate:     truncate,
		ackRequired:  plan.ackRequired,
	}
	if l := r.lease; l != nil {
		l.mu.Lock()
		it.lease = true
		it.leaseKey = l.key
		it.currentState = plan.currentState
		it.targetState = plan.targetState
		if l.v2 {
			it.epoch = l.epoch + 1
		}
		l.mu.Unlock()
	}
	return it
}

func (it *breakItem) kind() string {
	switch {
	case it.dialect == DialectLegacy:
		return KindLegacy
	case it.lease:
		return KindLease
	default:
		return KindOplock
	}
}

// encode serializes the notification. ok is false when the target open no
// longer resolves.
func (m *Manager) encode(it *breakItem) (payload []byte, ok bool) {
	if it.dialect == DialectLegacy {
		level := wire.LegacyOplockLevelNone
		if it.target == LevelRead && !it.truncate {
			level = wire.LegacyOplockLevelII
		}
		b := &wire.LegacyOplockBreak{
			TreeID:      uint16(it.treeID),
			UserID:      uint16(it.sessionID),
			FID:         uint16(it.fileID),
			OplockLevel: level,
		}
		return b.Encode(), true
	}

	if it.lease {
		var flags uint32
		if it.ackRequired {
			flags = wire.LeaseBreakFlagAckRequired
		}
		n := &wire.LeaseBreakNotification{
			NewEpoch:          it.epoch,
			Flags:             flags,
			LeaseKey:          it.leaseKey,
			CurrentLeaseState: uint32(it.currentState),
			NewLeaseState:     uint32(it.targetState),
		}
		return n.EncodeNotification(), true
	}

	persistentID := it.persistentID
	if m.files != nil {
		h, found := m.files.ResolveOpenFile(it.fileID)
		if !found {
			return nil, false
		}
		persistentID = h.PersistentID
	}
	b := &wire.OplockBreak{
		OplockLevel:  it.target.SMB2(),
		PersistentID: persistentID,
		VolatileID:   it.fileID,
	}
	return b.EncodeNotification(), true
}

// ============================================================================
// Notifier
// ============================================================================

// notifier owns one outbound FIFO per connection. Each queue is drained by
// its own goroutine so a slow client never delays another client's
// breaks, and enqueue never blocks the breaking goroutine.
type notifier struct {
	m *Manager

	mu     sync.Mutex
	queues map[uint64]*connQueue
	closed bool
	wg     sync.WaitGroup
}

type connQueue struct {
	connID uint64

	mu    sync.Mutex
	items []*breakItem
	wake  chan struct{}
	stop  chan struct{}
}

func newNotifier(m *Manager) *notifier {
	return &notifier{m: m, queues: make(map[uint64]*connQueue)}
}

// enqueue schedules it on connID's queue. It returns false when the
// connection cannot receive breaks; the caller then acknowledges
// virtually.
func (n *notifier) enqueue(connID uint64, it *breakItem) bool {
	if connID == 0 {
		n.m.metrics.ObserveNotification(it.kind(), ResultDropped)
		return false
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		n.m.metrics.ObserveNotification(it.kind(), ResultDropped)
		return false
	}
	q := n.queues[connID]
	if q == nil {
		q = &connQueue{
			connID: connID,
			wake:   make(chan struct{}, 1),
			stop:   make(chan struct{}),
		}
		n.queues[connID] = q
		n.wg.Add(1)
		go n.run(q)
	}
	q.mu.Lock()
	q.items = append(q.items, it)
	q.mu.Unlock()
	n.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

func (q *connQueue) take() []*breakItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (n *notifier) run(q *connQueue) {
	defer n.wg.Done()
	for {
		select {
		case <-q.stop:
			for _, it := range q.take() {
				n.m.metrics.ObserveNotification(it.kind(), ResultDropped)
				n.ack(it)
			}
			return
		case <-q.wake:
			for _, it := range q.take() {
				n.send(q.connID, it)
			}
		}
	}
}

func (n *notifier) send(connID uint64, it *breakItem) {
	m := n.m
	kind := it.kind()

	if m.transport == nil {
		m.metrics.ObserveNotification(kind, ResultDropped)
		n.ack(it)
		return
	}

	payload, ok := m.encode(it)
	if !ok {
		logger.Debug("Oplock break target no longer open, acknowledging",
			logger.KeyConnID, connID,
			logger.KeyFile, it.fileKey,
			logger.KeyFileID, it.fileID)
		m.metrics.ObserveNotification(kind, ResultDropped)
		n.ack(it)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.BreakTimeout())
	defer cancel()

	start := time.Now()
	if err := m.transport.SendBreak(ctx, connID, payload); err != nil {
		logger.Warn("Failed to send oplock break, acknowledging",
			logger.KeyConnID, connID,
			logger.KeyFile, it.fileKey,
			logger.KeyFileID, it.fileID,
			"kind", kind,
			logger.KeyError, err)
		m.metrics.ObserveNotification(kind, ResultFailed)
		n.ack(it)
		return
	}
	m.metrics.ObserveNotification(kind, ResultSent)

	args := []any{
		logger.KeyConnID, connID,
		logger.KeyFile, it.fileKey,
		logger.KeyFileID, it.fileID,
		"kind", kind,
		logger.KeyDurationMs, float64(time.Since(start).Microseconds()) / 1000.0,
	}
	if it.lease {
		args = append(args,
			logger.KeyLeaseKey, it.leaseKey.String(),
			logger.KeyLeaseState, it.currentState.String()+"->"+it.targetState.String())
	} else {
		args = append(args, logger.KeyLevel, it.current.String()+"->"+it.target.String())
	}
	logger.Debug("Oplock break sent", args...)
}

// ack resolves the item's pending break as acknowledged.
func (n *notifier) ack(it *breakItem) {
	if p := it.pending; p != nil {
		n.m.resolve(p, OutcomeAcked, p.target, p.targetState)
	}
}

// closeConn stops connID's queue. Queued items are acknowledged virtually.
func (n *notifier) closeConn(connID uint64) {
	n.mu.Lock()
	q := n.queues[connID]
	delete(n.queues, connID)
	n.mu.Unlock()
	if q != nil {
		close(q.stop)
	}
}

// close stops every queue and waits for the drain goroutines to exit.
func (n *notifier) close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	queues := n.queues
	n.queues = make(map[uint64]*connQueue)
	n.mu.Unlock()

	for _, q := range queues {
		close(q.stop)
	}
	n.wg.Wait()
}
