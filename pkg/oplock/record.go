package oplock

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// File
// ============================================================================

// File is the server-side object records are attached to. Files are
// registered on first grant and dropped with their last record.
type File struct {
	key string

	mu            sync.Mutex
	records       []*Record // open order
	deletePending bool
	closing       bool
	refs          int // grants in progress
	dropped       bool
}

// Key returns the file key the caller supplied at grant time.
func (f *File) Key() string { return f.key }

// liveRecordsLocked returns records not in OpClosing. Caller holds f.mu.
func (f *File) liveRecordsLocked() []*Record {
	out := make([]*Record, 0, len(f.records))
	for _, r := range f.records {
		if r.State() != OpClosing {
			out = append(out, r)
		}
	}
	return out
}

func (f *File) removeLocked(r *Record) bool {
	for i, x := range f.records {
		if x == r {
			f.records = append(f.records[:i], f.records[i+1:]...)
			return true
		}
	}
	return false
}

// ============================================================================
// Record
// ============================================================================

// Record is one open's caching grant on a file.
//
// A record is either a plain oplock (level held on the record) or backed by
// a Lease shared with other opens of the same client and lease key; for
// lease records Level derives from the lease state.
type Record struct {
	id           uuid.UUID
	file         *File
	fileID       uint64
	persistentID uint64
	treeID       uint32
	dialect      Dialect
	durable      bool
	lease        *Lease
	created      time.Time

	mu             sync.Mutex
	connID         uint64
	sessionID      uint64
	level          Level // plain oplocks only
	state          OpState
	truncate       bool
	detached       bool // durable record whose connection is gone
	brokenDetached bool // broken while detached
	closed         bool
	pending        *pendingBreak
	changed        chan struct{}

	// breaking counts downgrades in flight on this record. It only changes
	// under mu so a waiter on changed cannot miss the final decrement.
	breaking atomic.Int32
}

func newRecord(f *File, fileID, persistentID uint64, client ClientContext) *Record {
	return &Record{
		id:           uuid.New(),
		file:         f,
		fileID:       fileID,
		persistentID: persistentID,
		treeID:       client.TreeID,
		dialect:      client.Dialect,
		created:      time.Now(),
		connID:       client.ConnID,
		sessionID:    client.SessionID,
		changed:      make(chan struct{}),
	}
}

// broadcastLocked wakes everyone waiting on the current changed channel.
// Caller holds r.mu.
func (r *Record) broadcastLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// levelLocked returns the effective level. Caller holds r.mu.
func (r *Record) levelLocked() Level {
	if r.lease != nil {
		return MapLeaseToLevel(r.lease.State())
	}
	return r.level
}

// ID returns the record's unique id.
func (r *Record) ID() uuid.UUID { return r.id }

// FileKey returns the key of the file this record is attached to.
func (r *Record) FileKey() string { return r.file.key }

// FileID returns the volatile file id of the open.
func (r *Record) FileID() uint64 { return r.fileID }

// PersistentID returns the persistent file id of the open.
func (r *Record) PersistentID() uint64 { return r.persistentID }

// Dialect returns the dialect used for break notifications.
func (r *Record) Dialect() Dialect { return r.dialect }

// IsLease reports whether the record is backed by a lease.
func (r *Record) IsLease() bool { return r.lease != nil }

// Lease returns the backing lease, or nil for plain oplocks.
func (r *Record) Lease() *Lease { return r.lease }

// IsDurable reports whether the open was granted a durable handle.
func (r *Record) IsDurable() bool { return r.durable }

// Level returns the current effective oplock level.
func (r *Record) Level() Level {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.levelLocked()
}

// LeaseState returns the lease state, or LeaseNone for plain oplocks.
func (r *Record) LeaseState() LeaseState {
	if r.lease == nil {
		return LeaseNone
	}
	return r.lease.State()
}

// State returns the break-protocol state.
func (r *Record) State() OpState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// ConnID returns the owning connection, 0 while detached.
func (r *Record) ConnID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connID
}

// SessionID returns the owning session.
func (r *Record) SessionID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// IsDetached reports whether the record is a durable open waiting for
// reconnect.
func (r *Record) IsDetached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.detached
}

// Breaking returns the number of downgrades in flight.
func (r *Record) Breaking() int32 {
	return r.breaking.Load()
}

// Changed returns a channel closed on the next state change.
func (r *Record) Changed() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changed
}
