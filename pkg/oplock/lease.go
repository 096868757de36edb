package oplock

import (
	"sync"

	"github.com/marmos91/dittolease/pkg/oplock/wire"
)

// Lease flags reported in the create response.
const (
	LeaseFlagBreakInProgress   = wire.LeaseFlagBreakInProgress
	LeaseFlagParentLeaseKeySet = wire.LeaseFlagParentLeaseKeySet
)

// Lease is the caching state shared by every open a client makes with the
// same lease key on one file.
type Lease struct {
	key       LeaseKey
	guid      ClientGUID
	file      *File
	v2        bool
	parentKey LeaseKey
	duration  uint64

	mu       sync.Mutex
	state    LeaseState
	newState LeaseState // break target while a break is in progress
	flags    uint32
	epoch    uint16
	records  map[*Record]struct{}
	pending  *pendingBreak
}

func newLease(guid ClientGUID, f *File, req *LeaseRequest) *Lease {
	l := &Lease{
		key:      req.Key,
		guid:     guid,
		file:     f,
		v2:       req.V2,
		duration: req.Duration,
		epoch:    req.Epoch,
		records:  make(map[*Record]struct{}),
	}
	if req.Flags&LeaseFlagParentLeaseKeySet != 0 {
		l.parentKey = req.ParentKey
		l.flags |= LeaseFlagParentLeaseKeySet
	}
	return l
}

// setStateLocked changes the state and bumps the epoch. Caller holds l.mu.
func (l *Lease) setStateLocked(s LeaseState) {
	if s != l.state {
		l.state = s
		l.epoch++
	}
}

// Key returns the lease key.
func (l *Lease) Key() LeaseKey { return l.key }

// ClientGUID returns the owning client.
func (l *Lease) ClientGUID() ClientGUID { return l.guid }

// FileKey returns the key of the file the lease is bound to.
func (l *Lease) FileKey() string { return l.file.key }

// IsV2 reports whether the client used the V2 lease context.
func (l *Lease) IsV2() bool { return l.v2 }

// ParentKey returns the parent directory lease key, if one was supplied.
func (l *Lease) ParentKey() (LeaseKey, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.parentKey, l.flags&LeaseFlagParentLeaseKeySet != 0
}

// State returns the current lease state.
func (l *Lease) State() LeaseState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Epoch returns the current epoch.
func (l *Lease) Epoch() uint16 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.epoch
}

// Flags returns the lease flags for a create response.
func (l *Lease) Flags() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flags
}

// BreakInProgress reports whether a break is outstanding, and its target.
func (l *Lease) BreakInProgress() (LeaseState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.newState, l.pending != nil
}

// RecordCount returns the number of opens sharing the lease.
func (l *Lease) RecordCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// ResponseContext builds the lease create context returned to the client.
func (l *Lease) ResponseContext() *wire.LeaseContext {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := &wire.LeaseContext{
		LeaseKey:   l.key,
		LeaseState: uint32(l.state),
		Flags:      l.flags,
		V2:         l.v2,
	}
	if l.v2 {
		c.Epoch = l.epoch
		c.ParentLeaseKey = l.parentKey
	}
	return c
}
