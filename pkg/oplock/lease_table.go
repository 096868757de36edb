package oplock

import (
	"sort"
	"sync"
)

// LeaseTable holds one client's leases by key.
type LeaseTable struct {
	guid   ClientGUID
	leases map[LeaseKey]*Lease
}

// LeaseTables is the directory of lease tables keyed by client GUID.
//
// mu guards only the directory and table maps. It is never held while
// another lock is acquired, and never across a break wait.
type LeaseTables struct {
	mu      sync.Mutex
	tables  map[ClientGUID]*LeaseTable
	metrics *Metrics
}

func newLeaseTables(metrics *Metrics) *LeaseTables {
	return &LeaseTables{
		tables:  make(map[ClientGUID]*LeaseTable),
		metrics: metrics,
	}
}

func (t *LeaseTables) lookup(guid ClientGUID, key LeaseKey) *Lease {
	t.mu.Lock()
	defer t.mu.Unlock()
	if lt := t.tables[guid]; lt != nil {
		return lt.leases[key]
	}
	return nil
}

// LookupByKey returns an open holding the lease (guid, key), or nil.
func (t *LeaseTables) LookupByKey(guid ClientGUID, key LeaseKey) *Record {
	l := t.lookup(guid, key)
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var first *Record
	for r := range l.records {
		if first == nil || r.created.Before(first.created) {
			first = r
		}
	}
	return first
}

// CheckCollision returns ErrKeyCollision when guid already uses key on a
// file other than fileKey.
func (t *LeaseTables) CheckCollision(guid ClientGUID, key LeaseKey, fileKey string) error {
	l := t.lookup(guid, key)
	if l != nil && l.file.key != fileKey {
		return NewKeyCollisionError(key, fileKey, l.file.key)
	}
	return nil
}

// insert adds l to its client's table and returns the lease registered
// for the key. An existing lease for the key on another file is a
// collision; an existing lease on the same file is kept and returned.
func (t *LeaseTables) insert(l *Lease) (*Lease, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	lt := t.tables[l.guid]
	if lt == nil {
		lt = &LeaseTable{guid: l.guid, leases: make(map[LeaseKey]*Lease)}
		t.tables[l.guid] = lt
		t.metrics.LeaseTableAdded()
	}
	if cur, ok := lt.leases[l.key]; ok && cur != l {
		if cur.file != l.file {
			return nil, NewKeyCollisionError(l.key, l.file.key, cur.file.key)
		}
		return cur, nil
	}
	lt.leases[l.key] = l
	return l, nil
}

// remove deletes l from its table if it is still the registered lease for
// its key. Empty tables are kept until Teardown.
func (t *LeaseTables) remove(l *Lease) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if lt := t.tables[l.guid]; lt != nil && lt.leases[l.key] == l {
		delete(lt.leases, l.key)
	}
}

// Teardown removes guid's table and returns every open still holding one
// of its leases.
func (t *LeaseTables) Teardown(guid ClientGUID) []*Record {
	t.mu.Lock()
	lt := t.tables[guid]
	if lt != nil {
		delete(t.tables, guid)
		t.metrics.LeaseTableRemoved()
	}
	t.mu.Unlock()

	if lt == nil {
		return nil
	}

	var out []*Record
	for _, l := range lt.leases {
		l.mu.Lock()
		for r := range l.records {
			out = append(out, r)
		}
		l.mu.Unlock()
	}
	return out
}

// Count returns the number of client tables.
func (t *LeaseTables) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tables)
}

// leases returns every registered lease ordered by client and key.
func (t *LeaseTables) leases() []*Lease {
	t.mu.Lock()
	out := make([]*Lease, 0)
	for _, lt := range t.tables {
		for _, l := range lt.leases {
			out = append(out, l)
		}
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].guid != out[j].guid {
			return out[i].guid.String() < out[j].guid.String()
		}
		return out[i].key.String() < out[j].key.String()
	})
	return out
}
