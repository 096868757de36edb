// Package memory provides an in-process durable handle store.
//
// Handles do not survive a restart; use it for tests and single-node
// deployments that only need reconnects across transport drops.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/marmos91/dittolease/pkg/durable"
)

// Store is a map-backed durable.Store.
type Store struct {
	mu      sync.RWMutex
	handles map[durable.Key]durable.Handle
	closed  bool
}

// New creates an empty Store.
func New() *Store {
	return &Store{handles: make(map[durable.Key]durable.Handle)}
}

var _ durable.Store = (*Store)(nil)

func (s *Store) Put(_ context.Context, h *durable.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return durable.ErrClosed
	}
	s.handles[h.Key()] = *h
	return nil
}

func (s *Store) Get(_ context.Context, key durable.Key) (*durable.Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, durable.ErrClosed
	}
	h, ok := s.handles[key]
	if !ok {
		return nil, durable.ErrNotFound
	}
	return &h, nil
}

func (s *Store) Delete(_ context.Context, key durable.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return durable.ErrClosed
	}
	delete(s.handles, key)
	return nil
}

func (s *Store) List(_ context.Context) ([]*durable.Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, durable.ErrClosed
	}
	out := make([]*durable.Handle, 0, len(s.handles))
	for _, h := range s.handles {
		h := h
		out = append(out, &h)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key().String() < out[j].Key().String()
	})
	return out, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.handles = nil
	return nil
}
