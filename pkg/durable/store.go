// Package durable defines the persistence contract for durable SMB handles.
//
// A durable handle records enough about an open, and the caching state it
// held, for the oplock manager to verify a reconnect after the client's
// session was lost. Backends live in subpackages: memory, badger and sql
// (SQLite or PostgreSQL through GORM).
package durable

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no handle exists for a (session, file id)
// pair.
var ErrNotFound = errors.New("durable handle not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("durable store closed")

// Handle is the persisted view of a durable open.
type Handle struct {
	SessionID    uint64    `json:"session_id"`
	FileID       uint64    `json:"file_id"`
	PersistentID uint64    `json:"persistent_id"`
	FileKey      string    `json:"file_key"`
	ClientGUID   [16]byte  `json:"client_guid"`
	IsLease      bool      `json:"is_lease"`
	LeaseKey     [16]byte  `json:"lease_key"`
	LeaseState   uint32    `json:"lease_state"`
	OplockLevel  uint8     `json:"oplock_level"`
	CreatedAt    time.Time `json:"created_at"`
}

// Key returns the handle's primary key.
func (h *Handle) Key() Key {
	return Key{SessionID: h.SessionID, FileID: h.FileID}
}

// Key identifies a durable handle.
type Key struct {
	SessionID uint64
	FileID    uint64
}

// String renders the key as "session:file" in fixed-width hex so that
// lexical ordering matches numeric ordering.
func (k Key) String() string {
	return fmt.Sprintf("%016x:%016x", k.SessionID, k.FileID)
}

// GUIDString formats a 16-byte identifier as lowercase hex.
func GUIDString(g [16]byte) string {
	return hex.EncodeToString(g[:])
}

// ParseGUID parses the output of GUIDString.
func ParseGUID(s string) ([16]byte, error) {
	var g [16]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return g, fmt.Errorf("parse guid: %w", err)
	}
	if len(b) != len(g) {
		return g, fmt.Errorf("parse guid: want %d bytes, got %d", len(g), len(b))
	}
	copy(g[:], b)
	return g, nil
}

// Store persists durable handles.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Put inserts or replaces the handle for h.Key().
	Put(ctx context.Context, h *Handle) error

	// Get returns the handle for key, or ErrNotFound.
	Get(ctx context.Context, key Key) (*Handle, error)

	// Delete removes the handle for key. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key Key) error

	// List returns every stored handle ordered by key.
	List(ctx context.Context) ([]*Handle, error)

	// Close releases backend resources.
	Close() error
}
