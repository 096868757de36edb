// Package badger persists durable handles in BadgerDB.
//
// Key layout:
//
//	dh:{session}:{file}  -> JSON-encoded durable.Handle
//
// Session and file ids are fixed-width hex so prefix iteration yields
// handles in key order.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/dittolease/pkg/durable"
)

const prefixHandle = "dh:"

func keyHandle(k durable.Key) []byte {
	return []byte(prefixHandle + k.String())
}

// Config configures the badger store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string `mapstructure:"path" yaml:"path"`

	// InMemory keeps everything in RAM.
	InMemory bool `mapstructure:"in_memory" yaml:"in_memory"`
}

// Store is a BadgerDB-backed durable.Store.
type Store struct {
	db *badgerdb.DB
}

var _ durable.Store = (*Store)(nil)

// New opens (or creates) the database described by cfg.
func New(cfg Config) (*Store, error) {
	var opts badgerdb.Options
	if cfg.InMemory {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("badger: path is required")
		}
		opts = badgerdb.DefaultOptions(cfg.Path)
	}
	opts = opts.WithLogger(nil)

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db}, nil
}

// Put stores h, replacing any existing handle for the same key.
func (s *Store) Put(ctx context.Context, h *durable.Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to marshal durable handle: %w", err)
	}

	return s.db.Update(func(txn *badgerdb.Txn) error {
		if err := txn.Set(keyHandle(h.Key()), data); err != nil {
			return fmt.Errorf("failed to store durable handle: %w", err)
		}
		return nil
	})
}

// Get loads the handle for key.
func (s *Store) Get(ctx context.Context, key durable.Key) (*durable.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var h durable.Handle
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(keyHandle(key))
		if err == badgerdb.ErrKeyNotFound {
			return durable.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &h)
		})
	})
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// Delete removes the handle for key.
func (s *Store) Delete(ctx context.Context, key durable.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badgerdb.Txn) error {
		err := txn.Delete(keyHandle(key))
		if err != nil && err != badgerdb.ErrKeyNotFound {
			return fmt.Errorf("failed to delete durable handle: %w", err)
		}
		return nil
	})
}

// List returns all handles in key order.
func (s *Store) List(ctx context.Context) ([]*durable.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []*durable.Handle
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(prefixHandle)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var h durable.Handle
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &h)
			}); err != nil {
				return fmt.Errorf("failed to decode durable handle %s: %w", it.Item().Key(), err)
			}
			out = append(out, &h)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Healthcheck verifies the database can serve a read transaction.
func (s *Store) Healthcheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.View(func(*badgerdb.Txn) error { return nil }); err != nil {
		return fmt.Errorf("healthcheck failed: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
