package config

import (
	"fmt"

	"github.com/marmos91/dittolease/pkg/durable"
	"github.com/marmos91/dittolease/pkg/durable/badger"
	"github.com/marmos91/dittolease/pkg/durable/memory"
	"github.com/marmos91/dittolease/pkg/durable/sql"
)

// CreateDurableStore opens the durable handle store selected by cfg. The
// caller owns the returned store and must Close it.
func CreateDurableStore(cfg DurableConfig) (durable.Store, error) {
	switch cfg.Backend {
	case DurableBackendMemory, "":
		return memory.New(), nil
	case DurableBackendBadger:
		return createBadgerDurableStore(cfg)
	case DurableBackendSQLite, DurableBackendPostgres:
		return createSQLDurableStore(cfg)
	default:
		return nil, fmt.Errorf("unknown durable backend: %q", cfg.Backend)
	}
}

func createBadgerDurableStore(cfg DurableConfig) (durable.Store, error) {
	store, err := badger.New(badger.Config{Path: cfg.Path})
	if err != nil {
		return nil, fmt.Errorf("failed to create badger durable store: %w", err)
	}
	return store, nil
}

func createSQLDurableStore(cfg DurableConfig) (durable.Store, error) {
	sc := &sql.Config{
		Type:     sql.DatabaseType(cfg.Backend),
		SQLite:   sql.SQLiteConfig{Path: cfg.Path},
		Postgres: cfg.Postgres,
	}
	store, err := sql.New(sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s durable store: %w", cfg.Backend, err)
	}
	return store, nil
}
