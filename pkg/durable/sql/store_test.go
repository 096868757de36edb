package sql_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittolease/pkg/durable"
	"github.com/marmos91/dittolease/pkg/durable/sql"
	"github.com/marmos91/dittolease/pkg/durable/storetest"
)

func newSQLite(t *testing.T) *sql.Store {
	t.Helper()
	s, err := sql.New(&sql.Config{
		Type:   sql.DatabaseTypeSQLite,
		SQLite: sql.SQLiteConfig{Path: filepath.Join(t.TempDir(), "durable.db")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.RunConformanceSuite(t, func(t *testing.T) durable.Store {
		return newSQLite(t)
	})
}

func TestHighBitIDsSurvive(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	h := storetest.SampleHandle(0xFFFFFFFF00000001, 0x8000000000000002)
	h.PersistentID = 0xFEEDFACECAFEBEEF
	require.NoError(t, s.Put(ctx, h))

	got, err := s.Get(ctx, h.Key())
	require.NoError(t, err)
	assert.Equal(t, h.SessionID, got.SessionID)
	assert.Equal(t, h.FileID, got.FileID)
	assert.Equal(t, h.PersistentID, got.PersistentID)
}

func TestDeleteByClient(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	a := storetest.SampleHandle(1, 1)
	b := storetest.SampleHandle(1, 2)
	other := storetest.SampleHandle(2, 1)
	other.ClientGUID = [16]byte{0xEE}
	for _, h := range []*durable.Handle{a, b, other} {
		require.NoError(t, s.Put(ctx, h))
	}

	n, err := s.DeleteByClient(ctx, a.ClientGUID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, other.Key(), all[0].Key())
}

func TestConfigDefaultsAndValidation(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")

	cfg := &sql.Config{}
	cfg.ApplyDefaults()
	assert.Equal(t, sql.DatabaseTypeSQLite, cfg.Type)
	assert.Equal(t, "/tmp/xdg/dittolease/durable.db", cfg.SQLite.Path)
	assert.NoError(t, cfg.Validate())

	pg := &sql.Config{Type: sql.DatabaseTypePostgres}
	pg.ApplyDefaults()
	assert.Equal(t, 5432, pg.Postgres.Port)
	assert.Equal(t, "disable", pg.Postgres.SSLMode)
	assert.ErrorContains(t, pg.Validate(), "host")

	pg.Postgres.Host, pg.Postgres.Database, pg.Postgres.User = "db", "dl", "u"
	assert.NoError(t, pg.Validate())
	assert.Contains(t, pg.Postgres.DSN(), "dbname=dl")

	_, err := sql.New(&sql.Config{Type: "oracle"})
	assert.ErrorContains(t, err, "unsupported")
}
