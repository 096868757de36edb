package oplock

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittolease/pkg/durable"
	"github.com/marmos91/dittolease/pkg/durable/memory"
)

func newDurableEnv(t *testing.T) (*testEnv, *memory.Store) {
	t.Helper()
	store := memory.New()
	env := newTestEnv(t, func(_ *Config, d *Dependencies) { d.Durable = store })
	return env, store
}

func durableLease(c ClientContext, fileKey string, fileID uint64, key LeaseKey, state LeaseState) GrantRequest {
	req := leaseReq(c, fileKey, fileID, key, state)
	req.File.Durable = true
	return req
}

func TestDurableHandlePersisted(t *testing.T) {
	t.Parallel()
	env, store := newDurableEnv(t)
	ctx := context.Background()

	c := client(1, 1)
	r := mustGrant(t, env.m, durableLease(c, "/f", 10, lkey(1), LeaseRead|LeaseHandle)).Record

	h, err := store.Get(ctx, durable.Key{SessionID: 100, FileID: 10})
	require.NoError(t, err)
	assert.Equal(t, "/f", h.FileKey)
	assert.True(t, h.IsLease)
	assert.Equal(t, [16]byte(lkey(1)), h.LeaseKey)
	assert.Equal(t, [16]byte(guid(1)), h.ClientGUID)
	assert.Equal(t, uint32(LeaseRead|LeaseHandle), h.LeaseState)
	assert.Equal(t, uint64(1010), h.PersistentID)

	env.m.CloseRecord(ctx, r)
	_, err = store.Get(ctx, durable.Key{SessionID: 100, FileID: 10})
	assert.ErrorIs(t, err, durable.ErrNotFound)
	assert.Empty(t, env.m.DurableHandles())
}

func TestDurableReconnect(t *testing.T) {
	t.Parallel()
	env, store := newDurableEnv(t)
	ctx := context.Background()

	c := client(1, 1)
	r := mustGrant(t, env.m, durableLease(c, "/f", 10, lkey(1), LeaseRead|LeaseHandle)).Record
	env.m.Disconnect(ctx, 1)
	require.True(t, r.IsDetached())
	require.Nil(t, env.m.LeaseTables().LookupByKey(c.ClientGUID, lkey(1)))

	env.sessions.add(Session{ID: 500, ConnID: 5, ClientGUID: guid(1)})

	got, err := env.m.VerifyDurableReconnect(ctx, 100, 500, 10, nil)
	require.NoError(t, err)
	assert.Same(t, r, got)
	assert.False(t, r.IsDetached())
	assert.Equal(t, uint64(500), r.SessionID())
	assert.Equal(t, uint64(5), r.ConnID())
	assert.Equal(t, LeaseRead|LeaseHandle, r.LeaseState())
	assert.Same(t, r, env.m.LeaseTables().LookupByKey(c.ClientGUID, lkey(1)))

	_, err = store.Get(ctx, durable.Key{SessionID: 100, FileID: 10})
	assert.ErrorIs(t, err, durable.ErrNotFound)
	h, err := store.Get(ctx, durable.Key{SessionID: 500, FileID: 10})
	require.NoError(t, err)
	assert.Equal(t, uint64(500), h.SessionID)

	// Breaks now reach the new connection.
	done := runAsync(func() (BreakOutcome, error) { return env.m.ReadToNone(ctx, r, false) })
	assert.Equal(t, uint64(5), env.tr.next(t).connID)
	require.NoError(t, env.m.AcknowledgeLeaseBreak(c.ClientGUID, lkey(1), LeaseNone))
	waitResult(t, done)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.reconnectTotal.WithLabelValues(StatusAccepted)))
}

func TestDurableReconnectPlainOplock(t *testing.T) {
	t.Parallel()
	env, _ := newDurableEnv(t)
	ctx := context.Background()

	req := oplockReq(client(1, 1), "/f", 10, LevelBatch)
	req.File.Durable = true
	r := mustGrant(t, env.m, req).Record
	env.m.Disconnect(ctx, 1)

	env.sessions.add(Session{ID: 700, ConnID: 7, ClientGUID: guid(1)})
	_, err := env.m.VerifyDurableReconnect(ctx, 100, 700, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, LevelBatch, r.Level())
	assert.Same(t, r, env.m.findRecord(7, 10))
}

func TestDurableReconnectDenied(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	setup := func(t *testing.T) (*testEnv, *Record) {
		env, _ := newDurableEnv(t)
		r := mustGrant(t, env.m, durableLease(client(1, 1), "/f", 10, lkey(1), LeaseRead|LeaseHandle)).Record
		env.sessions.add(Session{ID: 500, ConnID: 5, ClientGUID: guid(1)})
		return env, r
	}

	t.Run("StillConnected", func(t *testing.T) {
		env, _ := setup(t)
		_, err := env.m.VerifyDurableReconnect(ctx, 100, 500, 10, nil)
		assert.ErrorIs(t, err, ErrReconnectDenied)
		assert.Contains(t, err.Error(), "still in use")
	})

	t.Run("UnknownHandle", func(t *testing.T) {
		env, _ := setup(t)
		env.m.Disconnect(ctx, 1)
		_, err := env.m.VerifyDurableReconnect(ctx, 100, 500, 99, nil)
		assert.ErrorIs(t, err, ErrReconnectDenied)
	})

	t.Run("WrongLeaseKey", func(t *testing.T) {
		env, _ := setup(t)
		env.m.Disconnect(ctx, 1)
		h := &durable.Handle{SessionID: 100, FileID: 10, FileKey: "/f", IsLease: true, LeaseKey: lkey(2), ClientGUID: guid(1)}
		_, err := env.m.VerifyDurableReconnect(ctx, 100, 500, 10, h)
		assert.ErrorIs(t, err, ErrReconnectDenied)
		assert.Contains(t, err.Error(), "lease key mismatch")
	})

	t.Run("WrongFile", func(t *testing.T) {
		env, _ := setup(t)
		env.m.Disconnect(ctx, 1)
		h := &durable.Handle{SessionID: 100, FileID: 10, FileKey: "/elsewhere", IsLease: true, LeaseKey: lkey(1), ClientGUID: guid(1)}
		_, err := env.m.VerifyDurableReconnect(ctx, 100, 500, 10, h)
		assert.ErrorIs(t, err, ErrReconnectDenied)
	})

	t.Run("UnknownSession", func(t *testing.T) {
		env, r := setup(t)
		env.m.Disconnect(ctx, 1)
		_, err := env.m.VerifyDurableReconnect(ctx, 100, 501, 10, nil)
		assert.ErrorIs(t, err, ErrReconnectDenied)
		assert.True(t, r.IsDetached(), "a denied reconnect leaves the handle reclaimable")
	})

	t.Run("OtherClient", func(t *testing.T) {
		env, _ := setup(t)
		env.m.Disconnect(ctx, 1)
		env.sessions.add(Session{ID: 600, ConnID: 6, ClientGUID: guid(2)})
		_, err := env.m.VerifyDurableReconnect(ctx, 100, 600, 10, nil)
		assert.ErrorIs(t, err, ErrReconnectDenied)
		assert.Contains(t, err.Error(), "client guid mismatch")
	})

	t.Run("BrokenWhileDetached", func(t *testing.T) {
		env, r := setup(t)
		env.m.Disconnect(ctx, 1)

		req := oplockReq(client(2, 2), "/f", 20, LevelBatch)
		req.File.Truncate = true
		mustGrant(t, env.m, req)
		assert.Equal(t, LeaseNone, r.LeaseState())

		_, err := env.m.VerifyDurableReconnect(ctx, 100, 500, 10, nil)
		assert.ErrorIs(t, err, ErrReconnectDenied)
		assert.Contains(t, err.Error(), "conflicting open")

		assert.Equal(t, OpClosing, r.State())
		env.files.mu.Lock()
		closed := append([]OpenHandle(nil), env.files.closed...)
		env.files.mu.Unlock()
		require.Len(t, closed, 1)
		assert.Equal(t, uint64(10), closed[0].FileID)
		assert.Equal(t, "/f", closed[0].FileKey)
		assert.Len(t, env.m.Records("/f"), 1)
	})

	t.Run("NoStoreAndNoHandle", func(t *testing.T) {
		env := newTestEnv(t)
		mustGrant(t, env.m, durableLease(client(1, 1), "/f", 10, lkey(1), LeaseRead))
		env.m.Disconnect(ctx, 1)
		_, err := env.m.VerifyDurableReconnect(ctx, 100, 500, 10, nil)
		assert.ErrorIs(t, err, ErrReconnectDenied)
	})
}

func TestRestoreDurableAfterRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()

	// Handles persisted by an earlier server instance.
	rh := uint32(LeaseRead | LeaseHandle)
	for _, h := range []*durable.Handle{
		{SessionID: 100, FileID: 10, PersistentID: 1010, FileKey: "/f", ClientGUID: guid(1), IsLease: true, LeaseKey: lkey(1), LeaseState: rh},
		{SessionID: 100, FileID: 11, PersistentID: 1011, FileKey: "/f", ClientGUID: guid(1), IsLease: true, LeaseKey: lkey(1), LeaseState: rh},
		{SessionID: 200, FileID: 20, PersistentID: 1020, FileKey: "/g", ClientGUID: guid(2), OplockLevel: LevelBatch.SMB2()},
	} {
		require.NoError(t, store.Put(ctx, h))
	}

	env := newTestEnv(t, func(_ *Config, d *Dependencies) { d.Durable = store })
	n, err := env.m.RestoreDurable(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, env.m.DurableHandles(), 3)

	recs := env.m.Records("/f")
	require.Len(t, recs, 2)
	assert.Same(t, recs[0].Lease(), recs[1].Lease())
	assert.True(t, recs[0].IsDetached())
	assert.Equal(t, LeaseRead|LeaseHandle, recs[0].LeaseState())

	g := env.m.Records("/g")
	require.Len(t, g, 1)
	assert.Equal(t, LevelBatch, g[0].Level())
	assert.True(t, g[0].IsDurable())

	n, err = env.m.RestoreDurable(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "indexed handles are not restored twice")

	env.sessions.add(Session{ID: 500, ConnID: 5, ClientGUID: guid(1)})
	got, err := env.m.VerifyDurableReconnect(ctx, 100, 500, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), got.FileID())
	assert.False(t, got.IsDetached())
	assert.Same(t, got.Lease(), env.m.LeaseTables().lookup(guid(1), lkey(1)))
}

func TestRestoreDurableWithoutStore(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	n, err := env.m.RestoreDurable(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
