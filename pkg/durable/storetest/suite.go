// Package storetest provides a conformance suite for durable.Store
// implementations.
//
// Usage:
//
//	func TestConformance(t *testing.T) {
//	    storetest.RunConformanceSuite(t, func(t *testing.T) durable.Store {
//	        return memory.New()
//	    })
//	}
package storetest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittolease/pkg/durable"
)

// StoreFactory creates a fresh store for each subtest. Factories register
// their own cleanup.
type StoreFactory func(t *testing.T) durable.Store

// RunConformanceSuite runs every contract test against stores built by
// factory.
func RunConformanceSuite(t *testing.T, factory StoreFactory) {
	t.Helper()

	t.Run("PutGet", func(t *testing.T) { testPutGet(t, factory(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, factory(t)) })
	t.Run("PutReplaces", func(t *testing.T) { testPutReplaces(t, factory(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, factory(t)) })
	t.Run("ListOrdered", func(t *testing.T) { testListOrdered(t, factory(t)) })
}

// SampleHandle returns a populated lease-backed handle.
func SampleHandle(session, file uint64) *durable.Handle {
	h := &durable.Handle{
		SessionID:    session,
		FileID:       file,
		PersistentID: file | 0x1000,
		FileKey:      "/share/file",
		IsLease:      true,
		LeaseState:   0x03,
		CreatedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	for i := range h.ClientGUID {
		h.ClientGUID[i] = byte(i + 1)
		h.LeaseKey[i] = byte(0xA0 + i)
	}
	return h
}

func assertHandleEqual(t *testing.T, want, got *durable.Handle) {
	t.Helper()
	require.NotNil(t, got)
	assert.Equal(t, want.Key(), got.Key())
	assert.Equal(t, want.PersistentID, got.PersistentID)
	assert.Equal(t, want.FileKey, got.FileKey)
	assert.Equal(t, want.ClientGUID, got.ClientGUID)
	assert.Equal(t, want.IsLease, got.IsLease)
	assert.Equal(t, want.LeaseKey, got.LeaseKey)
	assert.Equal(t, want.LeaseState, got.LeaseState)
	assert.Equal(t, want.OplockLevel, got.OplockLevel)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "created_at %v != %v", want.CreatedAt, got.CreatedAt)
}

func testPutGet(t *testing.T, s durable.Store) {
	ctx := t.Context()
	h := SampleHandle(1, 2)
	require.NoError(t, s.Put(ctx, h))

	got, err := s.Get(ctx, h.Key())
	require.NoError(t, err)
	assertHandleEqual(t, h, got)
}

func testGetMissing(t *testing.T, s durable.Store) {
	_, err := s.Get(t.Context(), durable.Key{SessionID: 9, FileID: 9})
	assert.ErrorIs(t, err, durable.ErrNotFound)
}

func testPutReplaces(t *testing.T, s durable.Store) {
	ctx := t.Context()
	h := SampleHandle(1, 2)
	require.NoError(t, s.Put(ctx, h))

	h2 := SampleHandle(1, 2)
	h2.IsLease = false
	h2.LeaseKey = [16]byte{}
	h2.LeaseState = 0
	h2.OplockLevel = 0x09
	h2.FileKey = "/share/other"
	require.NoError(t, s.Put(ctx, h2))

	got, err := s.Get(ctx, h.Key())
	require.NoError(t, err)
	assertHandleEqual(t, h2, got)

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testDelete(t *testing.T, s durable.Store) {
	ctx := t.Context()
	h := SampleHandle(3, 4)
	require.NoError(t, s.Put(ctx, h))
	require.NoError(t, s.Delete(ctx, h.Key()))

	_, err := s.Get(ctx, h.Key())
	assert.ErrorIs(t, err, durable.ErrNotFound)

	// Deleting again is a no-op.
	assert.NoError(t, s.Delete(ctx, h.Key()))
}

func testListOrdered(t *testing.T, s durable.Store) {
	ctx := t.Context()
	keys := []durable.Key{{SessionID: 2, FileID: 1}, {SessionID: 1, FileID: 0x20}, {SessionID: 1, FileID: 3}}
	for _, k := range keys {
		require.NoError(t, s.Put(ctx, SampleHandle(k.SessionID, k.FileID)))
	}

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, durable.Key{SessionID: 1, FileID: 3}, all[0].Key())
	assert.Equal(t, durable.Key{SessionID: 1, FileID: 0x20}, all[1].Key())
	assert.Equal(t, durable.Key{SessionID: 2, FileID: 1}, all[2].Key())
}
