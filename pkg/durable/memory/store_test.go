package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/marmos91/dittolease/pkg/durable"
	"github.com/marmos91/dittolease/pkg/durable/memory"
	"github.com/marmos91/dittolease/pkg/durable/storetest"
)

func TestConformance(t *testing.T) {
	storetest.RunConformanceSuite(t, func(t *testing.T) durable.Store {
		s := memory.New()
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestClosedStore(t *testing.T) {
	s := memory.New()
	assert.NoError(t, s.Close())

	ctx := context.Background()
	assert.ErrorIs(t, s.Put(ctx, storetest.SampleHandle(1, 1)), durable.ErrClosed)
	_, err := s.List(ctx)
	assert.ErrorIs(t, err, durable.ErrClosed)
}

func TestGetReturnsCopy(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	h := storetest.SampleHandle(1, 1)
	assert.NoError(t, s.Put(ctx, h))

	got, _ := s.Get(ctx, h.Key())
	got.FileKey = "mutated"

	again, _ := s.Get(ctx, h.Key())
	assert.Equal(t, "/share/file", again.FileKey)
}
