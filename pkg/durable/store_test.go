package durable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyStringOrdersNumerically(t *testing.T) {
	t.Parallel()

	a := Key{SessionID: 2, FileID: 0xff}
	b := Key{SessionID: 0x10, FileID: 1}
	assert.Less(t, a.String(), b.String())
	assert.Equal(t, "0000000000000002:00000000000000ff", a.String())
}

func TestGUIDRoundTrip(t *testing.T) {
	t.Parallel()

	var g [16]byte
	for i := range g {
		g[i] = byte(0xF0 + i)
	}
	got, err := ParseGUID(GUIDString(g))
	require.NoError(t, err)
	assert.Equal(t, g, got)

	_, err = ParseGUID("abcd")
	assert.Error(t, err)
	_, err = ParseGUID("zz")
	assert.Error(t, err)
}
