package wire

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(seed byte) [16]byte {
	var k [16]byte
	for i := range k {
		k[i] = seed + byte(i)
	}
	return k
}

// ============================================================================
// Reader / Writer
// ============================================================================

func TestReaderAccumulatesFirstError(t *testing.T) {
	t.Parallel()

	r := NewReader([]byte{0x01, 0x02, 0x03})
	assert.Equal(t, uint16(0x0201), r.ReadUint16())
	assert.Equal(t, uint32(0), r.ReadUint32())
	require.ErrorIs(t, r.Err(), ErrShortRead)

	// Subsequent reads are no-ops.
	assert.Equal(t, uint8(0), r.ReadUint8())
	assert.Equal(t, 1, r.Remaining())
}

func TestReaderExpectUint16(t *testing.T) {
	t.Parallel()

	r := NewReader([]byte{0x18, 0x00})
	r.ExpectUint16(24)
	assert.NoError(t, r.Err())

	r = NewReader([]byte{0x19, 0x00})
	r.ExpectUint16(24)
	assert.ErrorIs(t, r.Err(), ErrUnexpectedValue)
}

func TestGUIDIsNotByteSwapped(t *testing.T) {
	t.Parallel()

	key := testKey(0x10)
	w := NewWriter(16)
	w.WriteGUID(key)
	assert.Equal(t, key[:], w.Bytes())
	assert.Equal(t, key, NewReader(w.Bytes()).ReadGUID())
}

// ============================================================================
// SMB2 header
// ============================================================================

func TestNotificationHeader(t *testing.T) {
	t.Parallel()

	msg := (&OplockBreak{OplockLevel: SMB2OplockLevelII}).EncodeNotification()
	require.Len(t, msg, SMB2HeaderSize+OplockBreakSize)

	assert.Equal(t, []byte{0xFE, 'S', 'M', 'B'}, msg[0:4])

	h, err := ParseNotificationHeader(msg)
	require.NoError(t, err)
	assert.Equal(t, CommandOplockBreak, h.Command)
	assert.Equal(t, FlagServerToRedir, h.Flags)
	assert.Equal(t, UnsolicitedMessageID, h.MessageID)

	// SessionId and Signature are zero.
	assert.Equal(t, make([]byte, 24), msg[40:64])
}

func TestParseNotificationHeaderRejectsSMB1(t *testing.T) {
	t.Parallel()

	msg := (&LegacyOplockBreak{FID: 1}).Encode()
	_, err := ParseNotificationHeader(msg)
	assert.Error(t, err)
}

// ============================================================================
// Oplock break
// ============================================================================

func TestOplockBreakLayout(t *testing.T) {
	t.Parallel()

	b := &OplockBreak{OplockLevel: SMB2OplockLevelII, PersistentID: 0x1122, VolatileID: 0x3344}
	body := b.EncodeBody()

	require.Len(t, body, OplockBreakSize)
	assert.Equal(t, uint16(24), binary.LittleEndian.Uint16(body[0:2]))
	assert.Equal(t, SMB2OplockLevelII, body[2])
	assert.Equal(t, uint64(0x1122), binary.LittleEndian.Uint64(body[8:16]))
	assert.Equal(t, uint64(0x3344), binary.LittleEndian.Uint64(body[16:24]))

	got, err := DecodeOplockBreak(body)
	require.NoError(t, err)
	assert.Equal(t, b, got)
}

func TestDecodeOplockBreakErrors(t *testing.T) {
	t.Parallel()

	_, err := DecodeOplockBreak(make([]byte, 10))
	assert.ErrorIs(t, err, ErrShortRead)
	assert.NotErrorIs(t, err, ErrUnexpectedValue)

	body := (&OplockBreak{}).EncodeBody()
	body[0] = 25
	_, err = DecodeOplockBreak(body)
	assert.ErrorIs(t, err, ErrUnexpectedValue)
}

// ============================================================================
// Lease break
// ============================================================================

func TestLeaseBreakNotificationLayout(t *testing.T) {
	t.Parallel()

	n := &LeaseBreakNotification{
		NewEpoch:          3,
		Flags:             LeaseBreakFlagAckRequired,
		LeaseKey:          testKey(0xA0),
		CurrentLeaseState: LeaseStateRead | LeaseStateWrite | LeaseStateHandle,
		NewLeaseState:     LeaseStateRead | LeaseStateHandle,
	}
	body := n.EncodeBody()

	require.Len(t, body, LeaseBreakNotificationSize)
	assert.Equal(t, uint16(44), binary.LittleEndian.Uint16(body[0:2]))
	assert.Equal(t, uint16(3), binary.LittleEndian.Uint16(body[2:4]))
	assert.Equal(t, LeaseBreakFlagAckRequired, binary.LittleEndian.Uint32(body[4:8]))
	assert.Equal(t, n.LeaseKey[:], body[8:24])
	assert.Equal(t, uint32(0x07), binary.LittleEndian.Uint32(body[24:28]))
	assert.Equal(t, uint32(0x03), binary.LittleEndian.Uint32(body[28:32]))
	assert.Equal(t, make([]byte, 12), body[32:44])

	got, err := DecodeLeaseBreakNotification(body)
	require.NoError(t, err)
	assert.Equal(t, n, got)

	msg := n.EncodeNotification()
	assert.Len(t, msg, SMB2HeaderSize+LeaseBreakNotificationSize)
	assert.Equal(t, body, msg[SMB2HeaderSize:])
	_, err = DecodeLeaseBreakNotification(body[:8])
	assert.ErrorIs(t, err, ErrShortRead)
}

func TestAckRequired(t *testing.T) {
	t.Parallel()

	assert.False(t, AckRequired(LeaseStateNone))
	assert.False(t, AckRequired(LeaseStateRead))
	assert.True(t, AckRequired(LeaseStateRead|LeaseStateHandle))
	assert.True(t, AckRequired(LeaseStateRead|LeaseStateWrite))
}

func TestLeaseBreakAck(t *testing.T) {
	t.Parallel()

	a := &LeaseBreakAck{LeaseKey: testKey(1), LeaseState: LeaseStateRead}
	body := a.Encode()
	require.Len(t, body, LeaseBreakAckSize)
	assert.Equal(t, uint16(36), binary.LittleEndian.Uint16(body[0:2]))
	assert.Equal(t, a.LeaseKey[:], body[8:24])
	assert.Equal(t, LeaseStateRead, binary.LittleEndian.Uint32(body[24:28]))

	got, err := DecodeLeaseBreakAck(body)
	require.NoError(t, err)
	assert.Equal(t, a, got)

	_, err = DecodeLeaseBreakAck(body[:30])
	assert.ErrorIs(t, err, ErrShortRead)

	_, err = DecodeLeaseBreakAck(make([]byte, 4))
	assert.ErrorIs(t, err, ErrShortRead)
	assert.NotErrorIs(t, err, ErrUnexpectedValue)
}

// ============================================================================
// Lease create context
// ============================================================================

func TestLeaseContextV1(t *testing.T) {
	t.Parallel()

	c := &LeaseContext{LeaseKey: testKey(5), LeaseState: LeaseStateRead | LeaseStateWrite, Duration: 0}
	data := c.Encode()
	require.Len(t, data, LeaseContextV1Size)

	got, err := DecodeLeaseContext(data)
	require.NoError(t, err)
	assert.False(t, got.V2)
	assert.Equal(t, c, got)
}

func TestLeaseContextV2(t *testing.T) {
	t.Parallel()

	c := &LeaseContext{
		LeaseKey:       testKey(5),
		LeaseState:     LeaseStateRead | LeaseStateHandle,
		Flags:          LeaseFlagParentLeaseKeySet,
		ParentLeaseKey: testKey(0x50),
		Epoch:          9,
		V2:             true,
	}
	data := c.Encode()
	require.Len(t, data, LeaseContextV2Size)
	assert.Equal(t, uint16(9), binary.LittleEndian.Uint16(data[48:50]))

	got, err := DecodeLeaseContext(data)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestLeaseContextTooShort(t *testing.T) {
	t.Parallel()

	_, err := DecodeLeaseContext(make([]byte, 31))
	assert.ErrorIs(t, err, ErrShortRead)
}

// ============================================================================
// SMB1 LOCKING_ANDX
// ============================================================================

func TestLegacyOplockBreak(t *testing.T) {
	t.Parallel()

	b := &LegacyOplockBreak{TreeID: 7, UserID: 100, FID: 0x4242, OplockLevel: LegacyOplockLevelII}
	msg := b.Encode()

	require.Len(t, msg, LegacyBreakSize)
	assert.Equal(t, 51, LegacyBreakSize)
	assert.Equal(t, []byte{0xFF, 'S', 'M', 'B'}, msg[0:4])
	assert.Equal(t, uint8(0x24), msg[4])
	assert.Equal(t, uint16(7), binary.LittleEndian.Uint16(msg[24:26]))
	assert.Equal(t, uint16(0xFFFF), binary.LittleEndian.Uint16(msg[30:32]))
	assert.Equal(t, uint8(8), msg[32])
	assert.Equal(t, uint8(0xFF), msg[33])
	assert.Equal(t, uint16(0x4242), binary.LittleEndian.Uint16(msg[37:39]))
	assert.Equal(t, uint8(0x02), msg[39])
	assert.Equal(t, LegacyOplockLevelII, msg[40])

	got, err := DecodeLegacyOplockBreak(msg)
	require.NoError(t, err)
	assert.Equal(t, b, got)
}

func TestDecodeLegacyOplockBreakRejectsSMB2(t *testing.T) {
	t.Parallel()

	_, err := DecodeLegacyOplockBreak((&OplockBreak{}).EncodeNotification())
	assert.ErrorIs(t, err, ErrUnexpectedValue)
}
