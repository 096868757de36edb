package wire

import "fmt"

// Lease state bits.
const (
	LeaseStateNone   uint32 = 0x00
	LeaseStateRead   uint32 = 0x01
	LeaseStateHandle uint32 = 0x02
	LeaseStateWrite  uint32 = 0x04
)

// Lease flags used in create contexts and break notifications.
const (
	LeaseFlagBreakInProgress   uint32 = 0x02
	LeaseFlagParentLeaseKeySet uint32 = 0x04

	LeaseBreakFlagAckRequired uint32 = 0x01
)

// Structure sizes.
const (
	LeaseBreakNotificationSize = 44
	LeaseBreakAckSize          = 36
	LeaseContextV1Size         = 32
	LeaseContextV2Size         = 52
)

// LeaseBreakNotification is the SMB2 LEASE_BREAK notification body.
//
//	Offset  Size  Field
//	0       2     StructureSize (44)
//	2       2     NewEpoch
//	4       4     Flags
//	8       16    LeaseKey
//	24      4     CurrentLeaseState
//	28      4     NewLeaseState
//	32      4     BreakReason
//	36      4     AccessMaskHint
//	40      4     ShareMaskHint
type LeaseBreakNotification struct {
	NewEpoch          uint16
	Flags             uint32
	LeaseKey          [16]byte
	CurrentLeaseState uint32
	NewLeaseState     uint32
}

// AckRequired reports whether a client must acknowledge a break out of
// current: only states caching writes or handles need an ack.
func AckRequired(current uint32) bool {
	return current&(LeaseStateWrite|LeaseStateHandle) != 0
}

// EncodeBody returns the 44-byte body.
func (n *LeaseBreakNotification) EncodeBody() []byte {
	w := NewWriter(LeaseBreakNotificationSize)
	w.WriteUint16(LeaseBreakNotificationSize)
	w.WriteUint16(n.NewEpoch)
	w.WriteUint32(n.Flags)
	w.WriteGUID(n.LeaseKey)
	w.WriteUint32(n.CurrentLeaseState)
	w.WriteUint32(n.NewLeaseState)
	w.WriteZeros(12) // BreakReason, AccessMaskHint, ShareMaskHint
	return w.Bytes()
}

// EncodeNotification returns a complete unsolicited LEASE_BREAK message.
func (n *LeaseBreakNotification) EncodeNotification() []byte {
	w := NewWriter(SMB2HeaderSize + LeaseBreakNotificationSize)
	appendSMB2NotificationHeader(w)
	w.WriteBytes(n.EncodeBody())
	return w.Bytes()
}

// DecodeLeaseBreakNotification parses a 44-byte LEASE_BREAK body.
func DecodeLeaseBreakNotification(body []byte) (*LeaseBreakNotification, error) {
	if len(body) < LeaseBreakNotificationSize {
		return nil, fmt.Errorf("decode lease break notification: %w: %d bytes", ErrShortRead, len(body))
	}
	r := NewReader(body)
	r.ExpectUint16(LeaseBreakNotificationSize)
	n := &LeaseBreakNotification{NewEpoch: r.ReadUint16(), Flags: r.ReadUint32()}
	n.LeaseKey = r.ReadGUID()
	n.CurrentLeaseState = r.ReadUint32()
	n.NewLeaseState = r.ReadUint32()
	r.Skip(12)
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("decode lease break notification: %w", err)
	}
	return n, nil
}

// LeaseBreakAck is the client's LEASE_BREAK acknowledgment (and the
// server's response, which has the same layout).
//
//	Offset  Size  Field
//	0       2     StructureSize (36)
//	2       2     Reserved
//	4       4     Flags
//	8       16    LeaseKey
//	24      4     LeaseState
//	28      8     LeaseDuration
type LeaseBreakAck struct {
	LeaseKey   [16]byte
	LeaseState uint32
}

// DecodeLeaseBreakAck parses a 36-byte lease break acknowledgment.
func DecodeLeaseBreakAck(body []byte) (*LeaseBreakAck, error) {
	if len(body) < LeaseBreakAckSize {
		return nil, fmt.Errorf("decode lease break ack: %w: %d bytes", ErrShortRead, len(body))
	}
	r := NewReader(body)
	r.ExpectUint16(LeaseBreakAckSize)
	r.Skip(6)
	a := &LeaseBreakAck{LeaseKey: r.ReadGUID(), LeaseState: r.ReadUint32()}
	r.Skip(8)
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("decode lease break ack: %w", err)
	}
	return a, nil
}

// Encode returns the 36-byte body. The server uses it for the
// LEASE_BREAK response.
func (a *LeaseBreakAck) Encode() []byte {
	w := NewWriter(LeaseBreakAckSize)
	w.WriteUint16(LeaseBreakAckSize)
	w.WriteUint16(0)
	w.WriteUint32(0)
	w.WriteGUID(a.LeaseKey)
	w.WriteUint32(a.LeaseState)
	w.WriteUint64(0)
	return w.Bytes()
}

// LeaseContext is the "RqLs" create context.
//
// V1 (32 bytes): LeaseKey(16) LeaseState(4) LeaseFlags(4) LeaseDuration(8).
// V2 (52 bytes) appends ParentLeaseKey(16) Epoch(2) Reserved(2).
type LeaseContext struct {
	LeaseKey       [16]byte
	LeaseState     uint32
	Flags          uint32
	Duration       uint64
	ParentLeaseKey [16]byte
	Epoch          uint16
	V2             bool
}

// DecodeLeaseContext parses a V1 or V2 lease create context. The version
// is picked from the data length.
func DecodeLeaseContext(data []byte) (*LeaseContext, error) {
	if len(data) < LeaseContextV1Size {
		return nil, fmt.Errorf("decode lease context: %w: %d bytes", ErrShortRead, len(data))
	}

	r := NewReader(data)
	c := &LeaseContext{
		LeaseKey:   r.ReadGUID(),
		LeaseState: r.ReadUint32(),
		Flags:      r.ReadUint32(),
		Duration:   r.ReadUint64(),
	}
	if len(data) >= LeaseContextV2Size {
		c.V2 = true
		c.ParentLeaseKey = r.ReadGUID()
		c.Epoch = r.ReadUint16()
		r.Skip(2)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("decode lease context: %w", err)
	}
	return c, nil
}

// Encode returns the V1 or V2 encoding depending on c.V2.
func (c *LeaseContext) Encode() []byte {
	size := LeaseContextV1Size
	if c.V2 {
		size = LeaseContextV2Size
	}
	w := NewWriter(size)
	w.WriteGUID(c.LeaseKey)
	w.WriteUint32(c.LeaseState)
	w.WriteUint32(c.Flags)
	w.WriteUint64(c.Duration)
	if c.V2 {
		w.WriteGUID(c.ParentLeaseKey)
		w.WriteUint16(c.Epoch)
		w.WriteUint16(0)
	}
	return w.Bytes()
}
