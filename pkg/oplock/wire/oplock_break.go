package wire

import "fmt"

// SMB2 oplock levels as carried on the wire.
const (
	SMB2OplockLevelNone      uint8 = 0x00
	SMB2OplockLevelII        uint8 = 0x01
	SMB2OplockLevelExclusive uint8 = 0x08
	SMB2OplockLevelBatch     uint8 = 0x09
	SMB2OplockLevelLease     uint8 = 0xFF
)

// OplockBreakSize is the StructureSize of the OPLOCK_BREAK notification,
// acknowledgment and response bodies.
const OplockBreakSize = 24

// OplockBreak is the body shared by the SMB2 oplock break notification
// (server to client) and acknowledgment (client to server).
//
//	Offset  Size  Field
//	0       2     StructureSize (24)
//	2       1     OplockLevel
//	3       1     Reserved
//	4       4     Reserved2
//	8       8     FileId.Persistent
//	16      8     FileId.Volatile
type OplockBreak struct {
	OplockLevel  uint8
	PersistentID uint64
	VolatileID   uint64
}

// EncodeBody returns the 24-byte body.
func (b *OplockBreak) EncodeBody() []byte {
	w := NewWriter(OplockBreakSize)
	w.WriteUint16(OplockBreakSize)
	w.WriteUint8(b.OplockLevel)
	w.WriteUint8(0)
	w.WriteUint32(0)
	w.WriteUint64(b.PersistentID)
	w.WriteUint64(b.VolatileID)
	return w.Bytes()
}

// EncodeNotification returns a complete unsolicited OPLOCK_BREAK message:
// SMB2 header followed by the 24-byte body.
func (b *OplockBreak) EncodeNotification() []byte {
	w := NewWriter(SMB2HeaderSize + OplockBreakSize)
	appendSMB2NotificationHeader(w)
	w.WriteBytes(b.EncodeBody())
	return w.Bytes()
}

// DecodeOplockBreak parses a 24-byte OPLOCK_BREAK body (typically a client
// acknowledgment).
func DecodeOplockBreak(body []byte) (*OplockBreak, error) {
	if len(body) < OplockBreakSize {
		return nil, fmt.Errorf("decode oplock break: %w: %d bytes", ErrShortRead, len(body))
	}
	r := NewReader(body)
	r.ExpectUint16(OplockBreakSize)
	b := &OplockBreak{OplockLevel: r.ReadUint8()}
	r.Skip(5)
	b.PersistentID = r.ReadUint64()
	b.VolatileID = r.ReadUint64()
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("decode oplock break: %w", err)
	}
	return b, nil
}
