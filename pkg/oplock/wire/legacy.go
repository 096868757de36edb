package wire

import "fmt"

// SMB1 oplock levels carried in LOCKING_ANDX.
const (
	LegacyOplockLevelNone uint8 = 0
	LegacyOplockLevelII   uint8 = 1

	lockingAndXOplockRelease uint8 = 0x02
	lockingAndXWordCount     uint8 = 8

	// LegacyBreakSize is the total size of an SMB1 oplock break request.
	LegacyBreakSize = SMB1HeaderSize + 1 + int(lockingAndXWordCount)*2 + 2
)

// LegacyOplockBreak is the SMB1 LOCKING_ANDX request a server sends to ask
// the client to release (or downgrade) an oplock.
type LegacyOplockBreak struct {
	TreeID      uint16
	UserID      uint16
	FID         uint16
	OplockLevel uint8
}

// Encode returns the SMB1 header plus the LOCKING_ANDX parameter block.
// PID and MID are 0xFFFF as for any unsolicited request.
func (b *LegacyOplockBreak) Encode() []byte {
	w := NewWriter(LegacyBreakSize)

	w.WriteUint32(smb1ProtocolID)
	w.WriteUint8(smb1CommandLockingAndX)
	w.WriteUint32(0) // Status
	w.WriteUint8(0)  // Flags
	w.WriteUint16(smb1Flags2Unicode | smb1Flags2KnowsLongNames | smb1Flags2NTStatus)
	w.WriteUint16(0) // PIDHigh
	w.WriteZeros(8)  // SecurityFeatures
	w.WriteUint16(0) // Reserved
	w.WriteUint16(b.TreeID)
	w.WriteUint16(0xFFFF) // PIDLow
	w.WriteUint16(b.UserID)
	w.WriteUint16(0xFFFF) // MID

	w.WriteUint8(lockingAndXWordCount)
	w.WriteUint8(0xFF) // AndXCommand: none
	w.WriteUint8(0)    // AndXReserved
	w.WriteUint16(0)   // AndXOffset
	w.WriteUint16(b.FID)
	w.WriteUint8(lockingAndXOplockRelease)
	w.WriteUint8(b.OplockLevel)
	w.WriteUint32(0) // Timeout
	w.WriteUint16(0) // NumberOfUnlocks
	w.WriteUint16(0) // NumberOfLocks
	w.WriteUint16(0) // ByteCount
	return w.Bytes()
}

// DecodeLegacyOplockBreak parses a LOCKING_ANDX oplock break (or the
// client's release, which uses the same layout).
func DecodeLegacyOplockBreak(data []byte) (*LegacyOplockBreak, error) {
	r := NewReader(data)
	if id := r.ReadUint32(); r.Err() == nil && id != smb1ProtocolID {
		return nil, fmt.Errorf("decode legacy oplock break: %w: protocol 0x%08X", ErrUnexpectedValue, id)
	}
	if cmd := r.ReadUint8(); r.Err() == nil && cmd != smb1CommandLockingAndX {
		return nil, fmt.Errorf("decode legacy oplock break: %w: command 0x%02X", ErrUnexpectedValue, cmd)
	}
	r.Skip(19)
	b := &LegacyOplockBreak{TreeID: r.ReadUint16()}
	r.Skip(2)
	b.UserID = r.ReadUint16()
	r.Skip(2)
	if wc := r.ReadUint8(); r.Err() == nil && wc != lockingAndXWordCount {
		return nil, fmt.Errorf("decode legacy oplock break: %w: word count %d", ErrUnexpectedValue, wc)
	}
	r.Skip(4)
	b.FID = r.ReadUint16()
	if lt := r.ReadUint8(); r.Err() == nil && lt&lockingAndXOplockRelease == 0 {
		return nil, fmt.Errorf("decode legacy oplock break: %w: lock type 0x%02X", ErrUnexpectedValue, lt)
	}
	b.OplockLevel = r.ReadUint8()
	r.Skip(10)
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("decode legacy oplock break: %w", err)
	}
	return b, nil
}
