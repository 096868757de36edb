package wire

const (
	// SMB2HeaderSize is the fixed size of an SMB2 sync header.
	SMB2HeaderSize = 64

	// SMB1HeaderSize is the fixed size of an SMB1 header.
	SMB1HeaderSize = 32

	smb2ProtocolID uint32 = 0x424D53FE // 0xFE 'S' 'M' 'B'
	smb1ProtocolID uint32 = 0x424D53FF // 0xFF 'S' 'M' 'B'

	// CommandOplockBreak is the SMB2 OPLOCK_BREAK command code, shared by
	// oplock and lease breaks.
	CommandOplockBreak uint16 = 0x0012

	// FlagServerToRedir marks a message as a server response or
	// server-initiated notification.
	FlagServerToRedir uint32 = 0x00000001

	// UnsolicitedMessageID is the MessageId of server-initiated
	// notifications (0xFFFFFFFFFFFFFFFF).
	UnsolicitedMessageID uint64 = ^uint64(0)

	// SMB1 LOCKING_ANDX command and flags.
	smb1CommandLockingAndX   uint8  = 0x24
	smb1Flags2KnowsLongNames uint16 = 0x0001
	smb1Flags2NTStatus       uint16 = 0x4000
	smb1Flags2Unicode        uint16 = 0x8000
)

// appendSMB2NotificationHeader writes the 64-byte header of an unsolicited
// OPLOCK_BREAK notification. Session, tree and signature are zero.
func appendSMB2NotificationHeader(w *Writer) {
	w.WriteUint32(smb2ProtocolID)
	w.WriteUint16(SMB2HeaderSize) // StructureSize
	w.WriteUint16(0)              // CreditCharge
	w.WriteUint32(0)              // Status
	w.WriteUint16(CommandOplockBreak)
	w.WriteUint16(0) // CreditResponse
	w.WriteUint32(FlagServerToRedir)
	w.WriteUint32(0) // NextCommand
	w.WriteUint64(UnsolicitedMessageID)
	w.WriteUint32(0) // ProcessId
	w.WriteUint32(0) // TreeId
	w.WriteUint64(0) // SessionId
	w.WriteZeros(16) // Signature
}

// NotificationHeader is the subset of an SMB2 header a decoder of break
// notifications cares about.
type NotificationHeader struct {
	Command   uint16
	Flags     uint32
	MessageID uint64
}

// ParseNotificationHeader decodes the SMB2 header at the start of data.
func ParseNotificationHeader(data []byte) (*NotificationHeader, error) {
	r := NewReader(data)
	if id := r.ReadUint32(); r.Err() == nil && id != smb2ProtocolID {
		return nil, ErrUnexpectedValue
	}
	r.ExpectUint16(SMB2HeaderSize)
	r.Skip(6) // CreditCharge, Status
	h := &NotificationHeader{Command: r.ReadUint16()}
	r.Skip(2)
	h.Flags = r.ReadUint32()
	r.Skip(4)
	h.MessageID = r.ReadUint64()
	r.Skip(32)
	if err := r.Err(); err != nil {
		return nil, err
	}
	return h, nil
}
