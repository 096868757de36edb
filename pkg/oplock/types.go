package oplock

import (
	"encoding/hex"
	"fmt"

	"github.com/marmos91/dittolease/pkg/oplock/wire"
)

// ============================================================================
// Oplock Levels
// ============================================================================

// Level is a dialect-neutral oplock level.
type Level uint8

const (
	LevelNone Level = iota
	LevelRead       // SMB2 Level II / SMB1 LEVEL_II
	LevelExclusive
	LevelBatch
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelRead:
		return "read"
	case LevelExclusive:
		return "exclusive"
	case LevelBatch:
		return "batch"
	default:
		return fmt.Sprintf("level(%d)", uint8(l))
	}
}

// IsExclusive reports whether l is Exclusive or Batch.
func (l Level) IsExclusive() bool {
	return l == LevelExclusive || l == LevelBatch
}

// SMB2 returns the SMB2 wire value.
func (l Level) SMB2() uint8 {
	switch l {
	case LevelRead:
		return wire.SMB2OplockLevelII
	case LevelExclusive:
		return wire.SMB2OplockLevelExclusive
	case LevelBatch:
		return wire.SMB2OplockLevelBatch
	default:
		return wire.SMB2OplockLevelNone
	}
}

// LevelFromSMB2 converts an SMB2 RequestedOplockLevel. The lease level and
// unknown values map to LevelNone.
func LevelFromSMB2(v uint8) Level {
	switch v {
	case wire.SMB2OplockLevelII:
		return LevelRead
	case wire.SMB2OplockLevelExclusive:
		return LevelExclusive
	case wire.SMB2OplockLevelBatch:
		return LevelBatch
	default:
		return LevelNone
	}
}

// SMB1 create response oplock levels.
const (
	legacyLevelNone      uint8 = 0
	legacyLevelExclusive uint8 = 1
	legacyLevelBatch     uint8 = 2
	legacyLevelII        uint8 = 3
)

// Legacy returns the SMB1 create-response oplock level.
func (l Level) Legacy() uint8 {
	switch l {
	case LevelRead:
		return legacyLevelII
	case LevelExclusive:
		return legacyLevelExclusive
	case LevelBatch:
		return legacyLevelBatch
	default:
		return legacyLevelNone
	}
}

// LevelFromLegacy converts an SMB1 oplock level.
func LevelFromLegacy(v uint8) Level {
	switch v {
	case legacyLevelII:
		return LevelRead
	case legacyLevelExclusive:
		return LevelExclusive
	case legacyLevelBatch:
		return LevelBatch
	default:
		return LevelNone
	}
}

// ============================================================================
// Lease State
// ============================================================================

// LeaseState is the R/H/W caching bitmask of a lease.
type LeaseState uint32

const (
	LeaseNone   LeaseState = 0
	LeaseRead   LeaseState = LeaseState(wire.LeaseStateRead)
	LeaseHandle LeaseState = LeaseState(wire.LeaseStateHandle)
	LeaseWrite  LeaseState = LeaseState(wire.LeaseStateWrite)

	leaseAll = LeaseRead | LeaseHandle | LeaseWrite
)

// Has reports whether every bit of b is set.
func (s LeaseState) Has(b LeaseState) bool {
	return s&b == b
}

// String renders the state as letters in RWH order, or "none".
func (s LeaseState) String() string {
	if s == LeaseNone {
		return "none"
	}
	out := make([]byte, 0, 3)
	if s&LeaseRead != 0 {
		out = append(out, 'R')
	}
	if s&LeaseWrite != 0 {
		out = append(out, 'W')
	}
	if s&LeaseHandle != 0 {
		out = append(out, 'H')
	}
	if s&^leaseAll != 0 {
		return fmt.Sprintf("%s+0x%x", out, uint32(s&^leaseAll))
	}
	return string(out)
}

// IsValidFile reports whether s is grantable on a file: None, R, RW, RH
// or RWH.
func (s LeaseState) IsValidFile() bool {
	if s&^leaseAll != 0 {
		return false
	}
	return s == LeaseNone || s.Has(LeaseRead)
}

// IsValidDirectory reports whether s is valid on a directory: None, R or
// RH.
func (s LeaseState) IsValidDirectory() bool {
	return s == LeaseNone || s == LeaseRead || s == LeaseRead|LeaseHandle
}

// MapLeaseToLevel returns the oplock level equivalent to a lease state:
// RWH is Batch, RW is Exclusive, R and RH are Level II.
func MapLeaseToLevel(s LeaseState) Level {
	switch {
	case !s.Has(LeaseRead):
		return LevelNone
	case s.Has(LeaseWrite | LeaseHandle):
		return LevelBatch
	case s.Has(LeaseWrite):
		return LevelExclusive
	default:
		return LevelRead
	}
}

// ============================================================================
// Identity
// ============================================================================

// ClientGUID identifies an SMB client machine across connections.
type ClientGUID [16]byte

func (g ClientGUID) String() string { return hex.EncodeToString(g[:]) }

// LeaseKey is the client-chosen 16-byte lease identifier.
type LeaseKey [16]byte

func (k LeaseKey) String() string { return hex.EncodeToString(k[:]) }

// IsZero reports whether k is all zeroes.
func (k LeaseKey) IsZero() bool { return k == LeaseKey{} }

// Dialect selects the break notification encoding.
type Dialect uint8

const (
	DialectModern Dialect = iota // SMB2+
	DialectLegacy                // SMB1
)

func (d Dialect) String() string {
	if d == DialectLegacy {
		return "legacy"
	}
	return "modern"
}

// ============================================================================
// Record State and Transitions
// ============================================================================

// OpState is the break-protocol state of a record.
type OpState uint8

const (
	OpStable  OpState = iota // no break outstanding
	OpAckWait                // break sent, waiting for the client
	OpClosing                // being torn down
)

func (s OpState) String() string {
	switch s {
	case OpStable:
		return "stable"
	case OpAckWait:
		return "ack_wait"
	case OpClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Transition names a downgrade.
type Transition uint8

const (
	// TransitionToRead breaks Exclusive/Batch (lease W) to Level II.
	TransitionToRead Transition = iota
	// TransitionHandleToRead drops the H bit of a lease.
	TransitionHandleToRead
	// TransitionToNone breaks Exclusive/Batch (lease W) to None.
	TransitionToNone
	// TransitionReadToNone breaks Level II (lease R without W) to None.
	TransitionReadToNone
)

func (t Transition) String() string {
	switch t {
	case TransitionToRead:
		return "to_read"
	case TransitionHandleToRead:
		return "handle_to_read"
	case TransitionToNone:
		return "to_none"
	case TransitionReadToNone:
		return "read_to_none"
	default:
		return fmt.Sprintf("transition(%d)", uint8(t))
	}
}

// BreakOutcome reports how a downgrade finished.
type BreakOutcome uint8

const (
	OutcomeAcked     BreakOutcome = iota // client acknowledged (or virtual ack)
	OutcomeTimedOut                      // forced after the break timeout
	OutcomeAborted                       // record closed during the wait
	OutcomeImmediate                     // no acknowledgment was required
)

func (o BreakOutcome) String() string {
	switch o {
	case OutcomeAcked:
		return "acked"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeAborted:
		return "aborted"
	case OutcomeImmediate:
		return "immediate"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}
