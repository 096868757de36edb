package oplock

import (
	"fmt"

	"github.com/marmos91/dittolease/internal/logger"
)

// AcknowledgeOplockBreak applies a client's OPLOCK_BREAK acknowledgment
// (SMB2) or LOCKING_ANDX oplock release (SMB1) for the open fileID on
// connID. level must not exceed the break target.
func (m *Manager) AcknowledgeOplockBreak(connID, fileID uint64, level Level) error {
	r := m.findRecord(connID, fileID)
	if r == nil {
		return NewInvalidAckError("", fmt.Sprintf("no open with file id %d on connection %d", fileID, connID))
	}

	r.mu.Lock()
	p := r.pending
	r.mu.Unlock()

	if p == nil || p.lease != nil {
		return NewInvalidAckError(r.file.key, "no oplock break pending")
	}
	if level > p.target {
		return NewInvalidAckError(r.file.key,
			fmt.Sprintf("acknowledged level %s above break target %s", level, p.target))
	}
	if !m.resolve(p, OutcomeAcked, level, LeaseNone) {
		return NewInvalidAckError(r.file.key, "break already completed")
	}

	logger.Debug("Oplock break acknowledged",
		logger.KeyConnID, connID,
		logger.KeyFile, r.file.key,
		logger.KeyFileID, fileID,
		logger.KeyLevel, level.String())
	return nil
}

// AcknowledgeLeaseBreak applies a client's LEASE_BREAK acknowledgment.
// state must be a subset of the break target. On success the lease holds
// state and every open sharing it is released from its wait.
func (m *Manager) AcknowledgeLeaseBreak(guid ClientGUID, key LeaseKey, state LeaseState) error {
	l := m.leases.lookup(guid, key)
	if l == nil {
		return NewInvalidAckError("", fmt.Sprintf("unknown lease %s", key))
	}

	l.mu.Lock()
	p := l.pending
	l.mu.Unlock()

	if p == nil {
		return NewInvalidAckError(l.file.key, "no lease break in progress")
	}
	if state&^p.targetState != 0 {
		return NewInvalidAckError(l.file.key,
			fmt.Sprintf("acknowledged state %s exceeds break target %s", state, p.targetState))
	}
	if !m.resolve(p, OutcomeAcked, MapLeaseToLevel(state), state) {
		return NewInvalidAckError(l.file.key, "break already completed")
	}

	logger.Debug("Lease break acknowledged",
		logger.KeyClientGUID, guid.String(),
		logger.KeyLeaseKey, key.String(),
		logger.KeyFile, l.file.key,
		logger.KeyLeaseState, state.String())
	return nil
}
