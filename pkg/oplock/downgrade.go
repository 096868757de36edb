package oplock

import (
	"context"
	"sync"
	"time"

	"github.com/marmos91/dittolease/internal/logger"
	"github.com/marmos91/dittolease/internal/telemetry"
)

// ============================================================================
// Pending Breaks
// ============================================================================

// pendingBreak is a break waiting for the client's acknowledgment. For
// lease records it is shared through Lease.pending so every open of the
// lease joins it.
type pendingBreak struct {
	rec          *Record
	lease        *Lease
	transition   Transition
	current      Level
	target       Level
	currentState LeaseState
	targetState  LeaseState
	truncate     bool
	started      time.Time

	once    sync.Once
	done    chan struct{}
	outcome BreakOutcome
}

// resolve completes p once. Acked and TimedOut apply level/state; Aborted
// leaves caching state untouched. Returns false if p was already
// resolved. Must be called without holding any lock.
func (m *Manager) resolve(p *pendingBreak, outcome BreakOutcome, level Level, state LeaseState) bool {
	resolved := false
	p.once.Do(func() {
		resolved = true
		r := p.rec

		r.mu.Lock()
		if l := p.lease; l != nil {
			l.mu.Lock()
			if outcome != OutcomeAborted {
				l.setStateLocked(state)
			}
			if l.pending == p {
				l.pending = nil
				l.newState = LeaseNone
				l.flags &^= LeaseFlagBreakInProgress
			}
			l.mu.Unlock()
		} else if outcome != OutcomeAborted {
			r.level = level
		}
		if r.pending == p {
			r.pending = nil
			if r.state == OpAckWait {
				r.state = OpStable
			}
		}
		r.broadcastLocked()
		r.mu.Unlock()

		p.outcome = outcome
		close(p.done)
	})
	return resolved
}

// waitPending waits for p to finish until deadline. It returns false when
// the deadline or ctx expired first.
func waitPending(ctx context.Context, p *pendingBreak, deadline time.Time) bool {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// ============================================================================
// Transitions
// ============================================================================

// ToRead breaks Exclusive/Batch (lease W) to Level II. Leases keep H.
func (m *Manager) ToRead(ctx context.Context, r *Record) (BreakOutcome, error) {
	return m.downgrade(ctx, r, TransitionToRead, false)
}

// HandleToRead drops the H bit of an RH lease.
func (m *Manager) HandleToRead(ctx context.Context, r *Record) (BreakOutcome, error) {
	return m.downgrade(ctx, r, TransitionHandleToRead, false)
}

// ToNone breaks Exclusive/Batch (lease W) to None. truncate reports that
// the break is caused by an overwriting open.
func (m *Manager) ToNone(ctx context.Context, r *Record, truncate bool) (BreakOutcome, error) {
	return m.downgrade(ctx, r, TransitionToNone, truncate)
}

// ReadToNone breaks Level II (lease R without W) to None.
func (m *Manager) ReadToNone(ctx context.Context, r *Record, truncate bool) (BreakOutcome, error) {
	return m.downgrade(ctx, r, TransitionReadToNone, truncate)
}

// breakPlan is the validated result of inspecting a record for a
// transition.
type breakPlan struct {
	current      Level
	target       Level
	currentState LeaseState
	targetState  LeaseState
	ackRequired  bool
}

// planLocked validates t against r and computes the target. Caller holds
// r.mu; planLocked takes the lease lock itself.
func planLocked(r *Record, t Transition, truncate bool) (breakPlan, error) {
	var p breakPlan

	if l := r.lease; l != nil {
		l.mu.Lock()
		cur := l.state
		l.mu.Unlock()

		p.currentState = cur
		p.current = MapLeaseToLevel(cur)

		valid := false
		switch t {
		case TransitionToRead:
			valid = cur.Has(LeaseRead | LeaseWrite)
			p.targetState = cur &^ LeaseWrite
		case TransitionToNone:
			valid = cur.Has(LeaseRead | LeaseWrite)
			p.targetState = LeaseNone
		case TransitionReadToNone:
			valid = cur.Has(LeaseRead) && !cur.Has(LeaseWrite)
			p.targetState = LeaseNone
		case TransitionHandleToRead:
			valid = cur.Has(LeaseRead|LeaseHandle) && !cur.Has(LeaseWrite)
			p.targetState = LeaseRead
		}
		if !valid {
			return p, NewInvalidTransitionError(r.file.key, t, "lease "+cur.String())
		}
		p.target = MapLeaseToLevel(p.targetState)

		switch {
		case truncate && !cur.Has(LeaseWrite):
			p.ackRequired = false
		case cur == LeaseRead:
			p.ackRequired = false
		default:
			p.ackRequired = cur&(LeaseWrite|LeaseHandle) != 0
		}
		return p, nil
	}

	p.current = r.level
	switch t {
	case TransitionToRead:
		if !p.current.IsExclusive() {
			return p, NewInvalidTransitionError(r.file.key, t, p.current.String())
		}
		p.target = LevelRead
	case TransitionToNone:
		if !p.current.IsExclusive() {
			return p, NewInvalidTransitionError(r.file.key, t, p.current.String())
		}
		p.target = LevelNone
	case TransitionReadToNone:
		if p.current != LevelRead {
			return p, NewInvalidTransitionError(r.file.key, t, p.current.String())
		}
		p.target = LevelNone
	default:
		return p, NewInvalidTransitionError(r.file.key, t, "plain oplock")
	}
	p.ackRequired = p.current.IsExclusive()
	return p, nil
}

// applyLocked writes the plan's target directly. Caller holds r.mu.
func applyLocked(r *Record, plan breakPlan) {
	if l := r.lease; l != nil {
		l.mu.Lock()
		l.setStateLocked(plan.targetState)
		l.mu.Unlock()
	} else {
		r.level = plan.target
	}
}

// downgrade runs one transition on r. The only exits are Acked, TimedOut,
// Immediate (nil error) and Aborted (ErrBreakAborted); an invalid source
// level returns ErrInvalidTransition without touching r.
func (m *Manager) downgrade(ctx context.Context, r *Record, t Transition, truncate bool) (BreakOutcome, error) {
	ctx, span := telemetry.StartOplockSpan(ctx, telemetry.SpanOplockBreak, r.file.key,
		telemetry.Transition(t.String()), telemetry.FileID(r.fileID))
	defer span.End()

	r.mu.Lock()
	r.breaking.Add(1)
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.breaking.Add(-1)
		r.broadcastLocked()
		r.mu.Unlock()
	}()

	timeout := m.BreakTimeout()
	joinDeadline := time.Now().Add(timeout)

	var (
		plan   breakPlan
		p      *pendingBreak
		connID uint64
	)
	for {
		r.mu.Lock()
		if r.state == OpClosing {
			r.mu.Unlock()
			m.metrics.ObserveBreak(t, OutcomeAborted, 0)
			return OutcomeAborted, NewBreakAbortedError(r.file.key, t)
		}

		inflight := r.pending
		if inflight == nil && r.lease != nil {
			r.lease.mu.Lock()
			inflight = r.lease.pending
			r.lease.mu.Unlock()
		}
		if inflight != nil {
			r.mu.Unlock()
			telemetry.AddEvent(ctx, "oplock.break.join", telemetry.Transition(inflight.transition.String()))
			if !waitPending(ctx, inflight, joinDeadline) {
				m.forceTimeout(inflight)
			}
			continue
		}

		var err error
		plan, err = planLocked(r, t, truncate)
		if err != nil {
			r.mu.Unlock()
			telemetry.RecordError(ctx, err)
			return 0, err
		}

		if r.detached {
			applyLocked(r, plan)
			r.brokenDetached = true
			r.broadcastLocked()
			r.mu.Unlock()
			m.finishImmediate(ctx, r, t, plan, "detached")
			return OutcomeImmediate, nil
		}

		connID = r.connID
		item := m.newBreakItem(r, plan, truncate)

		if !plan.ackRequired {
			applyLocked(r, plan)
			r.broadcastLocked()
			r.mu.Unlock()
			m.notifier.enqueue(connID, item)
			m.finishImmediate(ctx, r, t, plan, "no_ack")
			return OutcomeImmediate, nil
		}

		p = &pendingBreak{
			rec:          r,
			lease:        r.lease,
			transition:   t,
			current:      plan.current,
			target:       plan.target,
			currentState: plan.currentState,
			targetState:  plan.targetState,
			truncate:     truncate,
			started:      time.Now(),
			done:         make(chan struct{}),
		}
		r.state = OpAckWait
		r.pending = p
		if l := r.lease; l != nil {
			l.mu.Lock()
			l.pending = p
			l.newState = plan.targetState
			l.flags |= LeaseFlagBreakInProgress
			l.mu.Unlock()
		}
		item.pending = p
		r.broadcastLocked()
		r.mu.Unlock()

		if !m.notifier.enqueue(connID, item) {
			m.resolve(p, OutcomeAcked, p.target, p.targetState)
		}
		break
	}

	outcome := m.awaitBreak(ctx, r, p, timeout)

	waited := time.Since(p.started)
	m.metrics.ObserveBreak(t, outcome, waited)
	span.SetAttributes(telemetry.Outcome(outcome.String()))

	if outcome == OutcomeAborted {
		return outcome, NewBreakAbortedError(r.file.key, t)
	}

	logger.DebugCtx(ctx, "Oplock break completed",
		logger.KeyFile, r.file.key,
		logger.KeyFileID, r.fileID,
		logger.KeyTransition, t.String(),
		logger.KeyOutcome, outcome.String(),
		logger.KeyWaited, waited)
	return outcome, nil
}

// awaitBreak blocks until p resolves, forcing it on timeout or context
// cancellation and aborting it if r starts closing.
func (m *Manager) awaitBreak(ctx context.Context, r *Record, p *pendingBreak, timeout time.Duration) BreakOutcome {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		r.mu.Lock()
		closing := r.state == OpClosing
		changed := r.changed
		r.mu.Unlock()
		if closing {
			m.resolve(p, OutcomeAborted, 0, 0)
		}

		select {
		case <-p.done:
			return p.outcome
		case <-changed:
		case <-timer.C:
			m.forceTimeout(p)
		case <-ctx.Done():
			m.forceTimeout(p)
		}
	}
}

// forceTimeout applies p's target without the client's acknowledgment.
func (m *Manager) forceTimeout(p *pendingBreak) {
	if !m.resolve(p, OutcomeTimedOut, p.target, p.targetState) {
		return
	}
	r := p.rec
	args := []any{
		logger.KeyFile, r.file.key,
		logger.KeyFileID, r.fileID,
		logger.KeyConnID, r.ConnID(),
		logger.KeyTransition, p.transition.String(),
		logger.KeyWaited, time.Since(p.started),
	}
	if p.lease != nil {
		args = append(args, logger.KeyLeaseKey, p.lease.key.String(), logger.KeyLeaseState, p.targetState.String())
	} else {
		args = append(args, logger.KeyLevel, p.target.String())
	}
	logger.Warn("Oplock break not acknowledged, forcing downgrade", args...)
}

func (m *Manager) finishImmediate(ctx context.Context, r *Record, t Transition, plan breakPlan, reason string) {
	m.metrics.ObserveBreak(t, OutcomeImmediate, 0)
	logger.DebugCtx(ctx, "Oplock downgraded without acknowledgment",
		logger.KeyFile, r.file.key,
		logger.KeyFileID, r.fileID,
		logger.KeyTransition, t.String(),
		logger.KeyLevel, plan.target.String(),
		"reason", reason)
}
