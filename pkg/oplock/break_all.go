package oplock

import (
	"context"

	"github.com/marmos91/dittolease/internal/telemetry"
)

// BreakAllOnFile breaks every holder on the file except exclude (and opens
// sharing exclude's lease) to None, and waits for all of them. Exclusive
// and Batch holders take ToNone; Level II holders take ReadToNone.
func (m *Manager) BreakAllOnFile(ctx context.Context, fileKey string, truncating bool, exclude *Record) {
	ctx, span := telemetry.StartOplockSpan(ctx, telemetry.SpanOplockBreakAll, fileKey)
	defer span.End()

	targets := m.fileTargets(fileKey, exclude, func(r *Record) (Transition, bool) {
		if l := r.lease; l != nil {
			st := l.State()
			switch {
			case st.Has(LeaseWrite):
				return TransitionToNone, true
			case st.Has(LeaseRead):
				return TransitionReadToNone, true
			}
			return 0, false
		}
		switch lvl := r.Level(); {
		case lvl.IsExclusive():
			return TransitionToNone, true
		case lvl == LevelRead:
			return TransitionReadToNone, true
		}
		return 0, false
	})
	m.breakTargets(ctx, targets, truncating)
}

// BreakReadCaching revokes read caching from Level II holders and R/RH
// leases on the file before a write through another open. Write holders
// are left alone, as are leases already breaking to None and the opens of
// exclude's lease.
func (m *Manager) BreakReadCaching(ctx context.Context, fileKey string, exclude *Record) {
	ctx, span := telemetry.StartOplockSpan(ctx, telemetry.SpanOplockBreakAll, fileKey,
		telemetry.Transition(TransitionReadToNone.String()))
	defer span.End()

	targets := m.fileTargets(fileKey, exclude, func(r *Record) (Transition, bool) {
		if l := r.lease; l != nil {
			l.mu.Lock()
			st, breakingToNone := l.state, l.pending != nil && l.newState == LeaseNone
			l.mu.Unlock()
			if breakingToNone || !st.Has(LeaseRead) || st.Has(LeaseWrite) {
				return 0, false
			}
			return TransitionReadToNone, true
		}
		if r.Level() == LevelRead {
			return TransitionReadToNone, true
		}
		return 0, false
	})
	m.breakTargets(ctx, targets, false)
}

// fileTargets selects one break per holder on fileKey using pick.
func (m *Manager) fileTargets(fileKey string, exclude *Record, pick func(*Record) (Transition, bool)) []breakTarget {
	f := m.lookupFile(fileKey)
	if f == nil {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	replan := func(r *Record) []Transition {
		if t, ok := pick(r); ok {
			return []Transition{t}
		}
		return nil
	}

	seen := make(map[*Lease]bool)
	var targets []breakTarget
	for _, r := range f.liveRecordsLocked() {
		if r == exclude {
			continue
		}
		if l := r.lease; l != nil {
			if exclude != nil && exclude.lease != nil && sameLease(l, exclude.lease) {
				continue
			}
			if seen[l] {
				continue
			}
			seen[l] = true
		}
		if t, ok := pick(r); ok {
			targets = append(targets, breakTarget{rec: r, transitions: []Transition{t}, replan: replan})
		}
	}
	return targets
}

func sameLease(a, b *Lease) bool {
	return a == b || (a.guid == b.guid && a.key == b.key)
}
