package oplock

import (
	"sort"
	"time"
)

// RecordInfo is a point-in-time view of a record.
type RecordInfo struct {
	ID         string    `json:"id"`
	ConnID     uint64    `json:"conn_id"`
	SessionID  uint64    `json:"session_id"`
	FileID     uint64    `json:"file_id"`
	Dialect    string    `json:"dialect"`
	Level      string    `json:"level"`
	State      string    `json:"state"`
	LeaseKey   string    `json:"lease_key,omitempty"`
	LeaseState string    `json:"lease_state,omitempty"`
	Durable    bool      `json:"durable"`
	Detached   bool      `json:"detached"`
	Breaking   int32     `json:"breaking"`
	Created    time.Time `json:"created"`
}

// FileInfo is a point-in-time view of a file and its records.
type FileInfo struct {
	Key           string       `json:"key"`
	DeletePending bool         `json:"delete_pending"`
	Closing       bool         `json:"closing"`
	Records       []RecordInfo `json:"records"`
}

// LeaseInfo is a point-in-time view of a lease.
type LeaseInfo struct {
	ClientGUID      string `json:"client_guid"`
	Key             string `json:"key"`
	File            string `json:"file"`
	State           string `json:"state"`
	Epoch           uint16 `json:"epoch"`
	BreakInProgress bool   `json:"break_in_progress"`
	BreakTo         string `json:"break_to,omitempty"`
	Opens           int    `json:"opens"`
}

// Stats summarizes the manager.
type Stats struct {
	Files       int `json:"files"`
	Records     int `json:"records"`
	LeaseTables int `json:"lease_tables"`
	Leases      int `json:"leases"`
	Connections int `json:"connections"`
	Durable     int `json:"durable"`
}

func (r *Record) info() RecordInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	ri := RecordInfo{
		ID:        r.id.String(),
		ConnID:    r.connID,
		SessionID: r.sessionID,
		FileID:    r.fileID,
		Dialect:   r.dialect.String(),
		Level:     r.levelLocked().String(),
		State:     r.state.String(),
		Durable:   r.durable,
		Detached:  r.detached,
		Breaking:  r.breaking.Load(),
		Created:   r.created,
	}
	if l := r.lease; l != nil {
		ri.LeaseKey = l.key.String()
		ri.LeaseState = l.State().String()
	}
	return ri
}

// Files returns every tracked file ordered by key.
func (m *Manager) Files() []FileInfo {
	m.filesMu.Lock()
	files := make([]*File, 0, len(m.fileByKey))
	for _, f := range m.fileByKey {
		files = append(files, f)
	}
	m.filesMu.Unlock()

	out := make([]FileInfo, 0, len(files))
	for _, f := range files {
		f.mu.Lock()
		fi := FileInfo{
			Key:           f.key,
			DeletePending: f.deletePending,
			Closing:       f.closing,
			Records:       make([]RecordInfo, 0, len(f.records)),
		}
		for _, r := range f.records {
			fi.Records = append(fi.Records, r.info())
		}
		f.mu.Unlock()
		if len(fi.Records) > 0 {
			out = append(out, fi)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Leases returns every registered lease ordered by client and key.
func (m *Manager) Leases() []LeaseInfo {
	leases := m.leases.leases()
	out := make([]LeaseInfo, 0, len(leases))
	for _, l := range leases {
		l.mu.Lock()
		li := LeaseInfo{
			ClientGUID:      l.guid.String(),
			Key:             l.key.String(),
			File:            l.file.key,
			State:           l.state.String(),
			Epoch:           l.epoch,
			BreakInProgress: l.pending != nil,
			Opens:           len(l.records),
		}
		if l.pending != nil {
			li.BreakTo = l.newState.String()
		}
		l.mu.Unlock()
		out = append(out, li)
	}
	return out
}

// Stats returns counts across the manager.
func (m *Manager) Stats() Stats {
	var s Stats
	for _, f := range m.Files() {
		s.Files++
		s.Records += len(f.Records)
	}
	s.LeaseTables = m.leases.Count()
	s.Leases = len(m.leases.leases())

	m.connsMu.Lock()
	s.Connections = len(m.conns)
	m.connsMu.Unlock()

	m.durableMu.Lock()
	s.Durable = len(m.durableIdx)
	m.durableMu.Unlock()
	return s
}
