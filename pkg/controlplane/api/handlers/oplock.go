package handlers

import (
	"net/http"
	"sort"
	"strings"

	"github.com/marmos91/dittolease/pkg/oplock"
)

// OplockSource is the read-only view of the oplock manager the API serves.
// *oplock.Manager satisfies it.
type OplockSource interface {
	Files() []oplock.FileInfo
	Leases() []oplock.LeaseInfo
	Stats() oplock.Stats
}

// LeaseTable groups the leases of one client.
type LeaseTable struct {
	ClientGUID string             `json:"client_guid"`
	Leases     []oplock.LeaseInfo `json:"leases"`
}

// OplockHandler serves /api/v1/leases, /api/v1/files and /api/v1/stats.
// It never mutates oplock state.
type OplockHandler struct {
	source OplockSource
}

// NewOplockHandler creates a handler over source.
func NewOplockHandler(source OplockSource) *OplockHandler {
	return &OplockHandler{source: source}
}

// Leases handles GET /api/v1/leases. ?client=<guid hex> keeps one table.
func (h *OplockHandler) Leases(w http.ResponseWriter, r *http.Request) {
	client := strings.ToLower(r.URL.Query().Get("client"))
	if client != "" && !isHex32(client) {
		BadRequest(w, "client must be a 32-digit hex client GUID")
		return
	}

	byGUID := make(map[string][]oplock.LeaseInfo)
	for _, l := range h.source.Leases() {
		if client != "" && l.ClientGUID != client {
			continue
		}
		byGUID[l.ClientGUID] = append(byGUID[l.ClientGUID], l)
	}

	tables := make([]LeaseTable, 0, len(byGUID))
	for guid, leases := range byGUID {
		tables = append(tables, LeaseTable{ClientGUID: guid, Leases: leases})
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].ClientGUID < tables[j].ClientGUID })

	if client != "" && len(tables) == 0 {
		NotFound(w, "no lease table for client "+client)
		return
	}
	writeJSON(w, http.StatusOK, okResponse(tables))
}

// Files handles GET /api/v1/files. ?prefix= keeps files whose key starts
// with it.
func (h *OplockHandler) Files(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")

	files := h.source.Files()
	if prefix != "" {
		kept := files[:0]
		for _, f := range files {
			if strings.HasPrefix(f.Key, prefix) {
				kept = append(kept, f)
			}
		}
		files = kept
	}
	writeJSON(w, http.StatusOK, okResponse(files))
}

// Stats handles GET /api/v1/stats.
func (h *OplockHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, okResponse(h.source.Stats()))
}

func isHex32(s string) bool {
	if len(s) != 32 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
