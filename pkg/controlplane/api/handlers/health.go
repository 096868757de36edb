package handlers

import (
	"net/http"
	"time"
)

// HealthHandler serves the unauthenticated health probes.
type HealthHandler struct {
	source    OplockSource
	startTime time.Time
}

// NewHealthHandler creates a health handler. source may be nil, in which
// case readiness reports unhealthy.
func NewHealthHandler(source OplockSource) *HealthHandler {
	return &HealthHandler{
		source:    source,
		startTime: time.Now(),
	}
}

// Liveness handles GET /health.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.startTime)
	writeJSON(w, http.StatusOK, healthyResponse(map[string]any{
		"service":    "dittolease",
		"started_at": h.startTime.UTC().Format(time.RFC3339),
		"uptime":     uptime.Round(time.Second).String(),
		"uptime_sec": int64(uptime.Seconds()),
	}))
}

// Readiness handles GET /health/ready. The server is ready once the oplock
// manager is attached.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponse("oplock manager not initialized"))
		return
	}
	writeJSON(w, http.StatusOK, healthyResponse(h.source.Stats()))
}
