package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

// StatusSources feed the status endpoint. Any of them may be nil.
type StatusSources struct {
	Matches     func() map[domain.MatchStatus]int
	Matchmaking func() map[string]int
	Clients     func() int
}

// StatusHandler serves the backend status (mode, uptime, load).
type StatusHandler struct {
	Mode      string
	StartedAt time.Time
	sources   StatusSources
}

// NewStatusHandler creates a StatusHandler for the given run mode.
func NewStatusHandler(mode string, startedAt time.Time, sources StatusSources) *StatusHandler {
	return &StatusHandler{Mode: mode, StartedAt: startedAt, sources: sources}
}

// GetStatus responds with the current mode and live counters.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"mode":           h.Mode,
		"uptime_seconds": int64(time.Since(h.StartedAt).Seconds()),
	}
	if h.sources.Matches != nil {
		body["matches"] = h.sources.Matches()
	}
	if h.sources.Matchmaking != nil {
		body["matchmaking"] = h.sources.Matchmaking()
	}
	if h.sources.Clients != nil {
		body["connected_clients"] = h.sources.Clients()
	}
	writeJSON(w, http.StatusOK, body)
}
