package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

// TierHealth reports the last probe of each execution tier.
type TierHealth interface {
	Health() []domain.TierHealth
	SelectTier() domain.TierName
}

// HealthHandler serves the health-check endpoints.
type HealthHandler struct {
	tiers  TierHealth
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler. tiers may be nil.
func NewHealthHandler(tiers TierHealth, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{tiers: tiers, logger: logHandler(logger, "health")}
}

// HealthCheck responds with a simple JSON status indicating the server is alive.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Tiers reports per-tier health and the tier new non-fund operations go to.
// A router with every tier down answers 503.
// GET /api/tiers
func (h *HealthHandler) Tiers(w http.ResponseWriter, r *http.Request) {
	if h.tiers == nil {
		writeError(w, http.StatusNotFound, "tier router not configured")
		return
	}
	health := h.tiers.Health()
	status := http.StatusServiceUnavailable
	for _, t := range health {
		if t.Healthy {
			status = http.StatusOK
			break
		}
	}
	writeJSON(w, status, map[string]any{
		"selected": h.tiers.SelectTier(),
		"tiers":    health,
	})
}
