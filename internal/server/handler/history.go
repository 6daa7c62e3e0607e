package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

// HistoryHandler serves finished-match history.
type HistoryHandler struct {
	store  domain.HistoryStore
	logger *slog.Logger
}

// NewHistoryHandler creates a HistoryHandler.
func NewHistoryHandler(store domain.HistoryStore, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{store: store, logger: logHandler(logger, "history")}
}

// ListByPlayer returns a participant's finished matches, newest first.
// GET /api/players/{id}/history?limit=&offset=&since=&until=
func (h *HistoryHandler) ListByPlayer(w http.ResponseWriter, r *http.Request) {
	pid := domain.NewParticipant(pathParam(r, "id")).ID
	opts := parseListOpts(r)
	rows, err := h.store.ListByParticipant(r.Context(), pid, opts)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	if rows == nil {
		rows = []domain.MatchFinished{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"participant": pid,
		"matches":     rows,
		"limit":       opts.Limit,
		"offset":      opts.Offset,
	})
}

// GetMatch returns the history row of one finished match.
// GET /api/history/{id}
func (h *HistoryHandler) GetMatch(w http.ResponseWriter, r *http.Request) {
	row, err := h.store.Get(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}
