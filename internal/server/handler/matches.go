package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

// MatchReader reads live match state.
type MatchReader interface {
	Get(matchID string) (domain.MatchSnapshot, error)
	ActiveMatch(participantID string) (string, bool)
}

// EscrowReader reads escrow records.
type EscrowReader interface {
	Get(ctx context.Context, matchID string) (domain.EscrowRecord, error)
}

// MatchHandler serves read-only match and escrow endpoints.
type MatchHandler struct {
	matches MatchReader
	escrow  EscrowReader
	logger  *slog.Logger
}

// NewMatchHandler creates a MatchHandler.
func NewMatchHandler(matches MatchReader, escrow EscrowReader, logger *slog.Logger) *MatchHandler {
	return &MatchHandler{matches: matches, escrow: escrow, logger: logHandler(logger, "matches")}
}

// GetMatch returns the live snapshot of a match.
// GET /api/matches/{id}
func (h *MatchHandler) GetMatch(w http.ResponseWriter, r *http.Request) {
	snap, err := h.matches.Get(pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetEscrow returns the escrow record backing a match.
// GET /api/matches/{id}/escrow
func (h *MatchHandler) GetEscrow(w http.ResponseWriter, r *http.Request) {
	rec, err := h.escrow.Get(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetActive returns the live match a participant is seated in.
// GET /api/players/{id}/active
func (h *MatchHandler) GetActive(w http.ResponseWriter, r *http.Request) {
	pid := domain.NewParticipant(pathParam(r, "id")).ID
	matchID, ok := h.matches.ActiveMatch(pid)
	if !ok {
		writeError(w, http.StatusNotFound, "no active match")
		return
	}
	snap, err := h.matches.Get(matchID)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
