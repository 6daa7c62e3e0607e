package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

// Accounts is the ledger surface operators may touch.
type Accounts interface {
	Credit(ctx context.Context, participantID string, currency domain.Currency, amount decimal.Decimal) (decimal.Decimal, error)
	Balance(ctx context.Context, participantID string, currency domain.Currency) (decimal.Decimal, error)
}

// OperationLog reads the durable tier's per-match operation journal.
type OperationLog interface {
	Operations(ctx context.Context, matchID string) ([]domain.Operation, error)
}

// AdminHandler serves operator endpoints. Routes are expected behind the API
// key middleware.
type AdminHandler struct {
	accounts Accounts
	audit    domain.AuditStore
	ops      OperationLog
	logger   *slog.Logger
}

// NewAdminHandler creates an AdminHandler. audit and ops may be nil.
func NewAdminHandler(accounts Accounts, audit domain.AuditStore, ops OperationLog, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{accounts: accounts, audit: audit, ops: ops, logger: logHandler(logger, "admin")}
}

type creditRequest struct {
	ParticipantID string          `json:"participant_id"`
	Currency      domain.Currency `json:"currency"`
	Amount        decimal.Decimal `json:"amount"`
}

// Credit deposits funds into a participant balance.
// POST /api/admin/credit
func (h *AdminHandler) Credit(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	pid := domain.NewParticipant(req.ParticipantID).ID
	bal, err := h.accounts.Credit(r.Context(), pid, req.Currency, req.Amount)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	h.logger.InfoContext(r.Context(), "balance credited",
		slog.String("participant", pid),
		slog.String("currency", string(req.Currency)),
		slog.String("amount", req.Amount.String()),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"participant_id": pid,
		"currency":       req.Currency,
		"balance":        bal,
	})
}

// Balance returns a participant's available balance.
// GET /api/admin/balances/{id}?currency=points
func (h *AdminHandler) Balance(w http.ResponseWriter, r *http.Request) {
	pid := domain.NewParticipant(pathParam(r, "id")).ID
	currency := domain.Currency(r.URL.Query().Get("currency"))
	if currency == "" {
		currency = domain.CurrencyPoints
	}
	bal, err := h.accounts.Balance(r.Context(), pid, currency)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"participant_id": pid,
		"currency":       currency,
		"balance":        bal,
	})
}

// Audit lists audit entries, newest first.
// GET /api/admin/audit?limit=&offset=&since=&until=
func (h *AdminHandler) Audit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusNotFound, "audit log not configured")
		return
	}
	entries, err := h.audit.List(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Operations lists the operations the durable tier applied for a match.
// GET /api/admin/matches/{id}/operations
func (h *AdminHandler) Operations(w http.ResponseWriter, r *http.Request) {
	if h.ops == nil {
		writeError(w, http.StatusNotFound, "operation journal not configured")
		return
	}
	ops, err := h.ops.Operations(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	if ops == nil {
		ops = []domain.Operation{}
	}
	writeJSON(w, http.StatusOK, ops)
}
