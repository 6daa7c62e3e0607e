package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeMatches map[string]domain.MatchSnapshot

func (f fakeMatches) Get(id string) (domain.MatchSnapshot, error) {
	snap, ok := f[id]
	if !ok {
		return domain.MatchSnapshot{}, domain.ErrNotFound
	}
	return snap, nil
}

func (f fakeMatches) ActiveMatch(pid string) (string, bool) {
	for id, snap := range f {
		if _, ok := snap.SeatOf(pid); ok && !snap.Status.Ended() {
			return id, true
		}
	}
	return "", false
}

type fakeEscrow struct{}

func (fakeEscrow) Get(_ context.Context, id string) (domain.EscrowRecord, error) {
	return domain.EscrowRecord{}, domain.ErrNotFound
}

type fakeHistory struct {
	rows []domain.MatchFinished
	opts domain.ListOpts
}

func (f *fakeHistory) Record(context.Context, domain.MatchFinished) (bool, error) { return true, nil }

func (f *fakeHistory) Get(_ context.Context, id string) (domain.MatchFinished, error) {
	for _, r := range f.rows {
		if r.MatchID == id {
			return r, nil
		}
	}
	return domain.MatchFinished{}, domain.ErrNotFound
}

func (f *fakeHistory) ListByParticipant(_ context.Context, pid string, opts domain.ListOpts) ([]domain.MatchFinished, error) {
	f.opts = opts
	var out []domain.MatchFinished
	for _, r := range f.rows {
		if r.Player1 == pid || r.Player2 == pid {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeHistory) ListBefore(context.Context, time.Time) ([]domain.MatchFinished, error) {
	return nil, nil
}

type fakeAccounts struct {
	balances map[string]decimal.Decimal
}

func (f *fakeAccounts) Credit(_ context.Context, pid string, c domain.Currency, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, domain.ErrValidation
	}
	f.balances[pid+"/"+string(c)] = f.balances[pid+"/"+string(c)].Add(amount)
	return f.balances[pid+"/"+string(c)], nil
}

func (f *fakeAccounts) Balance(_ context.Context, pid string, c domain.Currency) (decimal.Decimal, error) {
	return f.balances[pid+"/"+string(c)], nil
}

type fakeTiers struct{ health []domain.TierHealth }

func (f fakeTiers) Health() []domain.TierHealth { return f.health }
func (f fakeTiers) SelectTier() domain.TierName { return "durable" }

func serve(pattern string, h http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	mux.HandleFunc(pattern, h)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestGetMatch(t *testing.T) {
	snap := domain.MatchSnapshot{
		ID:      "m1",
		Status:  domain.StatusWaitingForOpponent,
		Players: []domain.PlayerView{{Participant: domain.NewParticipant("0xalice")}},
	}
	h := NewMatchHandler(fakeMatches{"m1": snap}, fakeEscrow{}, discard())

	rec := serve("GET /api/matches/{id}", h.GetMatch, httptest.NewRequest(http.MethodGet, "/api/matches/m1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got domain.MatchSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "m1", got.ID)

	rec = serve("GET /api/matches/{id}", h.GetMatch, httptest.NewRequest(http.MethodGet, "/api/matches/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"not_found"`)

	rec = serve("GET /api/players/{id}/active", h.GetActive, httptest.NewRequest(http.MethodGet, "/api/players/0xALICE/active", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve("GET /api/matches/{id}/escrow", h.GetEscrow, httptest.NewRequest(http.MethodGet, "/api/matches/m1/escrow", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistoryByPlayer(t *testing.T) {
	store := &fakeHistory{rows: []domain.MatchFinished{
		{MatchID: "m1", Player1: "0xalice", Player2: "0xbob"},
		{MatchID: "m2", Player1: "0xcarol", Player2: "0xbob"},
	}}
	h := NewHistoryHandler(store, discard())

	req := httptest.NewRequest(http.MethodGet, "/api/players/0xAlice/history?limit=900&offset=2&since=2026-01-01T00:00:00Z", nil)
	rec := serve("GET /api/players/{id}/history", h.ListByPlayer, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Participant string                 `json:"participant"`
		Matches     []domain.MatchFinished `json:"matches"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "0xalice", body.Participant)
	require.Len(t, body.Matches, 1)
	assert.Equal(t, "m1", body.Matches[0].MatchID)

	assert.Equal(t, 500, store.opts.Limit)
	assert.Equal(t, 2, store.opts.Offset)
	require.NotNil(t, store.opts.Since)
	assert.Nil(t, store.opts.Until)

	rec = serve("GET /api/players/{id}/history", h.ListByPlayer, httptest.NewRequest(http.MethodGet, "/api/players/0xdave/history", nil))
	assert.JSONEq(t, `[]`, mustField(t, rec.Body.Bytes(), "matches"))
}

func mustField(t *testing.T, body []byte, field string) string {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &m))
	return string(m[field])
}

func TestAdminCredit(t *testing.T) {
	accounts := &fakeAccounts{balances: map[string]decimal.Decimal{}}
	h := NewAdminHandler(accounts, nil, nil, discard())

	body := `{"participant_id":"0xAlice","currency":"sol","amount":"1.5"}`
	rec := serve("POST /api/admin/credit", h.Credit, httptest.NewRequest(http.MethodPost, "/api/admin/credit", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `"1.5"`, mustField(t, rec.Body.Bytes(), "balance"))

	rec = serve("GET /api/admin/balances/{id}", h.Balance, httptest.NewRequest(http.MethodGet, "/api/admin/balances/0xalice?currency=sol", nil))
	assert.Equal(t, `"1.5"`, mustField(t, rec.Body.Bytes(), "balance"))

	rec = serve("POST /api/admin/credit", h.Credit, httptest.NewRequest(http.MethodPost, "/api/admin/credit",
		strings.NewReader(`{"participant_id":"0xalice","currency":"sol","amount":"-1"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve("POST /api/admin/credit", h.Credit, httptest.NewRequest(http.MethodPost, "/api/admin/credit", strings.NewReader(`{`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve("GET /api/admin/audit", h.Audit, httptest.NewRequest(http.MethodGet, "/api/admin/audit", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTiers(t *testing.T) {
	up := NewHealthHandler(fakeTiers{health: []domain.TierHealth{
		{Tier: "durable", Healthy: true},
		{Tier: "fast", Healthy: false, LastError: "timeout"},
	}}, discard())
	rec := httptest.NewRecorder()
	up.Tiers(rec, httptest.NewRequest(http.MethodGet, "/api/tiers", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `"durable"`, mustField(t, rec.Body.Bytes(), "selected"))

	down := NewHealthHandler(fakeTiers{health: []domain.TierHealth{{Tier: "durable"}}}, discard())
	rec = httptest.NewRecorder()
	down.Tiers(rec, httptest.NewRequest(http.MethodGet, "/api/tiers", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatus(t *testing.T) {
	h := NewStatusHandler("local", time.Now().Add(-time.Minute), StatusSources{
		Matches: func() map[domain.MatchStatus]int { return map[domain.MatchStatus]int{domain.StatusInProgress: 2} },
		Clients: func() int { return 3 },
	})
	rec := httptest.NewRecorder()
	h.GetStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `"local"`, mustField(t, rec.Body.Bytes(), "mode"))
	assert.Equal(t, `3`, mustField(t, rec.Body.Bytes(), "connected_clients"))
	assert.Empty(t, mustField(t, rec.Body.Bytes(), "matchmaking"))
}
