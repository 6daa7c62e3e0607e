package ws

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/rpsarena/internal/cache/local"
	"github.com/alanyoungcy/rpsarena/internal/crypto"
	"github.com/alanyoungcy/rpsarena/internal/domain"
	"github.com/alanyoungcy/rpsarena/internal/matchmaking"
)

type call struct {
	op    string
	match string
	pid   string
	round int
	nonce uint64
}

type fakeSessions struct {
	mu      sync.Mutex
	calls   []call
	active  map[string]string
	hints   map[string]string
	matches map[string]domain.MatchSnapshot
	err     error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		active:  make(map[string]string),
		hints:   make(map[string]string),
		matches: make(map[string]domain.MatchSnapshot),
	}
}

func (f *fakeSessions) record(c call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	return f.err
}

func (f *fakeSessions) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeSessions) Create(_ context.Context, p domain.Participant, cur domain.Currency, stake decimal.Decimal, _ int, _ domain.Visibility) (domain.MatchSnapshot, error) {
	if err := f.record(call{op: "create", pid: p.ID}); err != nil {
		return domain.MatchSnapshot{}, err
	}
	return domain.MatchSnapshot{ID: "m-created", Currency: cur, Stake: stake}, nil
}

func (f *fakeSessions) Join(_ context.Context, matchID string, p domain.Participant) (domain.MatchSnapshot, error) {
	if err := f.record(call{op: "join", match: matchID, pid: p.ID}); err != nil {
		return domain.MatchSnapshot{}, err
	}
	return domain.MatchSnapshot{ID: matchID}, nil
}

func (f *fakeSessions) SubmitCommitment(_ context.Context, matchID, pid string, round int, _ domain.Commitment) (domain.MatchSnapshot, error) {
	return domain.MatchSnapshot{}, f.record(call{op: "commit", match: matchID, pid: pid, round: round})
}

func (f *fakeSessions) Reveal(_ context.Context, matchID, pid string, round int, _ domain.Move, nonce uint64) (domain.MatchSnapshot, error) {
	return domain.MatchSnapshot{}, f.record(call{op: "reveal", match: matchID, pid: pid, round: round, nonce: nonce})
}

func (f *fakeSessions) Quit(_ context.Context, matchID, pid string) (domain.MatchSnapshot, error) {
	return domain.MatchSnapshot{}, f.record(call{op: "quit", match: matchID, pid: pid})
}

func (f *fakeSessions) Resume(_ context.Context, matchID, pid string) (domain.MatchSnapshot, error) {
	return domain.MatchSnapshot{}, f.record(call{op: "resume", match: matchID, pid: pid})
}

func (f *fakeSessions) Disconnect(matchID, pid string) {
	f.record(call{op: "disconnect", match: matchID, pid: pid})
}

func (f *fakeSessions) Get(matchID string) (domain.MatchSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.matches[matchID]
	if !ok {
		return domain.MatchSnapshot{}, domain.ErrNotFound
	}
	return snap, nil
}

func (f *fakeSessions) ActiveMatch(pid string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.active[pid]
	return id, ok
}

func (f *fakeSessions) Hint(_ context.Context, pid string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.hints[pid]
	return id, ok
}

type fakeMatchmaker struct {
	mu       sync.Mutex
	requests []string
}

func (f *fakeMatchmaker) RequestMatch(_ context.Context, p domain.Participant, cur domain.Currency, stake decimal.Decimal) (matchmaking.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, p.ID)
	return matchmaking.Ticket{ParticipantID: p.ID, MatchID: "m-random", Currency: cur, Stake: stake, Status: matchmaking.TicketWaiting}, nil
}

func (f *fakeMatchmaker) Cancel(_ context.Context, pid string) (matchmaking.Ticket, error) {
	return matchmaking.Ticket{ParticipantID: pid, Status: matchmaking.TicketCancelled}, nil
}

type harness struct {
	gw       *Gateway
	bus      *local.SignalBus
	sessions *fakeSessions
	mm       *fakeMatchmaker
	srv      *httptest.Server
}

func newHarness(t *testing.T, mutate func(*Deps, *Config)) *harness {
	t.Helper()
	h := &harness{
		bus:      local.NewSignalBus(),
		sessions: newFakeSessions(),
		mm:       &fakeMatchmaker{},
	}
	deps := Deps{Sessions: h.sessions, Matchmaker: h.mm, Bus: h.bus}
	var cfg Config
	if mutate != nil {
		mutate(&deps, &cfg)
	}
	h.gw = NewGateway(deps, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.gw.Run(ctx)
	}()
	h.srv = httptest.NewServer(http.HandlerFunc(h.gw.HandleWS))
	t.Cleanup(func() {
		cancel()
		<-done
		h.srv.Close()
	})
	return h
}

func (h *harness) dial(t *testing.T, query url.Values) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws?" + query.Encode()
	return websocket.DefaultDialer.Dial(u, nil)
}

func (h *harness) connect(t *testing.T, address string) *websocket.Conn {
	t.Helper()
	before := h.gw.ClientCount()
	conn, _, err := h.dial(t, url.Values{"address": {address}})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return h.gw.ClientCount() == before+1 }, time.Second, 5*time.Millisecond)
	return conn
}

func sendCommand(t *testing.T, conn *websocket.Conn, typ domain.CommandType, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(command{Type: typ, Data: raw, Ref: "r1"}))
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func readError(t *testing.T, conn *websocket.Conn) errorData {
	t.Helper()
	env := readEnvelope(t, conn)
	require.Equal(t, string(domain.EventError), env.Type)
	var e errorData
	require.NoError(t, json.Unmarshal(env.Data, &e))
	return e
}

func TestHandshakeRequiresAddress(t *testing.T) {
	h := newHarness(t, nil)
	_, resp, err := h.dial(t, url.Values{})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandshakeVerifiesSignature(t *testing.T) {
	h := newHarness(t, func(d *Deps, _ *Config) {
		d.Verifier = crypto.NewWalletVerifier(time.Minute)
	})

	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	addr := ethcrypto.PubkeyToAddress(key.PublicKey).Hex()
	ts := time.Now().Unix()
	sig, err := ethcrypto.Sign(accounts.TextHash([]byte(crypto.LoginMessage(addr, ts))), key)
	require.NoError(t, err)
	sig[64] += 27

	_, resp, err := h.dial(t, url.Values{"address": {addr}, "ts": {strconv.FormatInt(ts, 10)}})
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := h.dial(t, url.Values{
		"address": {addr},
		"ts":      {strconv.FormatInt(ts, 10)},
		"sig":     {"0x" + hex.EncodeToString(sig)},
	})
	require.NoError(t, err)
	conn.Close()
}

func TestCreateGameIssuesResumeToken(t *testing.T) {
	tokens := crypto.NewResumeTokens("secret", time.Hour)
	h := newHarness(t, func(d *Deps, _ *Config) { d.Tokens = tokens })
	conn := h.connect(t, "0xAlice")

	sendCommand(t, conn, domain.CmdCreateGame, map[string]any{"currency": "points", "stake": "10"})

	env := readEnvelope(t, conn)
	require.Equal(t, string(domain.EventResumeAvailable), env.Type)
	assert.Equal(t, "m-created", env.MatchID)

	var ref matchRef
	require.NoError(t, json.Unmarshal(env.Data, &ref))
	assert.NoError(t, tokens.Verify(ref.ResumeToken, "m-created", "0xalice"))
	assert.Equal(t, []call{{op: "create", pid: "0xalice"}}, h.sessions.Calls())
}

func TestEventsRouteToRecipients(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect(t, "0xalice")
	bob := h.connect(t, "0xbob")

	evt := domain.NewEvent(domain.EventPlayerJoined, "m1", []string{"0xalice"}, map[string]string{"seat": "player2"})
	payload, err := json.Marshal(evt)
	require.NoError(t, err)
	require.NoError(t, h.bus.Publish(context.Background(), "match:m1", payload))

	env := readEnvelope(t, alice)
	assert.Equal(t, string(domain.EventPlayerJoined), env.Type)
	assert.Equal(t, "m1", env.MatchID)
	assert.JSONEq(t, `{"seat":"player2"}`, string(env.Data))

	require.NoError(t, bob.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = bob.ReadMessage()
	assert.Error(t, err, "bob is not a recipient")
}

func TestCommandDispatch(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t, "0xalice")
	h.sessions.mu.Lock()
	h.sessions.active["0xalice"] = "m1"
	h.sessions.mu.Unlock()

	commitment := strings.Repeat("ab", domain.CommitmentSize)
	sendCommand(t, conn, domain.CmdSubmitMove, map[string]any{"match_id": "m1", "round": 2, "commitment": commitment})
	sendCommand(t, conn, domain.CmdRevealMove, map[string]any{"match_id": "m1", "round": 2, "move": "paper", "nonce": "18446744073709551615"})
	sendCommand(t, conn, domain.CmdLeaveGame, map[string]any{})

	require.Eventually(t, func() bool { return len(h.sessions.Calls()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []call{
		{op: "commit", match: "m1", pid: "0xalice", round: 2},
		{op: "reveal", match: "m1", pid: "0xalice", round: 2, nonce: 18446744073709551615},
		{op: "quit", match: "m1", pid: "0xalice"},
	}, h.sessions.Calls())
}

func TestFindRandomMatch(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t, "0xalice")

	sendCommand(t, conn, domain.CmdFindRandomMatch, map[string]any{"currency": "points", "stake": 5})

	env := readEnvelope(t, conn)
	assert.Equal(t, string(domain.EventResumeAvailable), env.Type)
	assert.Equal(t, "m-random", env.MatchID)
}

func TestCommandErrorsCarryCodes(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t, "0xalice")

	sendCommand(t, conn, domain.CmdSubmitMove, map[string]any{"match_id": "m1", "round": 1, "commitment": "zz"})
	e := readError(t, conn)
	assert.Equal(t, "validation", e.Code)
	assert.Equal(t, string(domain.CmdSubmitMove), e.Command)
	assert.Equal(t, "r1", e.Ref)

	h.sessions.mu.Lock()
	h.sessions.err = domain.ErrInsufficientFunds
	h.sessions.mu.Unlock()
	sendCommand(t, conn, domain.CmdCreateGame, map[string]any{"currency": "points", "stake": "10"})
	assert.Equal(t, "insufficient_funds", readError(t, conn).Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)))
	assert.Equal(t, "validation", readError(t, conn).Code)
}

func TestCommandRateLimit(t *testing.T) {
	h := newHarness(t, func(d *Deps, c *Config) {
		d.Limiter = local.NewRateLimiter()
		c.CommandLimit = 1
		c.CommandWindow = time.Minute
	})
	conn := h.connect(t, "0xalice")

	sendCommand(t, conn, domain.CmdCancelMatchRequest, map[string]any{})
	sendCommand(t, conn, domain.CmdCancelMatchRequest, map[string]any{})
	assert.Equal(t, "rate_limited", readError(t, conn).Code)
}

func TestResumeRequiresValidToken(t *testing.T) {
	tokens := crypto.NewResumeTokens("secret", time.Hour)
	h := newHarness(t, func(d *Deps, _ *Config) { d.Tokens = tokens })
	conn := h.connect(t, "0xalice")

	sendCommand(t, conn, domain.CmdResume, map[string]any{"match_id": "m1", "resume_token": "bogus"})
	assert.Equal(t, "unauthorized", readError(t, conn).Code)

	sendCommand(t, conn, domain.CmdResume, map[string]any{"match_id": "m1", "resume_token": tokens.Issue("m1", "0xalice")})
	require.Eventually(t, func() bool { return len(h.sessions.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, call{op: "resume", match: "m1", pid: "0xalice"}, h.sessions.Calls()[0])
}

func TestConnectOffersResume(t *testing.T) {
	h := newHarness(t, nil)
	h.sessions.mu.Lock()
	h.sessions.hints["0xalice"] = "m9"
	h.sessions.mu.Unlock()

	conn := h.connect(t, "0xalice")
	env := readEnvelope(t, conn)
	assert.Equal(t, string(domain.EventResumeAvailable), env.Type)
	assert.Equal(t, "m9", env.MatchID)
}

func TestLastConnectionClosedDisconnects(t *testing.T) {
	h := newHarness(t, nil)
	h.sessions.mu.Lock()
	h.sessions.active["0xalice"] = "m1"
	h.sessions.mu.Unlock()

	first := h.connect(t, "0xalice")
	second := h.connect(t, "0xalice")

	first.Close()
	require.Eventually(t, func() bool { return h.gw.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.sessions.Calls(), "a second connection is still open")

	second.Close()
	require.Eventually(t, func() bool { return len(h.sessions.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, call{op: "disconnect", match: "m1", pid: "0xalice"}, h.sessions.Calls()[0])
}
