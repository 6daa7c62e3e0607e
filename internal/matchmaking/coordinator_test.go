package matchmaking

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/rpsarena/internal/cache/local"
	"github.com/alanyoungcy/rpsarena/internal/domain"
	"github.com/alanyoungcy/rpsarena/internal/ledger"
	"github.com/alanyoungcy/rpsarena/internal/session"
	"github.com/alanyoungcy/rpsarena/internal/tier"
)

type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) Emit(_ context.Context, evt domain.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
	return nil
}

func (l *eventLog) of(typ domain.EventType) []domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Event
	for _, e := range l.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	coord  *Coordinator
	mgr    *session.Manager
	ledger *ledger.Ledger
	events *eventLog
}

func newFixture(t *testing.T, scfg session.Config) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	events := &eventLog{}

	led := ledger.New(ledger.NewMemoryStore(), local.NewLockManager(), nil, ledger.DefaultConfig(), logger)
	router := tier.NewRouter(tier.NewMemoryTier(domain.TierDurable, 0), tier.NewMemoryTier(domain.TierFast, 0), tier.DefaultConfig(), logger)
	mgr := session.NewManager(scfg, session.Deps{Ledger: led, Router: router, Events: events}, logger)
	t.Cleanup(mgr.Close)

	coord := NewCoordinator(mgr, events, Config{Timeout: 30 * time.Second, SweepInterval: time.Hour}, logger)
	return &fixture{coord: coord, mgr: mgr, ledger: led, events: events}
}

func (f *fixture) balance(t *testing.T, pid string) string {
	t.Helper()
	bal, err := f.ledger.Balance(context.Background(), pid, domain.CurrencyPoints)
	require.NoError(t, err)
	return bal.String()
}

func p(id string) domain.Participant { return domain.Participant{ID: id} }

func TestPairsCompatibleRequests(t *testing.T) {
	f := newFixture(t, session.Config{})
	ctx := context.Background()
	stake := decimal.New(100, 0)

	first, err := f.coord.RequestMatch(ctx, p("alice"), domain.CurrencyPoints, stake)
	require.NoError(t, err)
	assert.Equal(t, TicketWaiting, first.Status)
	require.Len(t, f.events.of(domain.EventMatchmakingWaiting), 1)

	second, err := f.coord.RequestMatch(ctx, p("bob"), domain.CurrencyPoints, stake)
	require.NoError(t, err)
	assert.Equal(t, TicketMatched, second.Status)
	assert.Equal(t, first.MatchID, second.MatchID)

	snap, err := f.mgr.Get(second.MatchID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, snap.Status)
	assert.Equal(t, domain.VisibilityPublic, snap.Visibility)
	assert.Equal(t, 0, f.coord.Stats()["waiting"])

	found := f.events.of(domain.EventMatchFound)
	require.Len(t, found, 1)
	assert.ElementsMatch(t, []string{"alice", "bob"}, found[0].Recipients)

	ticket, ok := f.coord.Ticket("alice")
	require.True(t, ok)
	assert.Equal(t, TicketMatched, ticket.Status)

	_, err = f.coord.Cancel(ctx, "alice")
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestRepeatRequestReturnsTicket(t *testing.T) {
	f := newFixture(t, session.Config{})
	ctx := context.Background()

	a, err := f.coord.RequestMatch(ctx, p("alice"), domain.CurrencyPoints, decimal.New(5, 0))
	require.NoError(t, err)
	b, err := f.coord.RequestMatch(ctx, p("alice"), domain.CurrencyPoints, decimal.New(5, 0))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, "995", f.balance(t, "alice"), "stake locked once")
}

func TestDifferentStakesDoNotPair(t *testing.T) {
	f := newFixture(t, session.Config{})
	ctx := context.Background()

	a, err := f.coord.RequestMatch(ctx, p("alice"), domain.CurrencyPoints, decimal.New(5, 0))
	require.NoError(t, err)
	b, err := f.coord.RequestMatch(ctx, p("bob"), domain.CurrencyPoints, decimal.New(6, 0))
	require.NoError(t, err)

	assert.Equal(t, TicketWaiting, b.Status)
	assert.NotEqual(t, a.MatchID, b.MatchID)
	assert.Equal(t, 2, f.coord.Stats()["waiting"])
}

func TestCancelBeforePairingRefunds(t *testing.T) {
	f := newFixture(t, session.Config{})
	ctx := context.Background()

	_, err := f.coord.RequestMatch(ctx, p("alice"), domain.CurrencyPoints, decimal.New(50, 0))
	require.NoError(t, err)
	assert.Equal(t, "950", f.balance(t, "alice"))

	ticket, err := f.coord.Cancel(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, TicketCancelled, ticket.Status)
	assert.Equal(t, "1000", f.balance(t, "alice"))
	assert.Len(t, f.events.of(domain.EventMatchmakingCanceled), 1)

	_, err = f.coord.Cancel(ctx, "alice")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// A later requester is not paired with the cancelled entry.
	bob, err := f.coord.RequestMatch(ctx, p("bob"), domain.CurrencyPoints, decimal.New(50, 0))
	require.NoError(t, err)
	assert.Equal(t, TicketWaiting, bob.Status)
}

func TestSweepRefundsTimedOutEntries(t *testing.T) {
	f := newFixture(t, session.Config{})
	ctx := context.Background()

	ticket, err := f.coord.RequestMatch(ctx, p("alice"), domain.CurrencyPoints, decimal.New(10, 0))
	require.NoError(t, err)

	f.coord.Sweep(ctx)
	assert.Equal(t, 1, f.coord.Stats()["waiting"], "not yet due")

	f.coord.now = func() time.Time { return time.Now().Add(31 * time.Second) }
	f.coord.Sweep(ctx)

	assert.Equal(t, 0, f.coord.Stats()["waiting"])
	assert.Equal(t, "1000", f.balance(t, "alice"))
	timeouts := f.events.of(domain.EventMatchmakingTimeout)
	require.Len(t, timeouts, 1)
	assert.Contains(t, string(timeouts[0].Data), `"refunded":true`)

	snap, err := f.mgr.Get(ticket.MatchID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAbandoned, snap.Status)
	assert.Equal(t, domain.ReasonMatchmakingTimeout, snap.Reason)
}

func TestEndedMatchLeavesPool(t *testing.T) {
	f := newFixture(t, session.Config{GracePeriod: 20 * time.Millisecond})
	ctx := context.Background()

	ticket, err := f.coord.RequestMatch(ctx, p("alice"), domain.CurrencyPoints, decimal.New(10, 0))
	require.NoError(t, err)

	f.mgr.Disconnect(ticket.MatchID, "alice")
	require.Eventually(t, func() bool {
		return f.coord.Stats()["waiting"] == 0
	}, time.Second, 5*time.Millisecond)

	bob, err := f.coord.RequestMatch(ctx, p("bob"), domain.CurrencyPoints, decimal.New(10, 0))
	require.NoError(t, err)
	assert.Equal(t, TicketWaiting, bob.Status)
}

func TestDirectlyJoinedMatchLeavesPool(t *testing.T) {
	f := newFixture(t, session.Config{})
	ctx := context.Background()

	ticket, err := f.coord.RequestMatch(ctx, p("alice"), domain.CurrencyPoints, decimal.New(10, 0))
	require.NoError(t, err)

	// bob joins the public match without going through matchmaking.
	snap, err := f.mgr.Join(ctx, ticket.MatchID, p("bob"))
	require.NoError(t, err)
	require.Equal(t, domain.StatusInProgress, snap.Status)

	f.coord.now = func() time.Time { return time.Now().Add(time.Minute) }
	for range 3 {
		f.coord.Sweep(ctx)
	}

	assert.Equal(t, map[string]int{"waiting": 0, "stranded": 0}, f.coord.Stats())
	assert.Empty(t, f.events.of(domain.EventError))
	assert.Empty(t, f.events.of(domain.EventMatchmakingTimeout))

	snap, err = f.mgr.Get(ticket.MatchID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, snap.Status)
	assert.Equal(t, "990", f.balance(t, "alice"), "stake stays with the live match")

	carol, err := f.coord.RequestMatch(ctx, p("carol"), domain.CurrencyPoints, decimal.New(10, 0))
	require.NoError(t, err)
	assert.Equal(t, TicketWaiting, carol.Status)
	assert.NotEqual(t, ticket.MatchID, carol.MatchID)
}

func TestCancelAfterDirectJoinIsConflict(t *testing.T) {
	f := newFixture(t, session.Config{})
	ctx := context.Background()

	ticket, err := f.coord.RequestMatch(ctx, p("alice"), domain.CurrencyPoints, decimal.New(10, 0))
	require.NoError(t, err)
	_, err = f.mgr.Join(ctx, ticket.MatchID, p("bob"))
	require.NoError(t, err)

	_, err = f.coord.Cancel(ctx, "alice")
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, 0, f.coord.Stats()["stranded"])
	assert.Empty(t, f.events.of(domain.EventError))
}

// flakySessions fails Abandon a fixed number of times.
type flakySessions struct {
	mu        sync.Mutex
	failures  int
	abandoned map[string]bool
	seq       int
}

func (s *flakySessions) Create(_ context.Context, creator domain.Participant, cur domain.Currency, stake decimal.Decimal, _ int, vis domain.Visibility) (domain.MatchSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return domain.MatchSnapshot{
		ID:         "m" + string(rune('0'+s.seq)),
		Currency:   cur,
		Stake:      stake,
		Visibility: vis,
		Status:     domain.StatusWaitingForOpponent,
		Players:    []domain.PlayerView{{Participant: creator}},
	}, nil
}

func (s *flakySessions) Join(context.Context, string, domain.Participant) (domain.MatchSnapshot, error) {
	return domain.MatchSnapshot{}, errors.New("unused")
}

func (s *flakySessions) Abandon(_ context.Context, matchID string, _ domain.FinishReason) (domain.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return domain.Settlement{}, domain.ErrTierUnavailable
	}
	s.abandoned[matchID] = true
	return domain.Settlement{MatchID: matchID, Status: domain.EscrowRefunded}, nil
}

func (s *flakySessions) Get(id string) (domain.MatchSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := domain.StatusWaitingForOpponent
	if s.abandoned[id] {
		status = domain.StatusAbandoned
	}
	return domain.MatchSnapshot{ID: id, Status: status}, nil
}

func (s *flakySessions) OnTerminal(func(domain.MatchSnapshot)) {}

func TestStrandedRefundIsRetried(t *testing.T) {
	sessions := &flakySessions{failures: 2, abandoned: make(map[string]bool)}
	events := &eventLog{}
	coord := NewCoordinator(sessions, events, Config{Timeout: time.Second}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	ticket, err := coord.RequestMatch(ctx, p("alice"), domain.CurrencyPoints, decimal.New(10, 0))
	require.NoError(t, err)
	coord.now = func() time.Time { return time.Now().Add(time.Minute) }

	coord.Sweep(ctx)
	assert.Equal(t, 1, coord.Stats()["stranded"])
	errs := events.of(domain.EventError)
	require.Len(t, errs, 1)
	assert.Contains(t, string(errs[0].Data), `"escrowed":true`)
	assert.Empty(t, events.of(domain.EventMatchmakingTimeout))

	coord.Sweep(ctx)
	assert.Equal(t, 1, coord.Stats()["stranded"])

	coord.Sweep(ctx)
	assert.Equal(t, 0, coord.Stats()["stranded"])
	assert.True(t, sessions.abandoned[ticket.MatchID])
	assert.Len(t, events.of(domain.EventMatchmakingTimeout), 1)
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t, session.Config{})
	ctx := context.Background()

	_, err := f.coord.RequestMatch(ctx, p(""), domain.CurrencyPoints, decimal.New(1, 0))
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.coord.RequestMatch(ctx, p("a"), "gold", decimal.New(1, 0))
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.coord.RequestMatch(ctx, p("a"), domain.CurrencySOL, decimal.New(1, 0))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, 0, f.coord.Stats()["waiting"])
}
