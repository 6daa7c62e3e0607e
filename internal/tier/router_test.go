package tier

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

var errBoom = errors.New("boom")

// flakyTier wraps a MemoryTier and fails the next n applies, or every health
// check while down is set.
type flakyTier struct {
	*MemoryTier
	mu       sync.Mutex
	failNext int
	down     bool
	delay    time.Duration
	applies  int
}

func newFlaky(name domain.TierName) *flakyTier {
	return &flakyTier{MemoryTier: NewMemoryTier(name, 0)}
}

func (f *flakyTier) gate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applies++
	if f.down {
		return errBoom
	}
	if f.failNext > 0 {
		f.failNext--
		return errBoom
	}
	return nil
}

func (f *flakyTier) ApplyMoveCommitment(ctx context.Context, op domain.Operation) error {
	if err := f.gate(); err != nil {
		return err
	}
	return f.MemoryTier.ApplyMoveCommitment(ctx, op)
}

func (f *flakyTier) ApplyReveal(ctx context.Context, op domain.Operation) error {
	if err := f.gate(); err != nil {
		return err
	}
	return f.MemoryTier.ApplyReveal(ctx, op)
}

func (f *flakyTier) ApplySettlement(ctx context.Context, op domain.Operation) error {
	if err := f.gate(); err != nil {
		return err
	}
	return f.MemoryTier.ApplySettlement(ctx, op)
}

func (f *flakyTier) HealthCheck(ctx context.Context) error {
	f.mu.Lock()
	down, delay := f.down, f.delay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if down {
		return errBoom
	}
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		ProbeInterval:   time.Hour,
		LatencyBudget:   50 * time.Millisecond,
		CommitAttempts:  4,
		CommitBaseDelay: time.Millisecond,
		CommitMaxDelay:  4 * time.Millisecond,
	}
}

func commitOp(match string, round int, seat domain.Seat) domain.Operation {
	var c domain.Commitment
	c[0] = byte(round)
	c[1] = byte(seat)
	return domain.Operation{Kind: domain.OpMoveCommitment, MatchID: match, Round: round, Seat: seat, Commitment: c}
}

func settleOp(match string) domain.Operation {
	return domain.Operation{
		Kind:       domain.OpSettlement,
		MatchID:    match,
		Settlement: &domain.Settlement{MatchID: match, Status: domain.EscrowSettled},
	}
}

func TestExecutePrefersHealthyFastTier(t *testing.T) {
	fast, durable := newFlaky(domain.TierFast), newFlaky(domain.TierDurable)
	r := NewRouter(durable, fast, testConfig(), testLogger())

	res, err := r.Execute(context.Background(), commitOp("m", 1, domain.Seat1), true)
	require.NoError(t, err)
	assert.Equal(t, domain.TierFast, res.Tier)
	assert.False(t, res.Fallback)

	res, err = r.Execute(context.Background(), commitOp("m", 1, domain.Seat2), false)
	require.NoError(t, err)
	assert.Equal(t, domain.TierDurable, res.Tier)
}

func TestSettlementAlwaysDurable(t *testing.T) {
	fast, durable := newFlaky(domain.TierFast), newFlaky(domain.TierDurable)
	r := NewRouter(durable, fast, testConfig(), testLogger())

	res, err := r.Execute(context.Background(), settleOp("m"), true)
	require.NoError(t, err)
	assert.Equal(t, domain.TierDurable, res.Tier)
	assert.Zero(t, fast.applies)
}

func TestFastFailureFallsBackToDurable(t *testing.T) {
	fast, durable := newFlaky(domain.TierFast), newFlaky(domain.TierDurable)
	fast.failNext = 1
	r := NewRouter(durable, fast, testConfig(), testLogger())

	res, err := r.Execute(context.Background(), commitOp("m", 1, domain.Seat1), true)
	require.NoError(t, err)
	assert.Equal(t, domain.TierDurable, res.Tier)
	assert.True(t, res.Fallback)
	assert.Equal(t, domain.TierDurable, r.SelectTier())

	ops, _ := durable.Operations(context.Background(), "m")
	assert.Len(t, ops, 1)

	for _, h := range r.Health() {
		if h.Tier == domain.TierFast {
			assert.False(t, h.Healthy)
			assert.Contains(t, h.LastError, "boom")
		}
	}
}

func TestDurableFailureIsFatal(t *testing.T) {
	fast, durable := newFlaky(domain.TierFast), newFlaky(domain.TierDurable)
	durable.down = true
	r := NewRouter(durable, fast, testConfig(), testLogger())

	_, err := r.Execute(context.Background(), settleOp("m"), true)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrFatal)
	assert.ErrorIs(t, err, domain.ErrTierUnavailable)
	assert.ErrorIs(t, err, errBoom)
}

func TestCommitReplaysJournalOntoDurable(t *testing.T) {
	fast, durable := newFlaky(domain.TierFast), newFlaky(domain.TierDurable)
	r := NewRouter(durable, fast, testConfig(), testLogger())
	ctx := context.Background()

	for _, op := range []domain.Operation{
		commitOp("m", 1, domain.Seat1),
		commitOp("m", 1, domain.Seat2),
		{Kind: domain.OpReveal, MatchID: "m", Round: 1, Seat: domain.Seat1, Move: domain.MovePaper},
	} {
		_, err := r.Execute(ctx, op, true)
		require.NoError(t, err)
	}
	// A fallback write already on durable is applied once.
	require.NoError(t, durable.ApplyMoveCommitment(ctx, commitOp("m", 1, domain.Seat1)))

	require.NoError(t, r.Commit(ctx, "m"))

	ops, _ := durable.Operations(ctx, "m")
	assert.Len(t, ops, 3)
	left, _ := fast.Operations(ctx, "m")
	assert.Empty(t, left)
}

func TestCommitRetriesWithBackoff(t *testing.T) {
	fast, durable := newFlaky(domain.TierFast), newFlaky(domain.TierDurable)
	r := NewRouter(durable, fast, testConfig(), testLogger())
	ctx := context.Background()

	_, err := r.Execute(ctx, commitOp("m", 1, domain.Seat1), true)
	require.NoError(t, err)

	durable.failNext = 2
	require.NoError(t, r.Commit(ctx, "m"))

	ops, _ := durable.Operations(ctx, "m")
	assert.Len(t, ops, 1)
}

func TestCommitGivesUp(t *testing.T) {
	fast, durable := newFlaky(domain.TierFast), newFlaky(domain.TierDurable)
	r := NewRouter(durable, fast, testConfig(), testLogger())
	ctx := context.Background()

	_, err := r.Execute(ctx, commitOp("m", 1, domain.Seat1), true)
	require.NoError(t, err)

	durable.down = true
	err = r.Commit(ctx, "m")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTierUnavailable)

	// The journal survives a failed commit.
	ops, _ := fast.Operations(ctx, "m")
	assert.Len(t, ops, 1)
}

func TestProbeMarksSlowTierUnhealthy(t *testing.T) {
	fast, durable := newFlaky(domain.TierFast), newFlaky(domain.TierDurable)
	fast.delay = 80 * time.Millisecond
	r := NewRouter(durable, fast, testConfig(), testLogger())

	r.Probe(context.Background())

	assert.Equal(t, domain.TierDurable, r.SelectTier())
	health := r.Health()
	require.Len(t, health, 2)
	assert.Equal(t, domain.TierFast, health[0].Tier)
	assert.False(t, health[0].Healthy)
	assert.True(t, health[1].Healthy)
	assert.False(t, health[1].LastChecked.IsZero())

	fast.delay = 0
	r.Probe(context.Background())
	assert.True(t, r.Health()[0].Healthy)
}

func TestNoHealthyTierSelectsDurable(t *testing.T) {
	fast, durable := newFlaky(domain.TierFast), newFlaky(domain.TierDurable)
	fast.down, durable.down = true, true
	r := NewRouter(durable, fast, testConfig(), testLogger())

	r.Probe(context.Background())
	assert.Equal(t, domain.TierDurable, r.SelectTier())
}

func TestRouterWithoutFastTier(t *testing.T) {
	durable := newFlaky(domain.TierDurable)
	r := NewRouter(durable, nil, testConfig(), testLogger())

	res, err := r.Execute(context.Background(), commitOp("m", 1, domain.Seat1), true)
	require.NoError(t, err)
	assert.Equal(t, domain.TierDurable, res.Tier)
	assert.NoError(t, r.Commit(context.Background(), "m"))
	assert.Len(t, r.Health(), 1)
}

func TestCommitRejectsExpiredJournal(t *testing.T) {
	fast := NewMemoryTier(domain.TierFast, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	fast.now = func() time.Time { return now }
	durable := newFlaky(domain.TierDurable)
	r := NewRouter(durable, fast, testConfig(), testLogger())
	ctx := context.Background()

	res, err := r.Execute(ctx, commitOp("m", 1, domain.Seat1), true)
	require.NoError(t, err)
	require.Equal(t, domain.TierFast, res.Tier)

	now = now.Add(2 * time.Minute)
	err = r.Commit(ctx, "m")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTierUnavailable)
	assert.Equal(t, 0, durable.applies, "nothing replayed from a partial journal")

	ops, _ := durable.Operations(ctx, "m")
	assert.Empty(t, ops)

	// A match that never touched the fast tier still commits.
	require.NoError(t, r.Commit(ctx, "other"))
}

func TestMemoryTierExpires(t *testing.T) {
	m := NewMemoryTier(domain.TierFast, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }

	require.NoError(t, m.ApplyMoveCommitment(context.Background(), commitOp("m", 1, domain.Seat1)))
	ops, _ := m.Operations(context.Background(), "m")
	assert.Len(t, ops, 1)

	now = now.Add(2 * time.Minute)
	ops, _ = m.Operations(context.Background(), "m")
	assert.Empty(t, ops)
}

func TestBackoffCaps(t *testing.T) {
	b := newBackoff(200*time.Millisecond, time.Second)
	var got []time.Duration
	for i := 0; i < 5; i++ {
		got = append(got, b.next())
	}
	assert.Equal(t, []time.Duration{
		200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second,
	}, got)
}
