package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

// testClient connects to RPSARENA_TEST_REDIS_ADDR, skipping when unset. Each
// test gets its own key prefix.
func testClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("RPSARENA_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RPSARENA_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := New(ctx, ClientConfig{Addr: addr, KeyPrefix: "rpsarena-test:" + uuid.NewString() + ":"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLockManagerExclusive(t *testing.T) {
	c := testClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "escrow:m1", time.Second)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "escrow:m1", time.Second)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()
	unlock2, err := lm.Acquire(ctx, "escrow:m1", time.Second)
	require.NoError(t, err)
	unlock2()
}

func TestRateLimiterWindow(t *testing.T) {
	c := testClient(t)
	rl := NewRateLimiter(c)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "p1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "p1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSignalBusStream(t *testing.T) {
	c := testClient(t)
	bus := NewSignalBus(c)
	ctx := context.Background()

	require.NoError(t, bus.StreamAppend(ctx, "stream:test", []byte("a")))
	require.NoError(t, bus.StreamAppend(ctx, "stream:test", []byte("b")))

	msgs, err := bus.StreamRead(ctx, "stream:test", "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, []byte("b"), msgs[1].Payload)

	rest, err := bus.StreamRead(ctx, "stream:test", msgs[1].ID, 10)
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func TestSignalBusPatternSubscribe(t *testing.T) {
	c := testClient(t)
	bus := NewSignalBus(c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "match:*")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "match:m1", []byte("evt")))

	select {
	case got := <-ch:
		assert.Equal(t, []byte("evt"), got)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestSessionHints(t *testing.T) {
	c := testClient(t)
	h := NewSessionHints(c)
	ctx := context.Background()

	_, err := h.Lookup(ctx, "p1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, h.Remember(ctx, "p1", "m1", time.Minute))
	id, err := h.Lookup(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "m1", id)

	require.NoError(t, h.Forget(ctx, "p1"))
	_, err = h.Lookup(ctx, "p1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFastTierJournal(t *testing.T) {
	c := testClient(t)
	ft := NewFastTier(c, time.Minute)
	ctx := context.Background()

	op := domain.Operation{
		Kind:       domain.OpMoveCommitment,
		MatchID:    "m1",
		Round:      1,
		Seat:       domain.Seat1,
		Commitment: domain.Commitment{1, 2, 3},
		At:         time.Now().UTC(),
	}
	require.NoError(t, ft.ApplyMoveCommitment(ctx, op))
	require.NoError(t, ft.ApplyMoveCommitment(ctx, op))

	reveal := op
	reveal.Kind = domain.OpReveal
	reveal.Move = domain.MovePaper
	reveal.Nonce = 42
	require.NoError(t, ft.ApplyReveal(ctx, reveal))

	ops, err := ft.Operations(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, op.Commitment, ops[0].Commitment)
	assert.Equal(t, domain.MovePaper, ops[1].Move)
	assert.EqualValues(t, 42, ops[1].Nonce)

	require.NoError(t, ft.Discard(ctx, "m1"))
	ops, err = ft.Operations(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, ops)

	assert.ErrorIs(t, ft.ApplyMoveCommitment(ctx, domain.Operation{MatchID: "m2"}), domain.ErrValidation)
}
