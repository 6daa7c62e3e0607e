package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

func TestLockManagerExclusive(t *testing.T) {
	lm := NewLockManager()
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "escrow:m1", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "escrow:m1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()

	unlock2, err := lm.Acquire(ctx, "escrow:m1", time.Minute)
	require.NoError(t, err)
	unlock2()
}

func TestLockManagerExpiry(t *testing.T) {
	lm := NewLockManager()
	now := time.Unix(1_700_000_000, 0)
	lm.now = func() time.Time { return now }

	stale, err := lm.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	fresh, err := lm.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)

	// The expired holder must not release the new holder's lock.
	stale()
	_, err = lm.Acquire(context.Background(), "k", time.Second)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
	fresh()
}

func TestSignalBusPatternSubscribe(t *testing.T) {
	bus := NewSignalBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	all, err := bus.Subscribe(ctx, "match:*")
	require.NoError(t, err)
	one, err := bus.Subscribe(ctx, "match:abc")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "match:abc", []byte("hello")))
	require.NoError(t, bus.Publish(ctx, "other", []byte("ignored")))

	assert.Equal(t, []byte("hello"), <-all)
	assert.Equal(t, []byte("hello"), <-one)
	assert.Empty(t, all)
}

func TestSignalBusStream(t *testing.T) {
	bus := NewSignalBus()
	ctx := context.Background()

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, bus.StreamAppend(ctx, "s", []byte(p)))
	}

	first, err := bus.StreamRead(ctx, "s", "0", 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, []byte("a"), first[0].Payload)

	rest, err := bus.StreamRead(ctx, "s", first[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, []byte("c"), rest[0].Payload)
}

func TestSessionHints(t *testing.T) {
	h := NewSessionHints()
	ctx := context.Background()

	require.NoError(t, h.Remember(ctx, "p1", "m1", time.Minute))
	id, err := h.Lookup(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "m1", id)

	require.NoError(t, h.Forget(ctx, "p1"))
	_, err = h.Lookup(ctx, "p1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "p1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "p1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _ = rl.Allow(ctx, "p2", 3, time.Minute)
	assert.True(t, ok)
}
