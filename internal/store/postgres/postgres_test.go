package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

func TestDSN(t *testing.T) {
	assert.Equal(t,
		"postgres://arena:pw@db:5432/rps?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "rps", User: "arena", Password: "pw"}),
	)
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

func TestWithListOpts(t *testing.T) {
	since := time.Unix(100, 0)
	query, args := withListOpts("SELECT 1 FROM t WHERE a = $1", []any{"p1"}, "ts",
		domain.ListOpts{Since: &since, Limit: 20, Offset: 40})

	assert.Equal(t, "SELECT 1 FROM t WHERE a = $1 AND ts >= $2 ORDER BY ts DESC LIMIT $3 OFFSET $4", query)
	assert.Equal(t, []any{"p1", since, 20, 40}, args)

	query, args = withListOpts("SELECT 1 FROM t WHERE TRUE", nil, "ts", domain.ListOpts{})
	assert.Equal(t, "SELECT 1 FROM t WHERE TRUE ORDER BY ts DESC", query)
	assert.Empty(t, args)
}

// testClient connects to RPSARENA_TEST_POSTGRES_DSN and migrates, skipping
// when unset.
func testClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv("RPSARENA_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RPSARENA_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := New(ctx, ClientConfig{DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, c.RunMigrations(ctx))
	require.NoError(t, c.RunMigrations(ctx))
	t.Cleanup(c.Close)
	return c
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestEscrowStoreLockAndComplete(t *testing.T) {
	c := testClient(t)
	s := NewEscrowStore(c.Pool())
	ctx := context.Background()

	matchID := uuid.NewString()
	alice, bob := "0xa-"+matchID, "0xb-"+matchID

	require.NoError(t, s.EnsureAccount(ctx, alice, domain.CurrencySOL, dec("1")))
	require.NoError(t, s.EnsureAccount(ctx, alice, domain.CurrencySOL, dec("50")))
	require.NoError(t, s.EnsureAccount(ctx, bob, domain.CurrencySOL, dec("0.1")))

	rec, err := s.Lock(ctx, matchID, domain.CurrencySOL, alice, dec("0.5"))
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowUnsettled, rec.Status)
	require.Len(t, rec.Locks, 1)

	_, err = s.Lock(ctx, matchID, domain.CurrencySOL, alice, dec("0.5"))
	assert.ErrorIs(t, err, domain.ErrAlreadyLocked)
	_, err = s.Lock(ctx, matchID, domain.CurrencySOL, bob, dec("0.5"))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	_, err = s.Credit(ctx, bob, domain.CurrencySOL, dec("0.4"))
	require.NoError(t, err)
	rec, err = s.Lock(ctx, matchID, domain.CurrencySOL, bob, dec("0.5"))
	require.NoError(t, err)
	assert.True(t, rec.Pot().Equal(dec("1")))

	require.NoError(t, s.MarkSettling(ctx, matchID))
	st := domain.Settlement{
		MatchID:   matchID,
		Status:    domain.EscrowSettled,
		Winner:    alice,
		Fee:       dec("0.02"),
		Payout:    dec("0.98"),
		SettledAt: time.Now().UTC(),
	}
	rec, err = s.Complete(ctx, st, []domain.Credit{{ParticipantID: alice, Amount: dec("0.98")}})
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowSettled, rec.Status)
	require.NotNil(t, rec.SettledAt)

	_, err = s.Complete(ctx, st, []domain.Credit{{ParticipantID: alice, Amount: dec("0.98")}})
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.ErrorIs(t, s.MarkSettling(ctx, matchID), domain.ErrConflict)

	bal, err := s.Balance(ctx, alice, domain.CurrencySOL)
	require.NoError(t, err)
	assert.Equal(t, "1.48", bal.String())

	_, err = s.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDurableTierIgnoresReplays(t *testing.T) {
	c := testClient(t)
	tier := NewDurableTier(c.Pool())
	ctx := context.Background()
	matchID := uuid.NewString()

	op := domain.Operation{
		Kind:       domain.OpMoveCommitment,
		MatchID:    matchID,
		Round:      1,
		Seat:       domain.Seat2,
		Commitment: domain.Commitment{9},
		At:         time.Now().UTC(),
	}
	require.NoError(t, tier.ApplyMoveCommitment(ctx, op))
	require.NoError(t, tier.ApplyMoveCommitment(ctx, op))
	require.NoError(t, tier.ApplySettlement(ctx, domain.Operation{
		Kind:       domain.OpSettlement,
		MatchID:    matchID,
		Settlement: &domain.Settlement{MatchID: matchID, Status: domain.EscrowRefunded},
		At:         time.Now().UTC(),
	}))

	ops, err := tier.Operations(ctx, matchID)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, op.Commitment, ops[0].Commitment)
	assert.Equal(t, domain.EscrowRefunded, ops[1].Settlement.Status)
}

func TestHistoryStoreRecordOnce(t *testing.T) {
	c := testClient(t)
	s := NewHistoryStore(c.Pool())
	ctx := context.Background()

	player := "0xp-" + uuid.NewString()
	fact := domain.MatchFinished{
		MatchID:     uuid.NewString(),
		Player1:     player,
		Currency:    domain.CurrencyPoints,
		Stake:       dec("100"),
		Pot:         dec("100"),
		Fee:         decimal.Zero,
		Payout:      decimal.Zero,
		Status:      domain.GameAbandoned,
		Reason:      domain.ReasonCancelled,
		CompletedAt: time.Now().UTC().Truncate(time.Microsecond),
	}

	inserted, err := s.Record(ctx, fact)
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = s.Record(ctx, fact)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := s.Get(ctx, fact.MatchID)
	require.NoError(t, err)
	assert.True(t, got.Stake.Equal(fact.Stake))
	assert.True(t, got.StartedAt.IsZero())

	rows, err := s.ListByParticipant(ctx, player, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	audit := NewAuditStore(c.Pool())
	require.NoError(t, audit.Log(ctx, "test.event", map[string]any{"match_id": fact.MatchID}))
	entries, err := audit.List(ctx, domain.ListOpts{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
