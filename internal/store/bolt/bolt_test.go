package boltstore

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

func openTest(t *testing.T) *Client {
	t.Helper()
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDurableTierJournal(t *testing.T) {
	c := openTest(t)
	tier := NewDurableTier(c)
	ctx := context.Background()

	commit := domain.Operation{
		Kind:       domain.OpMoveCommitment,
		MatchID:    "m1",
		Round:      1,
		Seat:       domain.Seat1,
		Commitment: domain.Commitment{0xab},
		At:         time.Now().UTC(),
	}
	require.NoError(t, tier.ApplyMoveCommitment(ctx, commit))
	require.NoError(t, tier.ApplyMoveCommitment(ctx, commit))

	reveal := commit
	reveal.Kind = domain.OpReveal
	reveal.Move = domain.MoveScissors
	require.NoError(t, tier.ApplyReveal(ctx, reveal))

	ops, err := tier.Operations(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, domain.OpMoveCommitment, ops[0].Kind)
	assert.Equal(t, domain.MoveScissors, ops[1].Move)

	empty, err := tier.Operations(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, empty)

	assert.ErrorIs(t, tier.ApplySettlement(ctx, domain.Operation{MatchID: "m1"}), domain.ErrValidation)
	assert.NoError(t, tier.HealthCheck(ctx))
}

func TestDurableTierUnhealthyAfterClose(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	tier := NewDurableTier(c)
	require.NoError(t, c.Close())

	assert.Error(t, tier.HealthCheck(context.Background()))
}

func TestDurableTierSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	c, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, NewDurableTier(c).ApplySettlement(ctx, domain.Operation{
		Kind:       domain.OpSettlement,
		MatchID:    "m1",
		Settlement: &domain.Settlement{MatchID: "m1", Status: domain.EscrowSettled, Winner: "0xa"},
	}))
	require.NoError(t, c.Close())

	c, err = Open(dir)
	require.NoError(t, err)
	defer c.Close()
	ops, err := NewDurableTier(c).Operations(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "0xa", ops[0].Settlement.Winner)
}

func finished(id, p1, p2 string, at time.Time) domain.MatchFinished {
	return domain.MatchFinished{
		MatchID:     id,
		Player1:     p1,
		Player2:     p2,
		Winner:      p1,
		Currency:    domain.CurrencyPoints,
		Stake:       decimal.NewFromInt(10),
		Pot:         decimal.NewFromInt(20),
		Fee:         decimal.Zero,
		Payout:      decimal.NewFromInt(20),
		Status:      domain.GameCompleted,
		Reason:      domain.ReasonRoundsWon,
		CompletedAt: at,
	}
}

func TestHistoryStore(t *testing.T) {
	c := openTest(t)
	s := NewHistoryStore(c)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	for i, f := range []domain.MatchFinished{
		finished("m1", "0xa", "0xb", base),
		finished("m2", "0xb", "0xc", base.Add(time.Hour)),
		finished("m3", "0xa", "0xc", base.Add(2*time.Hour)),
	} {
		inserted, err := s.Record(ctx, f)
		require.NoError(t, err, "row %d", i)
		assert.True(t, inserted)
	}
	inserted, err := s.Record(ctx, finished("m1", "0xa", "0xb", base))
	require.NoError(t, err)
	assert.False(t, inserted)

	rows, err := s.ListByParticipant(ctx, "0xa", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "m3", rows[0].MatchID)
	assert.Equal(t, "m1", rows[1].MatchID)

	rows, err = s.ListByParticipant(ctx, "0xc", domain.ListOpts{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "m2", rows[0].MatchID)

	since := base.Add(30 * time.Minute)
	rows, err = s.ListByParticipant(ctx, "0xb", domain.ListOpts{Since: &since})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "m2", rows[0].MatchID)

	before, err := s.ListBefore(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	require.Len(t, before, 2)
	assert.Equal(t, "m1", before[0].MatchID)

	got, err := s.Get(ctx, "m2")
	require.NoError(t, err)
	assert.True(t, got.Payout.Equal(decimal.NewFromInt(20)))

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAuditStore(t *testing.T) {
	c := openTest(t)
	s := NewAuditStore(c)
	ctx := context.Background()

	require.NoError(t, s.Log(ctx, "escrow.lock", map[string]any{"match_id": "m1"}))
	require.NoError(t, s.Log(ctx, "escrow.settle", map[string]any{"match_id": "m1"}))
	require.NoError(t, s.Log(ctx, "escrow.refund", map[string]any{"match_id": "m2"}))

	entries, err := s.List(ctx, domain.ListOpts{Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "escrow.refund", entries[0].Event)
	assert.EqualValues(t, 3, entries[0].ID)
	assert.Equal(t, "m2", entries[0].Detail["match_id"])

	entries, err = s.List(ctx, domain.ListOpts{Offset: 2})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "escrow.lock", entries[0].Event)
}
