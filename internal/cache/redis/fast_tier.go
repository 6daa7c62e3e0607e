package redis

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

//go:embed scripts/tier_apply.lua
var tierApplyLua string

// FastTier is the low-latency execution tier. Applied operations are
// journaled per match until the router commits them to the durable tier.
//
// Key schema:
//
//	tier:{matchID}:ops     - list of JSON-encoded operations in apply order
//	tier:{matchID}:applied - set of "kind/round/seat" keys already journaled
//
// Both keys expire ttl after the last write.
type FastTier struct {
	c       *Client
	ttl     time.Duration
	applySc *redis.Script
}

// NewFastTier creates a FastTier on c.
func NewFastTier(c *Client, ttl time.Duration) *FastTier {
	return &FastTier{
		c:       c,
		ttl:     ttl,
		applySc: redis.NewScript(tierApplyLua),
	}
}

func (t *FastTier) opsKey(matchID string) string {
	return t.c.Key("tier:" + matchID + ":ops")
}

func (t *FastTier) appliedKey(matchID string) string {
	return t.c.Key("tier:" + matchID + ":applied")
}

// Name returns domain.TierFast.
func (t *FastTier) Name() domain.TierName { return domain.TierFast }

// ApplyMoveCommitment journals a sealed move.
func (t *FastTier) ApplyMoveCommitment(ctx context.Context, op domain.Operation) error {
	if op.Commitment.IsZero() {
		return fmt.Errorf("redis: fast tier: empty commitment: %w", domain.ErrValidation)
	}
	return t.apply(ctx, op)
}

// ApplyReveal journals a revealed move.
func (t *FastTier) ApplyReveal(ctx context.Context, op domain.Operation) error {
	return t.apply(ctx, op)
}

// ApplySettlement journals a settlement. The router never sends fund-moving
// operations here, but the tier accepts them for replay symmetry.
func (t *FastTier) ApplySettlement(ctx context.Context, op domain.Operation) error {
	if op.Settlement == nil {
		return fmt.Errorf("redis: fast tier: settlement missing: %w", domain.ErrValidation)
	}
	return t.apply(ctx, op)
}

// HealthCheck pings Redis.
func (t *FastTier) HealthCheck(ctx context.Context) error {
	return t.c.Ping(ctx)
}

func (t *FastTier) apply(ctx context.Context, op domain.Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("redis: fast tier: encode %s: %w", op.Kind, err)
	}
	opKey := fmt.Sprintf("%s/%d/%d", op.Kind, op.Round, op.Seat)

	err = t.applySc.Run(ctx, t.c.rdb,
		[]string{t.opsKey(op.MatchID), t.appliedKey(op.MatchID)},
		opKey, data, t.ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("redis: fast tier: apply %s %s: %w", op.Kind, op.MatchID, err)
	}
	return nil
}

// Operations returns the journal for matchID in apply order.
func (t *FastTier) Operations(ctx context.Context, matchID string) ([]domain.Operation, error) {
	raw, err := t.c.rdb.LRange(ctx, t.opsKey(matchID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: fast tier: read journal %s: %w", matchID, err)
	}

	ops := make([]domain.Operation, 0, len(raw))
	for i, s := range raw {
		var op domain.Operation
		if err := json.Unmarshal([]byte(s), &op); err != nil {
			return nil, fmt.Errorf("redis: fast tier: decode journal %s entry %d: %w", matchID, i, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Discard drops the journal for matchID.
func (t *FastTier) Discard(ctx context.Context, matchID string) error {
	if err := t.c.rdb.Del(ctx, t.opsKey(matchID), t.appliedKey(matchID)).Err(); err != nil {
		return fmt.Errorf("redis: fast tier: discard %s: %w", matchID, err)
	}
	return nil
}

var (
	_ domain.ExecutionTier = (*FastTier)(nil)
	_ domain.TierJournal   = (*FastTier)(nil)
)
