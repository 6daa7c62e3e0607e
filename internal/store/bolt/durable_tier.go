package boltstore

import (
	"context"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

// DurableTier is the local-mode execution tier of record. Each match gets a
// nested bucket holding its operations in apply order plus an index of the
// (kind, round, seat) keys already written, so replays are no-ops.
type DurableTier struct {
	db *bolt.DB
}

// NewDurableTier creates a DurableTier on c.
func NewDurableTier(c *Client) *DurableTier {
	return &DurableTier{db: c.db}
}

// Name returns domain.TierDurable.
func (t *DurableTier) Name() domain.TierName { return domain.TierDurable }

// ApplyMoveCommitment records a sealed move.
func (t *DurableTier) ApplyMoveCommitment(ctx context.Context, op domain.Operation) error {
	if op.Commitment.IsZero() {
		return fmt.Errorf("bolt: durable tier: empty commitment: %w", domain.ErrValidation)
	}
	return t.put(ctx, op)
}

// ApplyReveal records a revealed move.
func (t *DurableTier) ApplyReveal(ctx context.Context, op domain.Operation) error {
	return t.put(ctx, op)
}

// ApplySettlement records the settlement of a match.
func (t *DurableTier) ApplySettlement(ctx context.Context, op domain.Operation) error {
	if op.Settlement == nil {
		return fmt.Errorf("bolt: durable tier: settlement missing: %w", domain.ErrValidation)
	}
	return t.put(ctx, op)
}

// HealthCheck fails once the database has been closed.
func (t *DurableTier) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(tierBucket)) == nil {
			return fmt.Errorf("bolt: durable tier: bucket missing")
		}
		return nil
	})
}

func (t *DurableTier) put(ctx context.Context, op domain.Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("bolt: durable tier: encode %s: %w", op.Kind, err)
	}
	opKey := []byte(fmt.Sprintf("%s/%d/%d", op.Kind, op.Round, op.Seat))

	err = t.db.Update(func(tx *bolt.Tx) error {
		match, err := tx.Bucket([]byte(tierBucket)).CreateBucketIfNotExists([]byte(op.MatchID))
		if err != nil {
			return err
		}
		applied, err := match.CreateBucketIfNotExists([]byte("applied"))
		if err != nil {
			return err
		}
		if applied.Get(opKey) != nil {
			return nil
		}
		ops, err := match.CreateBucketIfNotExists([]byte("ops"))
		if err != nil {
			return err
		}
		seq, err := ops.NextSequence()
		if err != nil {
			return err
		}
		if err := ops.Put(u64Key(seq), payload); err != nil {
			return err
		}
		return applied.Put(opKey, u64Key(seq))
	})
	if err != nil {
		return fmt.Errorf("bolt: durable tier: apply %s %s: %w", op.Kind, op.MatchID, err)
	}
	return nil
}

// Operations returns every recorded operation for matchID in apply order.
func (t *DurableTier) Operations(ctx context.Context, matchID string) ([]domain.Operation, error) {
	var out []domain.Operation
	err := t.db.View(func(tx *bolt.Tx) error {
		match := tx.Bucket([]byte(tierBucket)).Bucket([]byte(matchID))
		if match == nil {
			return nil
		}
		ops := match.Bucket([]byte("ops"))
		if ops == nil {
			return nil
		}
		return ops.ForEach(func(_, v []byte) error {
			var op domain.Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}
			out = append(out, op)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: durable tier: list %s: %w", matchID, err)
	}
	return out, nil
}

var _ domain.ExecutionTier = (*DurableTier)(nil)
