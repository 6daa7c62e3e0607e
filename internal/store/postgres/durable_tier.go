package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

// DurableTier is the execution tier of record. Each operation is one row
// keyed by (match, kind, round, seat), so replays from the fast tier are
// no-ops.
type DurableTier struct {
	pool *pgxpool.Pool
}

// NewDurableTier creates a DurableTier on pool.
func NewDurableTier(pool *pgxpool.Pool) *DurableTier {
	return &DurableTier{pool: pool}
}

// Name returns domain.TierDurable.
func (t *DurableTier) Name() domain.TierName { return domain.TierDurable }

// ApplyMoveCommitment records a sealed move.
func (t *DurableTier) ApplyMoveCommitment(ctx context.Context, op domain.Operation) error {
	if op.Commitment.IsZero() {
		return fmt.Errorf("postgres: durable tier: empty commitment: %w", domain.ErrValidation)
	}
	return t.insert(ctx, op)
}

// ApplyReveal records a revealed move.
func (t *DurableTier) ApplyReveal(ctx context.Context, op domain.Operation) error {
	return t.insert(ctx, op)
}

// ApplySettlement records the settlement of a match.
func (t *DurableTier) ApplySettlement(ctx context.Context, op domain.Operation) error {
	if op.Settlement == nil {
		return fmt.Errorf("postgres: durable tier: settlement missing: %w", domain.ErrValidation)
	}
	return t.insert(ctx, op)
}

// HealthCheck pings the database.
func (t *DurableTier) HealthCheck(ctx context.Context) error {
	return t.pool.Ping(ctx)
}

func (t *DurableTier) insert(ctx context.Context, op domain.Operation) error {
	payload, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("postgres: durable tier: encode %s: %w", op.Kind, err)
	}
	_, err = t.pool.Exec(ctx, `
		INSERT INTO tier_operations (match_id, kind, round, seat, payload, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (match_id, kind, round, seat) DO NOTHING`,
		op.MatchID, string(op.Kind), op.Round, int(op.Seat), payload, op.At,
	)
	if err != nil {
		return fmt.Errorf("postgres: durable tier: apply %s %s: %w", op.Kind, op.MatchID, err)
	}
	return nil
}

// Operations returns every recorded operation for matchID in apply order.
func (t *DurableTier) Operations(ctx context.Context, matchID string) ([]domain.Operation, error) {
	rows, err := t.pool.Query(ctx, `
		SELECT payload FROM tier_operations
		WHERE match_id = $1 ORDER BY applied_at, round, seat`,
		matchID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: durable tier: list %s: %w", matchID, err)
	}
	defer rows.Close()

	var ops []domain.Operation
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("postgres: durable tier: scan: %w", err)
		}
		var op domain.Operation
		if err := json.Unmarshal(payload, &op); err != nil {
			return nil, fmt.Errorf("postgres: durable tier: decode: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: durable tier: rows: %w", err)
	}
	return ops, nil
}

var _ domain.ExecutionTier = (*DurableTier)(nil)
