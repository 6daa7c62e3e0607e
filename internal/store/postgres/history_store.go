package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

// HistoryStore implements domain.HistoryStore over the game_history table.
type HistoryStore struct {
	pool *pgxpool.Pool
}

// NewHistoryStore creates a HistoryStore on pool.
func NewHistoryStore(pool *pgxpool.Pool) *HistoryStore {
	return &HistoryStore{pool: pool}
}

// Record inserts fact and reports whether a new row was written.
func (s *HistoryStore) Record(ctx context.Context, f domain.MatchFinished) (bool, error) {
	var startedAt *time.Time
	if !f.StartedAt.IsZero() {
		startedAt = &f.StartedAt
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO game_history (
			match_id, player1, player2, winner, currency,
			amount_bet, pot, platform_fee, winner_payout,
			status, reason, rounds, started_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6::numeric, $7::numeric, $8::numeric, $9::numeric,
			$10, $11, $12, $13, $14
		)
		ON CONFLICT (match_id) DO NOTHING`,
		f.MatchID, f.Player1, f.Player2, f.Winner, string(f.Currency),
		f.Stake.String(), f.Pot.String(), f.Fee.String(), f.Payout.String(),
		string(f.Status), string(f.Reason), f.Rounds, startedAt, f.CompletedAt,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: record history %s: %w", f.MatchID, err)
	}
	return tag.RowsAffected() == 1, nil
}

const historySelectCols = `match_id, player1, player2, winner, currency,
	amount_bet::text, pot::text, platform_fee::text, winner_payout::text,
	status, reason, rounds, started_at, completed_at`

// Get returns the row for matchID.
func (s *HistoryStore) Get(ctx context.Context, matchID string) (domain.MatchFinished, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+historySelectCols+` FROM game_history WHERE match_id = $1`, matchID)
	f, err := scanHistory(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return f, fmt.Errorf("postgres: history %s: %w", matchID, domain.ErrNotFound)
		}
		return f, fmt.Errorf("postgres: get history %s: %w", matchID, err)
	}
	return f, nil
}

// ListByParticipant returns the participant's matches, newest first.
func (s *HistoryStore) ListByParticipant(ctx context.Context, participantID string, opts domain.ListOpts) ([]domain.MatchFinished, error) {
	query, args := withListOpts(
		`SELECT `+historySelectCols+` FROM game_history WHERE (player1 = $1 OR player2 = $1)`,
		[]any{participantID}, "completed_at", opts,
	)
	return s.list(ctx, query, args...)
}

// ListBefore returns rows completed before the cutoff, oldest first.
func (s *HistoryStore) ListBefore(ctx context.Context, before time.Time) ([]domain.MatchFinished, error) {
	return s.list(ctx,
		`SELECT `+historySelectCols+` FROM game_history WHERE completed_at < $1 ORDER BY completed_at`,
		before,
	)
}

func (s *HistoryStore) list(ctx context.Context, query string, args ...any) ([]domain.MatchFinished, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list history: %w", err)
	}
	defer rows.Close()

	var out []domain.MatchFinished
	for rows.Next() {
		f, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan history: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list history rows: %w", err)
	}
	return out, nil
}

func scanHistory(scanner interface{ Scan(dest ...any) error }) (domain.MatchFinished, error) {
	var f domain.MatchFinished
	var currency, status, reason string
	var stake, pot, fee, payout string
	var startedAt *time.Time

	err := scanner.Scan(
		&f.MatchID, &f.Player1, &f.Player2, &f.Winner, &currency,
		&stake, &pot, &fee, &payout,
		&status, &reason, &f.Rounds, &startedAt, &f.CompletedAt,
	)
	if err != nil {
		return f, err
	}

	f.Currency = domain.Currency(currency)
	f.Status = domain.GameStatus(status)
	f.Reason = domain.FinishReason(reason)
	if startedAt != nil {
		f.StartedAt = *startedAt
	}
	for _, a := range []struct {
		dst *decimal.Decimal
		raw string
	}{{&f.Stake, stake}, {&f.Pot, pot}, {&f.Fee, fee}, {&f.Payout, payout}} {
		if *a.dst, err = parseAmount(a.raw); err != nil {
			return f, err
		}
	}
	return f, nil
}

var _ domain.HistoryStore = (*HistoryStore)(nil)
