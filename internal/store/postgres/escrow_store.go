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

// EscrowStore implements domain.EscrowStore. Amounts are NUMERIC columns
// read back as text so no precision is lost. Lock and Complete each run in
// one transaction with the escrow row locked FOR UPDATE.
type EscrowStore struct {
	pool *pgxpool.Pool
}

// NewEscrowStore creates an EscrowStore on pool.
func NewEscrowStore(pool *pgxpool.Pool) *EscrowStore {
	return &EscrowStore{pool: pool}
}

// Get loads the record for matchID.
func (s *EscrowStore) Get(ctx context.Context, matchID string) (domain.EscrowRecord, error) {
	return loadRecord(ctx, s.pool, matchID, false)
}

// EnsureAccount creates the balance row with opening funds if it is missing.
func (s *EscrowStore) EnsureAccount(ctx context.Context, participantID string, currency domain.Currency, opening decimal.Decimal) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO balances (participant_id, currency, amount)
		VALUES ($1, $2, $3::numeric)
		ON CONFLICT (participant_id, currency) DO NOTHING`,
		participantID, string(currency), opening.String(),
	)
	if err != nil {
		return fmt.Errorf("postgres: ensure account %s/%s: %w", participantID, currency, err)
	}
	return nil
}

// Balance returns the available balance.
func (s *EscrowStore) Balance(ctx context.Context, participantID string, currency domain.Currency) (decimal.Decimal, error) {
	var raw string
	err := s.pool.QueryRow(ctx,
		`SELECT amount::text FROM balances WHERE participant_id = $1 AND currency = $2`,
		participantID, string(currency),
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, fmt.Errorf("postgres: balance %s/%s: %w", participantID, currency, domain.ErrNotFound)
		}
		return decimal.Zero, fmt.Errorf("postgres: balance %s/%s: %w", participantID, currency, err)
	}
	return parseAmount(raw)
}

// Credit adds amount to the balance, creating the row if needed.
func (s *EscrowStore) Credit(ctx context.Context, participantID string, currency domain.Currency, amount decimal.Decimal) (decimal.Decimal, error) {
	var raw string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO balances (participant_id, currency, amount)
		VALUES ($1, $2, $3::numeric)
		ON CONFLICT (participant_id, currency)
		DO UPDATE SET amount = balances.amount + EXCLUDED.amount, updated_at = NOW()
		RETURNING amount::text`,
		participantID, string(currency), amount.String(),
	).Scan(&raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: credit %s/%s: %w", participantID, currency, err)
	}
	return parseAmount(raw)
}

// Lock debits participantID and appends the stake to the match's record,
// creating the record on first lock.
func (s *EscrowStore) Lock(ctx context.Context, matchID string, currency domain.Currency, participantID string, amount decimal.Decimal) (domain.EscrowRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.EscrowRecord{}, fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var recCurrency, recStatus string
	err = tx.QueryRow(ctx,
		`SELECT currency, status FROM escrow_records WHERE match_id = $1 FOR UPDATE`, matchID,
	).Scan(&recCurrency, &recStatus)
	exists := err == nil
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return domain.EscrowRecord{}, fmt.Errorf("postgres: lock escrow %s: %w", matchID, err)
	}

	if exists {
		var locked bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM escrow_locks WHERE match_id = $1 AND participant_id = $2)`,
			matchID, participantID,
		).Scan(&locked)
		if err != nil {
			return domain.EscrowRecord{}, fmt.Errorf("postgres: check lock %s: %w", matchID, err)
		}
		if locked {
			return domain.EscrowRecord{}, domain.ErrAlreadyLocked
		}
		if domain.Currency(recCurrency) != currency {
			return domain.EscrowRecord{}, fmt.Errorf("postgres: escrow %s is %s: %w", matchID, recCurrency, domain.ErrValidation)
		}
	}

	balance := decimal.Zero
	var raw string
	err = tx.QueryRow(ctx,
		`SELECT amount::text FROM balances WHERE participant_id = $1 AND currency = $2 FOR UPDATE`,
		participantID, string(currency),
	).Scan(&raw)
	switch {
	case err == nil:
		if balance, err = parseAmount(raw); err != nil {
			return domain.EscrowRecord{}, err
		}
	case !errors.Is(err, pgx.ErrNoRows):
		return domain.EscrowRecord{}, fmt.Errorf("postgres: read balance %s: %w", participantID, err)
	}
	if balance.LessThan(amount) {
		return domain.EscrowRecord{}, domain.ErrInsufficientFunds
	}

	now := time.Now().UTC()
	if !exists {
		_, err = tx.Exec(ctx, `
			INSERT INTO escrow_records (match_id, currency, status, created_at)
			VALUES ($1, $2, $3, $4)`,
			matchID, string(currency), string(domain.EscrowUnsettled), now,
		)
		if err != nil {
			return domain.EscrowRecord{}, fmt.Errorf("postgres: create escrow %s: %w", matchID, err)
		}
	} else if domain.EscrowStatus(recStatus) != domain.EscrowUnsettled {
		return domain.EscrowRecord{}, fmt.Errorf("postgres: escrow %s is %s: %w", matchID, recStatus, domain.ErrConflict)
	}

	_, err = tx.Exec(ctx, `
		UPDATE balances SET amount = amount - $3::numeric, updated_at = NOW()
		WHERE participant_id = $1 AND currency = $2`,
		participantID, string(currency), amount.String(),
	)
	if err != nil {
		return domain.EscrowRecord{}, fmt.Errorf("postgres: debit %s: %w", participantID, err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO escrow_locks (match_id, participant_id, amount, locked_at)
		VALUES ($1, $2, $3::numeric, $4)`,
		matchID, participantID, amount.String(), now,
	)
	if err != nil {
		return domain.EscrowRecord{}, fmt.Errorf("postgres: insert lock %s: %w", matchID, err)
	}

	rec, err := loadRecord(ctx, tx, matchID, false)
	if err != nil {
		return domain.EscrowRecord{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.EscrowRecord{}, fmt.Errorf("postgres: commit lock %s: %w", matchID, err)
	}
	return rec, nil
}

// MarkSettling flags a non-terminal record as settling.
func (s *EscrowStore) MarkSettling(ctx context.Context, matchID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE escrow_records SET status = $2
		WHERE match_id = $1 AND status NOT IN ($3, $4)`,
		matchID, string(domain.EscrowSettling),
		string(domain.EscrowSettled), string(domain.EscrowRefunded),
	)
	if err != nil {
		return fmt.Errorf("postgres: mark settling %s: %w", matchID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.Get(ctx, matchID); err != nil {
		return err
	}
	return fmt.Errorf("postgres: escrow %s is terminal: %w", matchID, domain.ErrConflict)
}

// Complete applies credits and records the terminal outcome. A record that
// is already terminal is returned unchanged with domain.ErrConflict.
func (s *EscrowStore) Complete(ctx context.Context, st domain.Settlement, credits []domain.Credit) (domain.EscrowRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.EscrowRecord{}, fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rec, err := loadRecord(ctx, tx, st.MatchID, true)
	if err != nil {
		return domain.EscrowRecord{}, err
	}
	if rec.Status.Terminal() {
		return rec, domain.ErrConflict
	}

	for _, c := range credits {
		_, err = tx.Exec(ctx, `
			INSERT INTO balances (participant_id, currency, amount)
			VALUES ($1, $2, $3::numeric)
			ON CONFLICT (participant_id, currency)
			DO UPDATE SET amount = balances.amount + EXCLUDED.amount, updated_at = NOW()`,
			c.ParticipantID, string(rec.Currency), c.Amount.String(),
		)
		if err != nil {
			return domain.EscrowRecord{}, fmt.Errorf("postgres: credit %s: %w", c.ParticipantID, err)
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE escrow_records
		SET status = $2, winner = $3, fee = $4::numeric, payout = $5::numeric, settled_at = $6
		WHERE match_id = $1`,
		st.MatchID, string(st.Status), st.Winner, st.Fee.String(), st.Payout.String(), st.SettledAt,
	)
	if err != nil {
		return domain.EscrowRecord{}, fmt.Errorf("postgres: complete escrow %s: %w", st.MatchID, err)
	}

	rec, err = loadRecord(ctx, tx, st.MatchID, false)
	if err != nil {
		return domain.EscrowRecord{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.EscrowRecord{}, fmt.Errorf("postgres: commit escrow %s: %w", st.MatchID, err)
	}
	return rec, nil
}

// loadRecord reads a record and its locks. forUpdate row-locks the record
// for the rest of the enclosing transaction.
func loadRecord(ctx context.Context, q querier, matchID string, forUpdate bool) (domain.EscrowRecord, error) {
	query := `
		SELECT match_id, currency, status, winner, fee::text, payout::text, created_at, settled_at
		FROM escrow_records WHERE match_id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var rec domain.EscrowRecord
	var currency, status, fee, payout string
	err := q.QueryRow(ctx, query, matchID).Scan(
		&rec.MatchID, &currency, &status, &rec.Winner, &fee, &payout, &rec.CreatedAt, &rec.SettledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rec, fmt.Errorf("postgres: escrow %s: %w", matchID, domain.ErrNotFound)
		}
		return rec, fmt.Errorf("postgres: get escrow %s: %w", matchID, err)
	}
	rec.Currency = domain.Currency(currency)
	rec.Status = domain.EscrowStatus(status)
	if rec.Fee, err = parseAmount(fee); err != nil {
		return rec, err
	}
	if rec.Payout, err = parseAmount(payout); err != nil {
		return rec, err
	}

	rows, err := q.Query(ctx, `
		SELECT participant_id, amount::text, locked_at
		FROM escrow_locks WHERE match_id = $1 ORDER BY locked_at, participant_id`,
		matchID,
	)
	if err != nil {
		return rec, fmt.Errorf("postgres: get escrow locks %s: %w", matchID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var l domain.StakeLock
		var amount string
		if err := rows.Scan(&l.ParticipantID, &amount, &l.LockedAt); err != nil {
			return rec, fmt.Errorf("postgres: scan escrow lock: %w", err)
		}
		if l.Amount, err = parseAmount(amount); err != nil {
			return rec, err
		}
		rec.Locks = append(rec.Locks, l)
	}
	if err := rows.Err(); err != nil {
		return rec, fmt.Errorf("postgres: escrow locks rows: %w", err)
	}
	return rec, nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: parse amount %q: %w", raw, err)
	}
	return d, nil
}

var _ domain.EscrowStore = (*EscrowStore)(nil)
