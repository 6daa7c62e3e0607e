// Package ledger is the sole path that moves escrowed funds. It locks stakes
// at match creation and join, and releases them exactly once as either a
// winner payout or a refund.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

// Config holds ledger tunables.
type Config struct {
	Fees            map[domain.Currency]FeeSchedule
	OpeningBalances map[domain.Currency]decimal.Decimal
	LockTTL         time.Duration
	LockPoll        time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Fees: DefaultSchedules(),
		OpeningBalances: map[domain.Currency]decimal.Decimal{
			domain.CurrencyPoints: decimal.New(1000, 0),
			domain.CurrencySOL:    decimal.Zero,
		},
		LockTTL:  10 * time.Second,
		LockPoll: 20 * time.Millisecond,
	}
}

// Ledger serialises every mutation of a match's escrow behind the
// escrow:<matchID> lock.
type Ledger struct {
	store  domain.EscrowStore
	locks  domain.LockManager
	audit  domain.AuditStore
	cfg    Config
	logger *slog.Logger
}

// New creates a Ledger. audit may be nil.
func New(store domain.EscrowStore, locks domain.LockManager, audit domain.AuditStore, cfg Config, logger *slog.Logger) *Ledger {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Second
	}
	if cfg.LockPoll <= 0 {
		cfg.LockPoll = 20 * time.Millisecond
	}
	if cfg.Fees == nil {
		cfg.Fees = DefaultSchedules()
	}
	return &Ledger{
		store:  store,
		locks:  locks,
		audit:  audit,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "ledger")),
	}
}

// LockStake reserves amount from participantID's balance for matchID.
func (l *Ledger) LockStake(ctx context.Context, matchID, participantID string, currency domain.Currency, amount decimal.Decimal) (domain.EscrowRecord, error) {
	if matchID == "" || participantID == "" {
		return domain.EscrowRecord{}, fmt.Errorf("ledger: lock stake: empty id: %w", domain.ErrValidation)
	}
	if !currency.Valid() {
		return domain.EscrowRecord{}, fmt.Errorf("ledger: lock stake: currency %q: %w", currency, domain.ErrValidation)
	}
	if amount.IsNegative() {
		return domain.EscrowRecord{}, fmt.Errorf("ledger: lock stake: negative amount %s: %w", amount, domain.ErrValidation)
	}
	if !amount.Equal(amount.Truncate(currency.Scale())) {
		return domain.EscrowRecord{}, fmt.Errorf("ledger: lock stake: %s exceeds %s precision: %w", amount, currency, domain.ErrValidation)
	}

	var rec domain.EscrowRecord
	err := l.withMatchLock(ctx, matchID, func() error {
		if err := l.store.EnsureAccount(ctx, participantID, currency, l.opening(currency)); err != nil {
			return err
		}
		var err error
		rec, err = l.store.Lock(ctx, matchID, currency, participantID, amount)
		return err
	})
	if err != nil {
		return domain.EscrowRecord{}, fmt.Errorf("ledger: lock stake %s/%s: %w", matchID, participantID, err)
	}

	l.logger.InfoContext(ctx, "stake locked",
		slog.String("match_id", matchID),
		slog.String("participant", participantID),
		slog.String("currency", string(currency)),
		slog.String("amount", amount.String()),
	)
	l.record(ctx, "escrow.lock", map[string]any{
		"match_id":    matchID,
		"participant": participantID,
		"currency":    string(currency),
		"amount":      amount.String(),
	})
	return rec, nil
}

// Settle releases the match's escrow according to outcome. A repeated call
// returns the original settlement and moves no funds.
func (l *Ledger) Settle(ctx context.Context, matchID string, outcome domain.Outcome) (domain.Settlement, error) {
	switch outcome.Kind {
	case domain.OutcomeRefund:
		return l.Refund(ctx, matchID)
	case domain.OutcomeWinnerPayout:
	default:
		return domain.Settlement{}, fmt.Errorf("ledger: settle %s: outcome %q: %w", matchID, outcome.Kind, domain.ErrValidation)
	}

	var out domain.Settlement
	err := l.withMatchLock(ctx, matchID, func() error {
		rec, err := l.store.Get(ctx, matchID)
		if err != nil {
			return err
		}
		if rec.Status.Terminal() {
			out = rec.Settlement()
			if rec.Status != domain.EscrowSettled || rec.Winner != outcome.Winner {
				l.logger.WarnContext(ctx, "settle after different outcome",
					slog.String("match_id", matchID),
					slog.String("status", string(rec.Status)),
					slog.String("winner", rec.Winner),
				)
			}
			return nil
		}
		if len(rec.Locks) != 2 {
			return fmt.Errorf("payout needs two locked seats, have %d: %w", len(rec.Locks), domain.ErrValidation)
		}
		if !rec.Locked(outcome.Winner) {
			return fmt.Errorf("winner %q holds no stake: %w", outcome.Winner, domain.ErrValidation)
		}
		if !rec.Locks[0].Amount.Equal(rec.Locks[1].Amount) {
			return fmt.Errorf("unequal stakes %s/%s: %w", rec.Locks[0].Amount, rec.Locks[1].Amount, domain.ErrFatal)
		}

		stake := rec.Locks[0].Amount
		pot := rec.Pot()
		fee := l.fees(rec.Currency).Fee(pot, stake, rec.Currency.Scale())
		payout := pot.Sub(fee)

		if err := l.store.MarkSettling(ctx, matchID); err != nil {
			return err
		}
		st := domain.Settlement{
			MatchID:   matchID,
			Currency:  rec.Currency,
			Status:    domain.EscrowSettled,
			Winner:    outcome.Winner,
			Pot:       pot,
			Fee:       fee,
			Payout:    payout,
			SettledAt: time.Now().UTC(),
		}
		done, err := l.store.Complete(ctx, st, []domain.Credit{{ParticipantID: outcome.Winner, Amount: payout}})
		if err != nil && !errors.Is(err, domain.ErrConflict) {
			return err
		}
		out = done.Settlement()
		return nil
	})
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("ledger: settle %s: %w", matchID, err)
	}

	l.logger.InfoContext(ctx, "escrow settled",
		slog.String("match_id", matchID),
		slog.String("winner", out.Winner),
		slog.String("pot", out.Pot.String()),
		slog.String("fee", out.Fee.String()),
		slog.String("payout", out.Payout.String()),
	)
	l.record(ctx, "escrow.settle", map[string]any{
		"match_id": matchID,
		"status":   string(out.Status),
		"winner":   out.Winner,
		"pot":      out.Pot.String(),
		"fee":      out.Fee.String(),
		"payout":   out.Payout.String(),
	})
	return out, nil
}

// Refund returns every lock on matchID to its owner with no fee.
func (l *Ledger) Refund(ctx context.Context, matchID string) (domain.Settlement, error) {
	var out domain.Settlement
	err := l.withMatchLock(ctx, matchID, func() error {
		rec, err := l.store.Get(ctx, matchID)
		if err != nil {
			return err
		}
		if rec.Status.Terminal() {
			out = rec.Settlement()
			return nil
		}

		if err := l.store.MarkSettling(ctx, matchID); err != nil {
			return err
		}
		credits := make([]domain.Credit, 0, len(rec.Locks))
		for _, lk := range rec.Locks {
			credits = append(credits, domain.Credit{ParticipantID: lk.ParticipantID, Amount: lk.Amount})
		}
		st := domain.Settlement{
			MatchID:   matchID,
			Currency:  rec.Currency,
			Status:    domain.EscrowRefunded,
			Pot:       rec.Pot(),
			Fee:       decimal.Zero,
			Payout:    decimal.Zero,
			SettledAt: time.Now().UTC(),
		}
		done, err := l.store.Complete(ctx, st, credits)
		if err != nil && !errors.Is(err, domain.ErrConflict) {
			return err
		}
		out = done.Settlement()
		return nil
	})
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("ledger: refund %s: %w", matchID, err)
	}

	l.logger.InfoContext(ctx, "escrow refunded",
		slog.String("match_id", matchID),
		slog.String("status", string(out.Status)),
		slog.String("pot", out.Pot.String()),
	)
	l.record(ctx, "escrow.refund", map[string]any{
		"match_id": matchID,
		"status":   string(out.Status),
		"pot":      out.Pot.String(),
	})
	return out, nil
}

// Get returns the escrow record for matchID.
func (l *Ledger) Get(ctx context.Context, matchID string) (domain.EscrowRecord, error) {
	rec, err := l.store.Get(ctx, matchID)
	if err != nil {
		return domain.EscrowRecord{}, fmt.Errorf("ledger: get %s: %w", matchID, err)
	}
	return rec, nil
}

// Credit deposits amount into participantID's balance and returns the new
// balance.
func (l *Ledger) Credit(ctx context.Context, participantID string, currency domain.Currency, amount decimal.Decimal) (decimal.Decimal, error) {
	if participantID == "" || !currency.Valid() {
		return decimal.Zero, fmt.Errorf("ledger: credit: bad account %q/%q: %w", participantID, currency, domain.ErrValidation)
	}
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("ledger: credit: amount %s: %w", amount, domain.ErrValidation)
	}
	if err := l.store.EnsureAccount(ctx, participantID, currency, l.opening(currency)); err != nil {
		return decimal.Zero, fmt.Errorf("ledger: credit %s: %w", participantID, err)
	}
	bal, err := l.store.Credit(ctx, participantID, currency, amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: credit %s: %w", participantID, err)
	}

	l.record(ctx, "balance.credit", map[string]any{
		"participant": participantID,
		"currency":    string(currency),
		"amount":      amount.String(),
		"balance":     bal.String(),
	})
	return bal, nil
}

// Balance returns participantID's available balance, opening the account
// with the configured starting balance on first use.
func (l *Ledger) Balance(ctx context.Context, participantID string, currency domain.Currency) (decimal.Decimal, error) {
	if !currency.Valid() {
		return decimal.Zero, fmt.Errorf("ledger: balance: currency %q: %w", currency, domain.ErrValidation)
	}
	if err := l.store.EnsureAccount(ctx, participantID, currency, l.opening(currency)); err != nil {
		return decimal.Zero, fmt.Errorf("ledger: balance %s: %w", participantID, err)
	}
	bal, err := l.store.Balance(ctx, participantID, currency)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: balance %s: %w", participantID, err)
	}
	return bal, nil
}

// Quote returns the fee and payout a winner would receive for a match at
// stake per player.
func (l *Ledger) Quote(currency domain.Currency, stake decimal.Decimal) (fee, payout decimal.Decimal) {
	pot := stake.Mul(decimal.New(2, 0))
	fee = l.fees(currency).Fee(pot, stake, currency.Scale())
	return fee, pot.Sub(fee)
}

func (l *Ledger) fees(c domain.Currency) FeeSchedule {
	if s, ok := l.cfg.Fees[c]; ok {
		return s
	}
	return FeeSchedule{Default: decimal.Zero}
}

func (l *Ledger) opening(c domain.Currency) decimal.Decimal {
	if v, ok := l.cfg.OpeningBalances[c]; ok {
		return v
	}
	return decimal.Zero
}

// withMatchLock runs fn while holding escrow:<matchID>. A held lock is
// polled until ctx expires.
func (l *Ledger) withMatchLock(ctx context.Context, matchID string, fn func() error) error {
	key := "escrow:" + matchID
	for {
		if ctx.Err() != nil {
			return fmt.Errorf("lock %s: %w", key, domain.ErrTimeout)
		}
		unlock, err := l.locks.Acquire(ctx, key, l.cfg.LockTTL)
		if err == nil {
			defer unlock()
			return fn()
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return err
		}

		timer := time.NewTimer(l.cfg.LockPoll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("lock %s: %w", key, domain.ErrTimeout)
		case <-timer.C:
		}
	}
}

func (l *Ledger) record(ctx context.Context, event string, detail map[string]any) {
	if l.audit == nil {
		return
	}
	if err := l.audit.Log(ctx, event, detail); err != nil {
		l.logger.WarnContext(ctx, "audit write failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
