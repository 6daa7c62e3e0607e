package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

type balanceKey struct {
	participant string
	currency    domain.Currency
}

// MemoryStore implements domain.EscrowStore in process memory. Every method
// runs under one mutex, which gives Lock and Complete the same atomicity as
// the Postgres transactions.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]*domain.EscrowRecord
	balances map[balanceKey]decimal.Decimal
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*domain.EscrowRecord),
		balances: make(map[balanceKey]decimal.Decimal),
	}
}

func (s *MemoryStore) Get(ctx context.Context, matchID string) (domain.EscrowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[matchID]
	if !ok {
		return domain.EscrowRecord{}, fmt.Errorf("memory: escrow %s: %w", matchID, domain.ErrNotFound)
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) EnsureAccount(ctx context.Context, participantID string, currency domain.Currency, opening decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := balanceKey{participantID, currency}
	if _, ok := s.balances[k]; !ok {
		s.balances[k] = opening
	}
	return nil
}

func (s *MemoryStore) Balance(ctx context.Context, participantID string, currency domain.Currency) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal, ok := s.balances[balanceKey{participantID, currency}]
	if !ok {
		return decimal.Zero, fmt.Errorf("memory: balance %s/%s: %w", participantID, currency, domain.ErrNotFound)
	}
	return bal, nil
}

func (s *MemoryStore) Credit(ctx context.Context, participantID string, currency domain.Currency, amount decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := balanceKey{participantID, currency}
	s.balances[k] = s.balances[k].Add(amount)
	return s.balances[k], nil
}

func (s *MemoryStore) Lock(ctx context.Context, matchID string, currency domain.Currency, participantID string, amount decimal.Decimal) (domain.EscrowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[matchID]
	if exists {
		if rec.Locked(participantID) {
			return domain.EscrowRecord{}, domain.ErrAlreadyLocked
		}
		if rec.Currency != currency {
			return domain.EscrowRecord{}, fmt.Errorf("memory: escrow %s is %s: %w", matchID, rec.Currency, domain.ErrValidation)
		}
	}

	k := balanceKey{participantID, currency}
	bal := s.balances[k]
	if bal.LessThan(amount) {
		return domain.EscrowRecord{}, domain.ErrInsufficientFunds
	}

	now := time.Now().UTC()
	if !exists {
		rec = &domain.EscrowRecord{
			MatchID:   matchID,
			Currency:  currency,
			Status:    domain.EscrowUnsettled,
			CreatedAt: now,
		}
		s.records[matchID] = rec
	} else if rec.Status != domain.EscrowUnsettled {
		return domain.EscrowRecord{}, fmt.Errorf("memory: escrow %s is %s: %w", matchID, rec.Status, domain.ErrConflict)
	}

	s.balances[k] = bal.Sub(amount)
	rec.Locks = append(rec.Locks, domain.StakeLock{ParticipantID: participantID, Amount: amount, LockedAt: now})
	return cloneRecord(rec), nil
}

func (s *MemoryStore) MarkSettling(ctx context.Context, matchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[matchID]
	if !ok {
		return fmt.Errorf("memory: escrow %s: %w", matchID, domain.ErrNotFound)
	}
	if rec.Status.Terminal() {
		return fmt.Errorf("memory: escrow %s is %s: %w", matchID, rec.Status, domain.ErrConflict)
	}
	rec.Status = domain.EscrowSettling
	return nil
}

// Complete applies credits and moves the record to the settlement's terminal
// status. A record that is already terminal is returned unchanged with
// domain.ErrConflict.
func (s *MemoryStore) Complete(ctx context.Context, st domain.Settlement, credits []domain.Credit) (domain.EscrowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[st.MatchID]
	if !ok {
		return domain.EscrowRecord{}, fmt.Errorf("memory: escrow %s: %w", st.MatchID, domain.ErrNotFound)
	}
	if rec.Status.Terminal() {
		return cloneRecord(rec), domain.ErrConflict
	}

	for _, c := range credits {
		k := balanceKey{c.ParticipantID, rec.Currency}
		s.balances[k] = s.balances[k].Add(c.Amount)
	}

	settledAt := st.SettledAt
	rec.Status = st.Status
	rec.Winner = st.Winner
	rec.Fee = st.Fee
	rec.Payout = st.Payout
	rec.SettledAt = &settledAt
	return cloneRecord(rec), nil
}

func cloneRecord(r *domain.EscrowRecord) domain.EscrowRecord {
	out := *r
	out.Locks = append([]domain.StakeLock(nil), r.Locks...)
	if r.SettledAt != nil {
		t := *r.SettledAt
		out.SettledAt = &t
	}
	return out
}

var _ domain.EscrowStore = (*MemoryStore)(nil)
