package tier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

type opKey struct {
	kind  domain.OpKind
	round int
	seat  domain.Seat
}

func keyOf(op domain.Operation) opKey {
	return opKey{kind: op.Kind, round: op.Round, seat: op.Seat}
}

type matchState struct {
	ops     []domain.Operation
	applied map[opKey]struct{}
	expires time.Time
}

// MemoryTier is an in-process execution tier. It journals every applied
// operation per match so that Router.Commit can replay it. Applies are
// idempotent on (kind, round, seat). A match's state is dropped after ttl
// without writes; zero keeps it until Discard.
type MemoryTier struct {
	name domain.TierName
	ttl  time.Duration

	mu      sync.Mutex
	matches map[string]*matchState
	now     func() time.Time
}

// NewMemoryTier creates a MemoryTier reporting name.
func NewMemoryTier(name domain.TierName, ttl time.Duration) *MemoryTier {
	return &MemoryTier{
		name:    name,
		ttl:     ttl,
		matches: make(map[string]*matchState),
		now:     time.Now,
	}
}

func (m *MemoryTier) Name() domain.TierName { return m.name }

func (m *MemoryTier) ApplyMoveCommitment(ctx context.Context, op domain.Operation) error {
	if op.Commitment.IsZero() {
		return fmt.Errorf("memory tier: empty commitment: %w", domain.ErrValidation)
	}
	return m.apply(ctx, op)
}

func (m *MemoryTier) ApplyReveal(ctx context.Context, op domain.Operation) error {
	return m.apply(ctx, op)
}

func (m *MemoryTier) ApplySettlement(ctx context.Context, op domain.Operation) error {
	if op.Settlement == nil {
		return fmt.Errorf("memory tier: settlement missing: %w", domain.ErrValidation)
	}
	return m.apply(ctx, op)
}

func (m *MemoryTier) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryTier) apply(ctx context.Context, op domain.Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	st := m.live(op.MatchID, now)
	if st == nil {
		st = &matchState{applied: make(map[opKey]struct{})}
		m.matches[op.MatchID] = st
	}
	if m.ttl > 0 {
		st.expires = now.Add(m.ttl)
	}
	k := keyOf(op)
	if _, ok := st.applied[k]; ok {
		return nil
	}
	st.applied[k] = struct{}{}
	st.ops = append(st.ops, op)
	return nil
}

// live returns the state for matchID, evicting it when expired.
func (m *MemoryTier) live(matchID string, now time.Time) *matchState {
	st, ok := m.matches[matchID]
	if !ok {
		return nil
	}
	if m.ttl > 0 && now.After(st.expires) {
		delete(m.matches, matchID)
		return nil
	}
	return st
}

// Operations returns the journal for matchID in apply order.
func (m *MemoryTier) Operations(ctx context.Context, matchID string) ([]domain.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.live(matchID, m.now())
	if st == nil {
		return nil, nil
	}
	return append([]domain.Operation(nil), st.ops...), nil
}

// Discard drops all state for matchID.
func (m *MemoryTier) Discard(ctx context.Context, matchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.matches, matchID)
	return nil
}

var (
	_ domain.ExecutionTier = (*MemoryTier)(nil)
	_ domain.TierJournal   = (*MemoryTier)(nil)
)
