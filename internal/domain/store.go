package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// EscrowStore persists escrow records and participant balances. Lock and
// Complete are atomic: balances and the record change together or not at all.
type EscrowStore interface {
	Get(ctx context.Context, matchID string) (EscrowRecord, error)
	EnsureAccount(ctx context.Context, participantID string, currency Currency, opening decimal.Decimal) error
	Balance(ctx context.Context, participantID string, currency Currency) (decimal.Decimal, error)
	Credit(ctx context.Context, participantID string, currency Currency, amount decimal.Decimal) (decimal.Decimal, error)
	Lock(ctx context.Context, matchID string, currency Currency, participantID string, amount decimal.Decimal) (EscrowRecord, error)
	MarkSettling(ctx context.Context, matchID string) error
	Complete(ctx context.Context, s Settlement, credits []Credit) (EscrowRecord, error)
}

// HistoryStore persists one row per finished match.
type HistoryStore interface {
	// Record inserts the fact unless a row for the match already exists.
	Record(ctx context.Context, fact MatchFinished) (bool, error)
	Get(ctx context.Context, matchID string) (MatchFinished, error)
	ListByParticipant(ctx context.Context, participantID string, opts ListOpts) ([]MatchFinished, error)
	ListBefore(ctx context.Context, before time.Time) ([]MatchFinished, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
