package session

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

// Ledger locks and releases stakes. *ledger.Ledger satisfies it.
type Ledger interface {
	LockStake(ctx context.Context, matchID, participantID string, currency domain.Currency, amount decimal.Decimal) (domain.EscrowRecord, error)
	Settle(ctx context.Context, matchID string, outcome domain.Outcome) (domain.Settlement, error)
	Refund(ctx context.Context, matchID string) (domain.Settlement, error)
}

// Router applies match operations to an execution tier. *tier.Router
// satisfies it.
type Router interface {
	Execute(ctx context.Context, op domain.Operation, preferFast bool) (domain.TierResult, error)
	Commit(ctx context.Context, matchID string) error
}

// EventSink delivers events to participants.
type EventSink interface {
	Emit(ctx context.Context, evt domain.Event) error
}

// FactSink records the single match_finished fact for a match.
type FactSink interface {
	AppendFinished(ctx context.Context, fact domain.MatchFinished) error
}

// ReceiptSigner signs a durable settlement.
type ReceiptSigner interface {
	SignSettlement(s domain.Settlement) (string, error)
}

// Alerter forwards operator notifications. *notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Deps bundles the Manager's collaborators. Facts, Hints, Signer and Alerts
// are optional.
type Deps struct {
	Ledger Ledger
	Router Router
	Events EventSink
	Facts  FactSink
	Hints  domain.SessionHints
	Signer ReceiptSigner
	Alerts Alerter
}
