package domain

import (
	"context"
	"time"
)

// TierName identifies an execution tier.
type TierName string

const (
	TierFast    TierName = "fast"
	TierDurable TierName = "durable"
)

// OpKind is the type of operation routed through the execution tiers.
type OpKind string

const (
	OpMoveCommitment OpKind = "move_commitment"
	OpReveal         OpKind = "reveal"
	OpSettlement     OpKind = "settlement"
)

// FundMoving reports whether the operation moves funds and therefore must
// land on the durable tier.
func (k OpKind) FundMoving() bool {
	return k == OpSettlement
}

// Operation is one unit of match state applied to a tier.
type Operation struct {
	Kind          OpKind      `json:"kind"`
	MatchID       string      `json:"match_id"`
	Round         int         `json:"round,omitempty"`
	Seat          Seat        `json:"seat,omitempty"`
	ParticipantID string      `json:"participant_id,omitempty"`
	Commitment    Commitment  `json:"commitment,omitempty"`
	Move          Move        `json:"move,omitempty"`
	Nonce         uint64      `json:"nonce,omitempty"`
	Settlement    *Settlement `json:"settlement,omitempty"`
	At            time.Time   `json:"at"`
}

// ExecutionTier is a backend that can apply match operations.
type ExecutionTier interface {
	Name() TierName
	ApplyMoveCommitment(ctx context.Context, op Operation) error
	ApplyReveal(ctx context.Context, op Operation) error
	ApplySettlement(ctx context.Context, op Operation) error
	HealthCheck(ctx context.Context) error
}

// TierJournal is implemented by tiers whose state must later be committed to
// the durable tier.
type TierJournal interface {
	Operations(ctx context.Context, matchID string) ([]Operation, error)
	Discard(ctx context.Context, matchID string) error
}

// TierHealth is the most recent probe result for a tier.
type TierHealth struct {
	Tier        TierName      `json:"tier"`
	Healthy     bool          `json:"healthy"`
	Latency     time.Duration `json:"latency"`
	LastChecked time.Time     `json:"last_checked"`
	LastError   string        `json:"last_error,omitempty"`
}

// TierResult reports where an operation was applied.
type TierResult struct {
	Tier     TierName      `json:"tier"`
	Latency  time.Duration `json:"latency"`
	Fallback bool          `json:"fallback"`
}
