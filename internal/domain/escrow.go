package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EscrowStatus tracks settlement of a match's locked stakes.
type EscrowStatus string

const (
	EscrowUnsettled EscrowStatus = "unsettled"
	EscrowSettling  EscrowStatus = "settling"
	EscrowSettled   EscrowStatus = "settled"
	EscrowRefunded  EscrowStatus = "refunded"
)

// Terminal reports whether the record can no longer change.
func (s EscrowStatus) Terminal() bool {
	return s == EscrowSettled || s == EscrowRefunded
}

// OutcomeKind selects how a match's escrow is released. A winner payout and
// a refund are distinct and never substitute for each other.
type OutcomeKind string

const (
	OutcomeWinnerPayout OutcomeKind = "winner_payout"
	OutcomeRefund       OutcomeKind = "refund"
)

// Outcome is the argument to a settlement.
type Outcome struct {
	Kind   OutcomeKind
	Winner string
}

// WinnerPayout pays the pot, less fee, to winner.
func WinnerPayout(winner string) Outcome {
	return Outcome{Kind: OutcomeWinnerPayout, Winner: winner}
}

// Refund returns every lock to its owner.
func Refund() Outcome {
	return Outcome{Kind: OutcomeRefund}
}

// StakeLock is one participant's reserved stake.
type StakeLock struct {
	ParticipantID string          `json:"participant_id"`
	Amount        decimal.Decimal `json:"amount"`
	LockedAt      time.Time       `json:"locked_at"`
}

// EscrowRecord is the ledger's per-match state.
type EscrowRecord struct {
	MatchID   string
	Currency  Currency
	Locks     []StakeLock
	Status    EscrowStatus
	Winner    string
	Fee       decimal.Decimal
	Payout    decimal.Decimal
	CreatedAt time.Time
	SettledAt *time.Time
}

// Pot is the sum of every lock.
func (r EscrowRecord) Pot() decimal.Decimal {
	pot := decimal.Zero
	for _, l := range r.Locks {
		pot = pot.Add(l.Amount)
	}
	return pot
}

// Locked reports whether participantID has a stake in this record.
func (r EscrowRecord) Locked(participantID string) bool {
	for _, l := range r.Locks {
		if l.ParticipantID == participantID {
			return true
		}
	}
	return false
}

// Settlement summarises a terminal record.
func (r EscrowRecord) Settlement() Settlement {
	s := Settlement{
		MatchID:  r.MatchID,
		Currency: r.Currency,
		Status:   r.Status,
		Winner:   r.Winner,
		Pot:      r.Pot(),
		Fee:      r.Fee,
		Payout:   r.Payout,
	}
	if r.SettledAt != nil {
		s.SettledAt = *r.SettledAt
	}
	if r.Status == EscrowRefunded {
		s.Refunds = make(map[string]decimal.Decimal, len(r.Locks))
		for _, l := range r.Locks {
			s.Refunds[l.ParticipantID] = s.Refunds[l.ParticipantID].Add(l.Amount)
		}
	}
	return s
}

// Settlement is the result of settle or refund. Receipt carries the server's
// signature over the outcome once it has been durably recorded.
type Settlement struct {
	MatchID   string                     `json:"match_id"`
	Currency  Currency                   `json:"currency"`
	Status    EscrowStatus               `json:"status"`
	Winner    string                     `json:"winner,omitempty"`
	Pot       decimal.Decimal            `json:"pot"`
	Fee       decimal.Decimal            `json:"fee"`
	Payout    decimal.Decimal            `json:"payout"`
	Refunds   map[string]decimal.Decimal `json:"refunds,omitempty"`
	SettledAt time.Time                  `json:"settled_at"`
	Receipt   string                     `json:"receipt,omitempty"`
}

// Credit is a balance increment applied when a record is completed.
type Credit struct {
	ParticipantID string
	Amount        decimal.Decimal
}
