package domain

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Currency is the unit a match is played for.
type Currency string

const (
	CurrencyPoints Currency = "points"
	CurrencySOL    Currency = "sol"
)

// Valid reports whether c is a supported currency.
func (c Currency) Valid() bool {
	return c == CurrencyPoints || c == CurrencySOL
}

// Scale is the number of decimal places amounts in c are held to.
func (c Currency) Scale() int32 {
	if c == CurrencySOL {
		return 9 // lamports
	}
	return 0
}

// Visibility distinguishes invite-only matches from matchmade ones.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// MatchStatus tracks the match lifecycle.
type MatchStatus string

const (
	StatusWaitingForOpponent MatchStatus = "waiting_for_opponent"
	StatusInProgress         MatchStatus = "in_progress"
	StatusRoundResolved      MatchStatus = "round_resolved"
	StatusSettling           MatchStatus = "settling"
	StatusFinished           MatchStatus = "finished"
	StatusAbandoned          MatchStatus = "abandoned"
)

// Terminal reports whether no further transitions are possible.
func (s MatchStatus) Terminal() bool {
	return s == StatusFinished || s == StatusAbandoned
}

// Ended reports whether play is over. A match whose settlement is not yet
// durable reports StatusSettling instead of its terminal status.
func (s MatchStatus) Ended() bool {
	return s == StatusSettling || s.Terminal()
}

// FinishReason records why a match reached a terminal status.
type FinishReason string

const (
	ReasonRoundsWon          FinishReason = "rounds_won"
	ReasonQuit               FinishReason = "quit"
	ReasonDisconnect         FinishReason = "disconnect"
	ReasonMoveTimeout        FinishReason = "timeout"
	ReasonCancelled          FinishReason = "cancelled"
	ReasonMatchmakingTimeout FinishReason = "matchmaking_timeout"
)

// Seat is a player slot. Player 1 created the match.
type Seat int

const (
	Seat1 Seat = 1
	Seat2 Seat = 2
)

// Other returns the opposing seat.
func (s Seat) Other() Seat {
	if s == Seat1 {
		return Seat2
	}
	return Seat1
}

// Index maps a seat to a zero-based array position.
func (s Seat) Index() int {
	return int(s) - 1
}

func (s Seat) String() string {
	return fmt.Sprintf("player%d", int(s))
}

// Participant is a connected player identified by wallet address.
type Participant struct {
	ID     string `json:"id"`
	Handle string `json:"handle"`
}

// NewParticipant normalises a wallet address and derives the default display
// handle from its first eight characters.
func NewParticipant(id string) Participant {
	id = strings.ToLower(strings.TrimSpace(id))
	handle := id
	if len(handle) > 8 {
		handle = handle[:8]
	}
	return Participant{ID: id, Handle: handle}
}

// CommitmentSize is the byte length of a move commitment.
const CommitmentSize = 32

// Commitment is the SHA-256 digest binding a hidden move and nonce.
type Commitment [CommitmentSize]byte

// IsZero reports whether c is unset.
func (c Commitment) IsZero() bool {
	return c == Commitment{}
}

// Bytes returns a copy of the digest.
func (c Commitment) Bytes() []byte {
	return append([]byte(nil), c[:]...)
}

func (c Commitment) String() string {
	return hex.EncodeToString(c[:])
}

// MarshalText encodes the commitment as lower-case hex.
func (c Commitment) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText decodes a hex commitment, with or without a 0x prefix.
func (c *Commitment) UnmarshalText(text []byte) error {
	parsed, err := ParseCommitment(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseCommitment decodes a 32-byte hex commitment.
func ParseCommitment(s string) (Commitment, error) {
	var c Commitment
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return c, fmt.Errorf("%w: commitment is not hex: %v", ErrValidation, err)
	}
	if len(raw) != CommitmentSize {
		return c, fmt.Errorf("%w: commitment must be %d bytes, got %d", ErrValidation, CommitmentSize, len(raw))
	}
	copy(c[:], raw)
	return c, nil
}

// RoundWinner is the resolution of a single round.
type RoundWinner string

const (
	RoundWinnerNone    RoundWinner = ""
	RoundWinnerPlayer1 RoundWinner = "player1"
	RoundWinnerPlayer2 RoundWinner = "player2"
	RoundWinnerDraw    RoundWinner = "draw"
)

// RoundPhase is derived from the per-seat state of a round.
type RoundPhase string

const (
	PhasePending   RoundPhase = "pending"
	PhaseCommitted RoundPhase = "committed"
	PhaseRevealed  RoundPhase = "revealed"
	PhaseResolved  RoundPhase = "resolved"
)

// SeatMove is one seat's progress within a round.
type SeatMove struct {
	Commitment Commitment
	Committed  bool
	Move       Move
	Nonce      uint64
	Revealed   bool
}

// Round is a single commit-reveal exchange.
type Round struct {
	Index      int
	Seats      [2]SeatMove
	Winner     RoundWinner
	OpenedAt   time.Time
	Deadline   time.Time
	ResolvedAt time.Time
}

// Seat returns the state for s.
func (r *Round) Seat(s Seat) *SeatMove {
	return &r.Seats[s.Index()]
}

// Phase derives the round phase.
func (r *Round) Phase() RoundPhase {
	switch {
	case r.Winner != RoundWinnerNone:
		return PhaseResolved
	case r.Seats[0].Revealed && r.Seats[1].Revealed:
		return PhaseRevealed
	case r.Seats[0].Committed && r.Seats[1].Committed:
		return PhaseCommitted
	default:
		return PhasePending
	}
}

// Resolve applies the beats relation to both revealed moves.
func Resolve(p1, p2 Move) RoundWinner {
	switch {
	case p1 == p2:
		return RoundWinnerDraw
	case p1.Beats(p2):
		return RoundWinnerPlayer1
	default:
		return RoundWinnerPlayer2
	}
}

// PlayerView is the public state of one seat.
type PlayerView struct {
	Participant Participant `json:"participant"`
	Wins        int         `json:"wins"`
	Connected   bool        `json:"connected"`
	Committed   bool        `json:"committed"`
	Revealed    bool        `json:"revealed"`
}

// RoundResult is a resolved round as shown to participants.
type RoundResult struct {
	Index   int         `json:"index"`
	Player1 string      `json:"player1_move"`
	Player2 string      `json:"player2_move"`
	Winner  RoundWinner `json:"winner"`
}

// MatchSnapshot is a read-only copy of a match. Moves of the open round are
// never included.
type MatchSnapshot struct {
	ID            string          `json:"match_id"`
	Currency      Currency        `json:"currency"`
	Stake         decimal.Decimal `json:"stake"`
	Pot           decimal.Decimal `json:"pot"`
	Visibility    Visibility      `json:"visibility"`
	Status        MatchStatus     `json:"status"`
	RoundsToWin   int             `json:"rounds_to_win"`
	CurrentRound  int             `json:"current_round"`
	RoundDeadline time.Time       `json:"round_deadline,omitempty"`
	Players       []PlayerView    `json:"players"`
	Rounds        []RoundResult   `json:"rounds"`
	Winner        string          `json:"winner,omitempty"`
	Reason        FinishReason    `json:"reason,omitempty"`
	Settled       bool            `json:"settled"`
	Settlement    *Settlement     `json:"settlement,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     time.Time       `json:"started_at,omitempty"`
	FinishedAt    time.Time       `json:"finished_at,omitempty"`
}

// SeatOf returns the seat held by participantID, if any.
func (s MatchSnapshot) SeatOf(participantID string) (Seat, bool) {
	for i, p := range s.Players {
		if p.Participant.ID == participantID {
			return Seat(i + 1), true
		}
	}
	return 0, false
}
