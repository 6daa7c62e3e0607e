package domain

import (
	"fmt"
	"strings"
)

// Move is a player's choice. Its numeric value is the single-byte tag hashed
// into a commitment.
type Move uint8

const (
	MoveRock     Move = 0
	MovePaper    Move = 1
	MoveScissors Move = 2
)

// Valid reports whether m is one of the three playable moves.
func (m Move) Valid() bool {
	return m <= MoveScissors
}

// Beats reports whether m wins against other.
func (m Move) Beats(other Move) bool {
	switch m {
	case MoveRock:
		return other == MoveScissors
	case MovePaper:
		return other == MoveRock
	case MoveScissors:
		return other == MovePaper
	}
	return false
}

func (m Move) String() string {
	switch m {
	case MoveRock:
		return "rock"
	case MovePaper:
		return "paper"
	case MoveScissors:
		return "scissors"
	default:
		return fmt.Sprintf("move(%d)", uint8(m))
	}
}

// ParseMove accepts either the lower-case name or the numeric tag.
func ParseMove(s string) (Move, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rock", "0":
		return MoveRock, nil
	case "paper", "1":
		return MovePaper, nil
	case "scissors", "2":
		return MoveScissors, nil
	}
	return 0, fmt.Errorf("%w: unknown move %q", ErrValidation, s)
}
