package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// EventType names a server-to-participant event.
type EventType string

const (
	EventGameCreated         EventType = "game_created"
	EventPlayerJoined        EventType = "player_joined"
	EventGameJoined          EventType = "game_joined"
	EventMatchFound          EventType = "match_found"
	EventMatchmakingWaiting  EventType = "matchmaking_waiting"
	EventMatchmakingTimeout  EventType = "matchmaking_timeout"
	EventMatchmakingCanceled EventType = "matchmaking_cancelled"
	EventGameStarted         EventType = "game_started"
	EventMoveSubmitted       EventType = "move_submitted"
	EventRevealPhase         EventType = "reveal_phase"
	EventMoveRevealed        EventType = "move_revealed"
	EventRoundCompleted      EventType = "round_completed"
	EventNextRound           EventType = "next_round"
	EventCountdownUpdate     EventType = "countdown_update"
	EventPlayerDisconnected  EventType = "player_disconnected"
	EventPlayerReconnected   EventType = "player_reconnected"
	EventPlayerLeft          EventType = "player_left"
	EventGameFinished        EventType = "game_finished"
	EventGameAbandoned       EventType = "game_abandoned"
	EventResumed             EventType = "resumed"
	EventResumeAvailable     EventType = "resume_available"
	EventError               EventType = "error"
)

// CommandType names a participant-to-server command.
type CommandType string

const (
	CmdCreateGame         CommandType = "create_game"
	CmdJoinGame           CommandType = "join_game"
	CmdFindRandomMatch    CommandType = "find_random_match"
	CmdCancelMatchRequest CommandType = "cancel_match_request"
	CmdSubmitMove         CommandType = "submit_move"
	CmdRevealMove         CommandType = "reveal_move"
	CmdLeaveGame          CommandType = "leave_game"
	CmdResume             CommandType = "resume"
)

// Event is delivered to every participant listed in Recipients.
type Event struct {
	Type       EventType       `json:"type"`
	MatchID    string          `json:"match_id,omitempty"`
	Recipients []string        `json:"recipients,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	At         time.Time       `json:"at"`
}

// NewEvent marshals data into an Event. Marshal failures leave Data empty.
func NewEvent(typ EventType, matchID string, recipients []string, data any) Event {
	evt := Event{
		Type:       typ,
		MatchID:    matchID,
		Recipients: recipients,
		At:         time.Now().UTC(),
	}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			evt.Data = raw
		}
	}
	return evt
}

// GameStatus is the off-session classification of a finished match.
type GameStatus string

const (
	GameCompleted GameStatus = "completed"
	GameAbandoned GameStatus = "abandoned"
)

// MatchFinished is the single fact emitted per match once its settlement is
// durably recorded. Bookkeeping consumers apply it exactly once.
type MatchFinished struct {
	MatchID     string          `json:"match_id"`
	Player1     string          `json:"player1"`
	Player2     string          `json:"player2,omitempty"`
	Winner      string          `json:"winner,omitempty"`
	Currency    Currency        `json:"currency"`
	Stake       decimal.Decimal `json:"stake"`
	Pot         decimal.Decimal `json:"pot"`
	Fee         decimal.Decimal `json:"fee"`
	Payout      decimal.Decimal `json:"payout"`
	Status      GameStatus      `json:"status"`
	Reason      FinishReason    `json:"reason"`
	Rounds      int             `json:"rounds"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}
