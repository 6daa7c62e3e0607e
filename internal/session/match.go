package session

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

type seatState struct {
	participant domain.Participant
	wins        int
	connected   bool
	graceTimer  *time.Timer
	// graceGen invalidates grace timers that fired after a reconnect.
	graceGen int
}

// match is the authoritative state of one match. mu guards every field
// except finMu, which serialises finalisation.
type match struct {
	mu sync.Mutex

	id          string
	currency    domain.Currency
	stake       decimal.Decimal
	visibility  domain.Visibility
	roundsToWin int

	status  domain.MatchStatus
	seats   [2]*seatState
	rounds  []domain.Round
	winner  string
	reason  domain.FinishReason
	started time.Time
	created time.Time
	ended   time.Time

	moveTimer    *time.Timer
	displayTimer *time.Timer

	finMu      sync.Mutex
	settlement *domain.Settlement

	// factPending is set from settlement until the match_finished fact is
	// appended.
	factPending bool
}

func (m *match) seatOf(participantID string) (domain.Seat, bool) {
	for i, s := range m.seats {
		if s != nil && s.participant.ID == participantID {
			return domain.Seat(i + 1), true
		}
	}
	return 0, false
}

func (m *match) seat(s domain.Seat) *seatState {
	return m.seats[s.Index()]
}

func (m *match) current() *domain.Round {
	if len(m.rounds) == 0 {
		return nil
	}
	return &m.rounds[len(m.rounds)-1]
}

func (m *match) participants() []string {
	out := make([]string, 0, 2)
	for _, s := range m.seats {
		if s != nil {
			out = append(out, s.participant.ID)
		}
	}
	return out
}

func (m *match) opponents(participantID string) []string {
	var out []string
	for _, s := range m.seats {
		if s != nil && s.participant.ID != participantID {
			out = append(out, s.participant.ID)
		}
	}
	return out
}

func (m *match) stopTimers() {
	if m.moveTimer != nil {
		m.moveTimer.Stop()
		m.moveTimer = nil
	}
	if m.displayTimer != nil {
		m.displayTimer.Stop()
		m.displayTimer = nil
	}
	for _, s := range m.seats {
		if s != nil && s.graceTimer != nil {
			s.graceTimer.Stop()
			s.graceTimer = nil
		}
	}
}

func (m *match) pot() decimal.Decimal {
	return m.stake.Mul(decimal.New(int64(len(m.participants())), 0))
}

// publicStatus hides the outcome until the settlement is durable.
func (m *match) publicStatus() domain.MatchStatus {
	if m.status.Terminal() && m.settlement == nil {
		return domain.StatusSettling
	}
	return m.status
}

// snapshot copies the public state. Moves of an unresolved round stay hidden.
func (m *match) snapshot() domain.MatchSnapshot {
	snap := domain.MatchSnapshot{
		ID:           m.id,
		Currency:     m.currency,
		Stake:        m.stake,
		Pot:          m.pot(),
		Visibility:   m.visibility,
		Status:       m.publicStatus(),
		RoundsToWin:  m.roundsToWin,
		CurrentRound: len(m.rounds),
		Winner:       m.winner,
		Reason:       m.reason,
		CreatedAt:    m.created,
		StartedAt:    m.started,
		FinishedAt:   m.ended,
		Rounds:       []domain.RoundResult{},
	}

	cur := m.current()
	if cur != nil && cur.Winner == domain.RoundWinnerNone && m.status == domain.StatusInProgress {
		snap.RoundDeadline = cur.Deadline
	}

	for i, s := range m.seats {
		if s == nil {
			continue
		}
		pv := domain.PlayerView{Participant: s.participant, Wins: s.wins, Connected: s.connected}
		if cur != nil && cur.Winner == domain.RoundWinnerNone {
			pv.Committed = cur.Seats[i].Committed
			pv.Revealed = cur.Seats[i].Revealed
		}
		snap.Players = append(snap.Players, pv)
	}

	for _, r := range m.rounds {
		if r.Winner == domain.RoundWinnerNone {
			continue
		}
		snap.Rounds = append(snap.Rounds, domain.RoundResult{
			Index:   r.Index,
			Player1: r.Seats[0].Move.String(),
			Player2: r.Seats[1].Move.String(),
			Winner:  r.Winner,
		})
	}

	if m.settlement != nil {
		st := *m.settlement
		snap.Settled = true
		snap.Settlement = &st
	}
	return snap
}

// fact builds the match_finished record from a settled match.
func (m *match) fact() domain.MatchFinished {
	f := domain.MatchFinished{
		MatchID:     m.id,
		Winner:      m.winner,
		Currency:    m.currency,
		Stake:       m.stake,
		Pot:         m.pot(),
		Status:      domain.GameCompleted,
		Reason:      m.reason,
		StartedAt:   m.started,
		CompletedAt: m.ended,
	}
	if m.status == domain.StatusAbandoned {
		f.Status = domain.GameAbandoned
	}
	if m.seats[0] != nil {
		f.Player1 = m.seats[0].participant.ID
	}
	if m.seats[1] != nil {
		f.Player2 = m.seats[1].participant.ID
	}
	for _, r := range m.rounds {
		if r.Winner != domain.RoundWinnerNone {
			f.Rounds++
		}
	}
	if m.settlement != nil {
		f.Pot = m.settlement.Pot
		f.Fee = m.settlement.Fee
		f.Payout = m.settlement.Payout
	}
	return f
}
