package session

import (
	"log/slog"
	"time"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

// The functions in this file are called with m.mu held.

func (mgr *Manager) openRound(m *match, now time.Time) {
	idx := len(m.rounds) + 1
	m.rounds = append(m.rounds, domain.Round{
		Index:    idx,
		OpenedAt: now,
		Deadline: now.Add(mgr.cfg.MoveTimeout),
	})
	m.status = domain.StatusInProgress
	if m.moveTimer != nil {
		m.moveTimer.Stop()
	}
	m.moveTimer = time.AfterFunc(mgr.cfg.MoveTimeout, func() {
		mgr.onMoveTimeout(m, idx)
	})
}

func (mgr *Manager) resolveRound(m *match) {
	cur := m.current()
	cur.Winner = domain.Resolve(cur.Seats[0].Move, cur.Seats[1].Move)
	cur.ResolvedAt = time.Now().UTC()
	if m.moveTimer != nil {
		m.moveTimer.Stop()
		m.moveTimer = nil
	}

	var roundWinner domain.Seat
	switch cur.Winner {
	case domain.RoundWinnerPlayer1:
		roundWinner = domain.Seat1
	case domain.RoundWinnerPlayer2:
		roundWinner = domain.Seat2
	}
	if roundWinner != 0 {
		m.seat(roundWinner).wins++
	}

	mgr.emit(domain.NewEvent(domain.EventRoundCompleted, m.id, m.participants(), map[string]any{
		"round":        cur.Index,
		"player1_move": cur.Seats[0].Move.String(),
		"player2_move": cur.Seats[1].Move.String(),
		"winner":       cur.Winner,
		"player1_wins": m.seats[0].wins,
		"player2_wins": m.seats[1].wins,
	}))

	if roundWinner != 0 && m.seat(roundWinner).wins >= m.roundsToWin {
		mgr.finish(m, roundWinner, domain.ReasonRoundsWon)
		return
	}

	m.status = domain.StatusRoundResolved
	idx := cur.Index
	m.displayTimer = time.AfterFunc(mgr.cfg.RoundDisplay, func() {
		mgr.onDisplayElapsed(m, idx)
	})
	mgr.emit(domain.NewEvent(domain.EventCountdownUpdate, m.id, m.participants(), map[string]any{
		"next_round":   idx + 1,
		"starts_in_ms": mgr.cfg.RoundDisplay.Milliseconds(),
	}))
}

func (mgr *Manager) onDisplayElapsed(m *match, resolved int) {
	if mgr.ctx.Err() != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != domain.StatusRoundResolved || len(m.rounds) != resolved {
		return
	}
	m.displayTimer = nil
	mgr.openRound(m, time.Now().UTC())
	cur := m.current()
	mgr.emit(domain.NewEvent(domain.EventNextRound, m.id, m.participants(), map[string]any{
		"round":    cur.Index,
		"deadline": cur.Deadline,
	}))
}

// onMoveTimeout forfeits a round's single stalling seat, or abandons the
// match when both seats stalled.
func (mgr *Manager) onMoveTimeout(m *match, round int) {
	if mgr.ctx.Err() != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.current()
	if m.status != domain.StatusInProgress || cur == nil || cur.Index != round || cur.Winner != domain.RoundWinnerNone {
		return
	}
	m.moveTimer = nil

	stalling := func(s domain.Seat) bool {
		own, opp := cur.Seat(s), cur.Seat(s.Other())
		return !own.Committed || (opp.Committed && !own.Revealed)
	}
	s1, s2 := stalling(domain.Seat1), stalling(domain.Seat2)

	mgr.logger.Info("move deadline passed",
		slog.String("match_id", m.id),
		slog.Int("round", round),
		slog.Bool("player1_stalling", s1),
		slog.Bool("player2_stalling", s2),
	)

	switch {
	case s1 && s2:
		mgr.abandon(m, domain.ReasonMoveTimeout)
	case s1:
		mgr.finish(m, domain.Seat2, domain.ReasonMoveTimeout)
	case s2:
		mgr.finish(m, domain.Seat1, domain.ReasonMoveTimeout)
	}
}

// onGraceExpired settles a disconnect that outlived the grace period.
func (mgr *Manager) onGraceExpired(m *match, seat domain.Seat, gen int) {
	if mgr.ctx.Err() != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.seat(seat)
	if m.status.Terminal() || s == nil || s.connected || s.graceGen != gen {
		return
	}
	s.graceTimer = nil

	mgr.logger.Info("grace period expired",
		slog.String("match_id", m.id),
		slog.String("participant", s.participant.ID),
		slog.String("status", string(m.status)),
	)

	if m.status == domain.StatusWaitingForOpponent {
		mgr.abandon(m, domain.ReasonDisconnect)
		return
	}
	opp := m.seat(seat.Other())
	if opp == nil || !opp.connected {
		mgr.abandon(m, domain.ReasonDisconnect)
		return
	}
	mgr.finish(m, seat.Other(), domain.ReasonDisconnect)
}

func (mgr *Manager) finish(m *match, winner domain.Seat, reason domain.FinishReason) {
	m.status = domain.StatusFinished
	m.winner = m.seat(winner).participant.ID
	m.reason = reason
	mgr.terminate(m)
}

func (mgr *Manager) abandon(m *match, reason domain.FinishReason) {
	m.status = domain.StatusAbandoned
	m.winner = ""
	m.reason = reason
	mgr.terminate(m)
}

// terminate stops timers, frees the seats and schedules finalisation.
func (mgr *Manager) terminate(m *match) {
	m.ended = time.Now().UTC()
	m.stopTimers()

	for _, pid := range m.participants() {
		mgr.release(pid, m.id)
	}

	mgr.logger.Info("match ended",
		slog.String("match_id", m.id),
		slog.String("status", string(m.status)),
		slog.String("winner", m.winner),
		slog.String("reason", string(m.reason)),
	)

	snap := m.snapshot()
	mgr.obsMu.Lock()
	observers := append([]func(domain.MatchSnapshot){}, mgr.observers...)
	mgr.obsMu.Unlock()
	for _, fn := range observers {
		go fn(snap)
	}

	mgr.wg.Add(1)
	go mgr.finalizeLoop(m)
}
