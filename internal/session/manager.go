// Package session owns the authoritative state of every live match. It is the
// only writer of round and match outcomes; clients render the events it emits.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/rpsarena/internal/commitment"
	"github.com/alanyoungcy/rpsarena/internal/domain"
)

// Manager is the match registry and state machine.
type Manager struct {
	cfg  Config
	deps Deps

	logger *slog.Logger

	mu      sync.RWMutex
	matches map[string]*match
	active  map[string]string // participant -> live match

	obsMu     sync.Mutex
	observers []func(domain.MatchSnapshot)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a Manager. Ledger, Router and Events are required.
func NewManager(cfg Config, deps Deps, logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg.withDefaults(),
		deps:    deps,
		logger:  logger.With(slog.String("component", "session")),
		matches: make(map[string]*match),
		active:  make(map[string]string),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnTerminal registers fn to be called, on its own goroutine, whenever a
// match becomes finished or abandoned.
func (mgr *Manager) OnTerminal(fn func(domain.MatchSnapshot)) {
	mgr.obsMu.Lock()
	defer mgr.obsMu.Unlock()
	mgr.observers = append(mgr.observers, fn)
}

// Run blocks until ctx is cancelled and then shuts the manager down.
func (mgr *Manager) Run(ctx context.Context) error {
	<-ctx.Done()
	mgr.Close()
	return nil
}

// Close stops every timer and waits for in-flight finalisation to return.
func (mgr *Manager) Close() {
	mgr.cancel()

	mgr.mu.RLock()
	ms := make([]*match, 0, len(mgr.matches))
	for _, m := range mgr.matches {
		ms = append(ms, m)
	}
	mgr.mu.RUnlock()

	for _, m := range ms {
		m.mu.Lock()
		m.stopTimers()
		m.mu.Unlock()
	}
	mgr.wg.Wait()
}

// Create opens a match for creator and locks the creator's stake.
// roundsToWin of zero selects the configured default.
func (mgr *Manager) Create(ctx context.Context, creator domain.Participant, currency domain.Currency, stake decimal.Decimal, roundsToWin int, visibility domain.Visibility) (domain.MatchSnapshot, error) {
	if creator.ID == "" {
		return domain.MatchSnapshot{}, fmt.Errorf("session: create: empty participant: %w", domain.ErrValidation)
	}
	if !currency.Valid() {
		return domain.MatchSnapshot{}, fmt.Errorf("session: create: currency %q: %w", currency, domain.ErrValidation)
	}
	if stake.IsNegative() {
		return domain.MatchSnapshot{}, fmt.Errorf("session: create: negative stake: %w", domain.ErrValidation)
	}
	if roundsToWin == 0 {
		roundsToWin = mgr.cfg.RoundsToWin
	}
	if roundsToWin < 1 || roundsToWin > mgr.cfg.MaxRoundsToWin {
		return domain.MatchSnapshot{}, fmt.Errorf("session: create: rounds to win %d not in 1..%d: %w", roundsToWin, mgr.cfg.MaxRoundsToWin, domain.ErrValidation)
	}
	if visibility == "" {
		visibility = domain.VisibilityPrivate
	}

	id := uuid.New().String()
	if err := mgr.reserve(creator.ID, id); err != nil {
		return domain.MatchSnapshot{}, fmt.Errorf("session: create: %w", err)
	}
	if _, err := mgr.deps.Ledger.LockStake(ctx, id, creator.ID, currency, stake); err != nil {
		mgr.release(creator.ID, id)
		return domain.MatchSnapshot{}, fmt.Errorf("session: create: %w", err)
	}

	now := time.Now().UTC()
	m := &match{
		id:          id,
		currency:    currency,
		stake:       stake,
		visibility:  visibility,
		roundsToWin: roundsToWin,
		status:      domain.StatusWaitingForOpponent,
		created:     now,
	}
	m.seats[0] = &seatState{participant: creator, connected: true}

	mgr.mu.Lock()
	mgr.matches[id] = m
	mgr.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.snapshot()

	mgr.logger.InfoContext(ctx, "match created",
		slog.String("match_id", id),
		slog.String("creator", creator.ID),
		slog.String("currency", string(currency)),
		slog.String("stake", stake.String()),
		slog.String("visibility", string(visibility)),
	)
	mgr.remember(creator.ID, id)
	mgr.emit(domain.NewEvent(domain.EventGameCreated, id, []string{creator.ID}, snap))
	return snap, nil
}

// Join seats p as player 2, locks their stake and starts round 1.
func (mgr *Manager) Join(ctx context.Context, matchID string, p domain.Participant) (domain.MatchSnapshot, error) {
	m, err := mgr.lookup(matchID)
	if err != nil {
		return domain.MatchSnapshot{}, fmt.Errorf("session: join: %w", err)
	}
	if p.ID == "" {
		return domain.MatchSnapshot{}, fmt.Errorf("session: join: empty participant: %w", domain.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, seated := m.seatOf(p.ID); seated {
		return domain.MatchSnapshot{}, fmt.Errorf("session: join %s: cannot join own match: %w", matchID, domain.ErrValidation)
	}
	if m.status != domain.StatusWaitingForOpponent || m.seats[1] != nil {
		return domain.MatchSnapshot{}, fmt.Errorf("session: join %s: match is %s: %w", matchID, m.status, domain.ErrConflict)
	}
	if err := mgr.reserve(p.ID, matchID); err != nil {
		return domain.MatchSnapshot{}, fmt.Errorf("session: join %s: %w", matchID, err)
	}
	if _, err := mgr.deps.Ledger.LockStake(ctx, matchID, p.ID, m.currency, m.stake); err != nil {
		mgr.release(p.ID, matchID)
		return domain.MatchSnapshot{}, fmt.Errorf("session: join %s: %w", matchID, err)
	}

	now := time.Now().UTC()
	m.seats[1] = &seatState{participant: p, connected: true}
	m.started = now
	mgr.openRound(m, now)

	snap := m.snapshot()
	creator := m.seats[0].participant.ID

	mgr.logger.InfoContext(ctx, "match started",
		slog.String("match_id", matchID),
		slog.String("player1", creator),
		slog.String("player2", p.ID),
	)
	mgr.remember(p.ID, matchID)
	mgr.emit(domain.NewEvent(domain.EventGameJoined, matchID, []string{p.ID}, snap))
	mgr.emit(domain.NewEvent(domain.EventPlayerJoined, matchID, []string{creator}, snap))
	mgr.emit(domain.NewEvent(domain.EventGameStarted, matchID, m.participants(), snap))
	return snap, nil
}

// SubmitCommitment records a seat's commitment for the open round. Repeating
// the same commitment is a no-op; a different one conflicts.
func (mgr *Manager) SubmitCommitment(ctx context.Context, matchID, participantID string, round int, c domain.Commitment) (domain.MatchSnapshot, error) {
	if c.IsZero() {
		return domain.MatchSnapshot{}, fmt.Errorf("session: commit: empty commitment: %w", domain.ErrValidation)
	}
	m, err := mgr.lookup(matchID)
	if err != nil {
		return domain.MatchSnapshot{}, fmt.Errorf("session: commit: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seat, cur, err := openRoundFor(m, participantID, round)
	if err != nil {
		return domain.MatchSnapshot{}, fmt.Errorf("session: commit %s: %w", matchID, err)
	}
	sm := cur.Seat(seat)
	if sm.Committed {
		if sm.Commitment == c {
			return m.snapshot(), nil
		}
		return domain.MatchSnapshot{}, fmt.Errorf("session: commit %s round %d: already committed: %w", matchID, round, domain.ErrConflict)
	}

	op := domain.Operation{
		Kind:          domain.OpMoveCommitment,
		MatchID:       matchID,
		Round:         round,
		Seat:          seat,
		ParticipantID: participantID,
		Commitment:    c,
		At:            time.Now().UTC(),
	}
	if _, err := mgr.deps.Router.Execute(ctx, op, true); err != nil {
		return domain.MatchSnapshot{}, fmt.Errorf("session: commit %s: %w", matchID, err)
	}

	sm.Commitment = c
	sm.Committed = true

	snap := m.snapshot()
	mgr.emit(domain.NewEvent(domain.EventMoveSubmitted, matchID, m.participants(), map[string]any{
		"round": round,
		"seat":  seat.String(),
	}))
	if cur.Phase() == domain.PhaseCommitted {
		mgr.emit(domain.NewEvent(domain.EventRevealPhase, matchID, m.participants(), map[string]any{
			"round":    round,
			"deadline": cur.Deadline,
		}))
	}
	return snap, nil
}

// Reveal opens a seat's commitment. Both commitments must be in. A reveal
// that does not match the commitment is rejected and the round stays open.
func (mgr *Manager) Reveal(ctx context.Context, matchID, participantID string, round int, move domain.Move, nonce uint64) (domain.MatchSnapshot, error) {
	if !move.Valid() {
		return domain.MatchSnapshot{}, fmt.Errorf("session: reveal: move %d: %w", move, domain.ErrValidation)
	}
	m, err := mgr.lookup(matchID)
	if err != nil {
		return domain.MatchSnapshot{}, fmt.Errorf("session: reveal: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seat, cur, err := openRoundFor(m, participantID, round)
	if err != nil {
		return domain.MatchSnapshot{}, fmt.Errorf("session: reveal %s: %w", matchID, err)
	}
	sm, opp := cur.Seat(seat), cur.Seat(seat.Other())
	if sm.Revealed {
		if sm.Move == move && sm.Nonce == nonce {
			return m.snapshot(), nil
		}
		return domain.MatchSnapshot{}, fmt.Errorf("session: reveal %s round %d: already revealed: %w", matchID, round, domain.ErrConflict)
	}
	if !sm.Committed {
		return domain.MatchSnapshot{}, fmt.Errorf("session: reveal %s round %d: no commitment: %w", matchID, round, domain.ErrValidation)
	}
	if !opp.Committed {
		return domain.MatchSnapshot{}, fmt.Errorf("session: reveal %s round %d: opponent has not committed: %w", matchID, round, domain.ErrValidation)
	}
	if !commitment.Verify(sm.Commitment, move, nonce) {
		mgr.logger.WarnContext(ctx, "reveal does not match commitment",
			slog.String("match_id", matchID),
			slog.String("participant", participantID),
			slog.Int("round", round),
		)
		return domain.MatchSnapshot{}, fmt.Errorf("session: reveal %s round %d: commitment mismatch: %w", matchID, round, domain.ErrValidation)
	}

	op := domain.Operation{
		Kind:          domain.OpReveal,
		MatchID:       matchID,
		Round:         round,
		Seat:          seat,
		ParticipantID: participantID,
		Commitment:    sm.Commitment,
		Move:          move,
		Nonce:         nonce,
		At:            time.Now().UTC(),
	}
	if _, err := mgr.deps.Router.Execute(ctx, op, true); err != nil {
		return domain.MatchSnapshot{}, fmt.Errorf("session: reveal %s: %w", matchID, err)
	}

	sm.Move = move
	sm.Nonce = nonce
	sm.Revealed = true

	mgr.emit(domain.NewEvent(domain.EventMoveRevealed, matchID, m.participants(), map[string]any{
		"round": round,
		"seat":  seat.String(),
	}))
	if cur.Phase() == domain.PhaseRevealed {
		mgr.resolveRound(m)
	}
	return m.snapshot(), nil
}

// Quit leaves a match. Leaving before an opponent joins refunds the stake;
// leaving a running match forfeits it to the opponent.
func (mgr *Manager) Quit(ctx context.Context, matchID, participantID string) (domain.MatchSnapshot, error) {
	m, err := mgr.lookup(matchID)
	if err != nil {
		return domain.MatchSnapshot{}, fmt.Errorf("session: quit: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seat, ok := m.seatOf(participantID)
	if !ok {
		return domain.MatchSnapshot{}, fmt.Errorf("session: quit %s: not seated: %w", matchID, domain.ErrValidation)
	}

	switch m.status {
	case domain.StatusWaitingForOpponent:
		mgr.abandon(m, domain.ReasonCancelled)
	case domain.StatusInProgress, domain.StatusRoundResolved:
		mgr.emit(domain.NewEvent(domain.EventPlayerLeft, matchID, m.opponents(participantID), map[string]any{
			"seat": seat.String(),
		}))
		mgr.finish(m, seat.Other(), domain.ReasonQuit)
	default:
		return domain.MatchSnapshot{}, fmt.Errorf("session: quit %s: match is %s: %w", matchID, m.status, domain.ErrConflict)
	}

	mgr.logger.InfoContext(ctx, "participant quit",
		slog.String("match_id", matchID),
		slog.String("participant", participantID),
		slog.String("status", string(m.status)),
	)
	return m.snapshot(), nil
}

// Abandon ends a match that is still waiting for an opponent and refunds it
// before returning. It is idempotent for a match that is already abandoned.
func (mgr *Manager) Abandon(ctx context.Context, matchID string, reason domain.FinishReason) (domain.Settlement, error) {
	m, err := mgr.lookup(matchID)
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("session: abandon: %w", err)
	}

	m.mu.Lock()
	switch m.status {
	case domain.StatusWaitingForOpponent:
		mgr.abandon(m, reason)
	case domain.StatusAbandoned:
	default:
		status := m.status
		m.mu.Unlock()
		return domain.Settlement{}, fmt.Errorf("session: abandon %s: match is %s: %w", matchID, status, domain.ErrConflict)
	}
	m.mu.Unlock()

	st, err := mgr.finalize(ctx, m)
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("session: abandon %s: %w", matchID, err)
	}
	return st, nil
}

// Disconnect starts the grace period for a seat that lost its connection.
func (mgr *Manager) Disconnect(matchID, participantID string) {
	m, err := mgr.lookup(matchID)
	if err != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seat, ok := m.seatOf(participantID)
	if !ok || m.status.Terminal() {
		return
	}
	s := m.seat(seat)
	if !s.connected {
		return
	}
	s.connected = false
	s.graceGen++
	gen := s.graceGen
	s.graceTimer = time.AfterFunc(mgr.cfg.GracePeriod, func() {
		mgr.onGraceExpired(m, seat, gen)
	})

	mgr.logger.Info("participant disconnected",
		slog.String("match_id", matchID),
		slog.String("participant", participantID),
		slog.Duration("grace", mgr.cfg.GracePeriod),
	)
	mgr.emit(domain.NewEvent(domain.EventPlayerDisconnected, matchID, m.opponents(participantID), map[string]any{
		"seat":     seat.String(),
		"grace_ms": mgr.cfg.GracePeriod.Milliseconds(),
	}))
}

// Reconnect marks a seat connected again and cancels its grace timer.
func (mgr *Manager) Reconnect(matchID, participantID string) error {
	_, err := mgr.resume(matchID, participantID)
	return err
}

// Resume re-validates a participant's seat against the live match, clears any
// disconnect timer and returns the full snapshot. Cached client state is never
// trusted; this is the only way back into a match.
func (mgr *Manager) Resume(ctx context.Context, matchID, participantID string) (domain.MatchSnapshot, error) {
	snap, err := mgr.resume(matchID, participantID)
	if err != nil {
		return domain.MatchSnapshot{}, err
	}
	mgr.logger.InfoContext(ctx, "participant resumed",
		slog.String("match_id", matchID),
		slog.String("participant", participantID),
		slog.String("status", string(snap.Status)),
	)
	return snap, nil
}

func (mgr *Manager) resume(matchID, participantID string) (domain.MatchSnapshot, error) {
	m, err := mgr.lookup(matchID)
	if err != nil {
		return domain.MatchSnapshot{}, fmt.Errorf("session: resume: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seat, ok := m.seatOf(participantID)
	if !ok {
		return domain.MatchSnapshot{}, fmt.Errorf("session: resume %s: not seated: %w", matchID, domain.ErrValidation)
	}
	if m.status.Terminal() {
		return domain.MatchSnapshot{}, fmt.Errorf("session: resume %s: match is %s: %w", matchID, m.status, domain.ErrValidation)
	}

	s := m.seat(seat)
	wasDisconnected := !s.connected
	s.connected = true
	s.graceGen++
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}

	snap := m.snapshot()
	if wasDisconnected {
		mgr.emit(domain.NewEvent(domain.EventPlayerReconnected, matchID, m.opponents(participantID), map[string]any{
			"seat": seat.String(),
		}))
	}
	mgr.emit(domain.NewEvent(domain.EventResumed, matchID, []string{participantID}, snap))
	return snap, nil
}

// Get returns a snapshot of matchID.
func (mgr *Manager) Get(matchID string) (domain.MatchSnapshot, error) {
	m, err := mgr.lookup(matchID)
	if err != nil {
		return domain.MatchSnapshot{}, fmt.Errorf("session: get: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(), nil
}

// ActiveMatch returns the live match participantID is seated in.
func (mgr *Manager) ActiveMatch(participantID string) (string, bool) {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	id, ok := mgr.active[participantID]
	return id, ok
}

// Hint returns the match a participant's hint points at, if that match still
// accepts a resume from them.
func (mgr *Manager) Hint(ctx context.Context, participantID string) (string, bool) {
	if id, ok := mgr.ActiveMatch(participantID); ok {
		return id, true
	}
	if mgr.deps.Hints == nil {
		return "", false
	}
	id, err := mgr.deps.Hints.Lookup(ctx, participantID)
	if err != nil {
		return "", false
	}
	snap, err := mgr.Get(id)
	if err != nil || snap.Status.Ended() {
		return "", false
	}
	if _, ok := snap.SeatOf(participantID); !ok {
		return "", false
	}
	return id, true
}

// Stats counts registered matches by status. Ended matches count as
// settling until their settlement is recorded.
func (mgr *Manager) Stats() map[domain.MatchStatus]int {
	mgr.mu.RLock()
	ms := make([]*match, 0, len(mgr.matches))
	for _, m := range mgr.matches {
		ms = append(ms, m)
	}
	mgr.mu.RUnlock()

	out := make(map[domain.MatchStatus]int)
	for _, m := range ms {
		m.mu.Lock()
		out[m.publicStatus()]++
		m.mu.Unlock()
	}
	return out
}

func (mgr *Manager) lookup(matchID string) (*match, error) {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	m, ok := mgr.matches[matchID]
	if !ok {
		return nil, fmt.Errorf("match %s: %w", matchID, domain.ErrNotFound)
	}
	return m, nil
}

// reserve claims participantID for matchID. A participant plays one live
// match at a time.
func (mgr *Manager) reserve(participantID, matchID string) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if cur, ok := mgr.active[participantID]; ok && cur != matchID {
		return fmt.Errorf("participant already in match %s: %w", cur, domain.ErrConflict)
	}
	mgr.active[participantID] = matchID
	return nil
}

func (mgr *Manager) release(participantID, matchID string) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if mgr.active[participantID] == matchID {
		delete(mgr.active, participantID)
	}
}

// openRoundFor validates that participantID may act on round of m.
func openRoundFor(m *match, participantID string, round int) (domain.Seat, *domain.Round, error) {
	seat, ok := m.seatOf(participantID)
	if !ok {
		return 0, nil, fmt.Errorf("not seated: %w", domain.ErrValidation)
	}
	switch {
	case m.status.Terminal():
		return 0, nil, fmt.Errorf("match is %s: %w", m.status, domain.ErrConflict)
	case m.status == domain.StatusWaitingForOpponent:
		return 0, nil, fmt.Errorf("match has not started: %w", domain.ErrValidation)
	}
	cur := m.current()
	if cur == nil || cur.Index != round {
		return 0, nil, fmt.Errorf("round %d is not open: %w", round, domain.ErrValidation)
	}
	if m.status != domain.StatusInProgress || cur.Winner != domain.RoundWinnerNone {
		return 0, nil, fmt.Errorf("round %d is resolved: %w", round, domain.ErrValidation)
	}
	return seat, cur, nil
}

func (mgr *Manager) remember(participantID, matchID string) {
	if mgr.deps.Hints == nil {
		return
	}
	ctx, cancel := context.WithTimeout(mgr.ctx, mgr.cfg.EmitTimeout)
	defer cancel()
	if err := mgr.deps.Hints.Remember(ctx, participantID, matchID, mgr.cfg.HintTTL); err != nil {
		mgr.logger.Warn("remember session hint failed",
			slog.String("participant", participantID),
			slog.String("error", err.Error()),
		)
	}
}

func (mgr *Manager) emit(evt domain.Event) {
	if len(evt.Recipients) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(mgr.ctx, mgr.cfg.EmitTimeout)
	defer cancel()
	if err := mgr.deps.Events.Emit(ctx, evt); err != nil && !errors.Is(err, context.Canceled) {
		mgr.logger.Warn("emit event failed",
			slog.String("match_id", evt.MatchID),
			slog.String("type", string(evt.Type)),
			slog.String("error", err.Error()),
		)
	}
}
