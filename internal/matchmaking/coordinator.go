// Package matchmaking pairs participants who ask for a random opponent at
// the same currency and stake.
package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

// Sessions is the slice of the session manager the coordinator drives.
type Sessions interface {
	Create(ctx context.Context, creator domain.Participant, currency domain.Currency, stake decimal.Decimal, roundsToWin int, visibility domain.Visibility) (domain.MatchSnapshot, error)
	Join(ctx context.Context, matchID string, p domain.Participant) (domain.MatchSnapshot, error)
	Abandon(ctx context.Context, matchID string, reason domain.FinishReason) (domain.Settlement, error)
	Get(matchID string) (domain.MatchSnapshot, error)
	OnTerminal(fn func(domain.MatchSnapshot))
}

// EventSink delivers events to participants.
type EventSink interface {
	Emit(ctx context.Context, evt domain.Event) error
}

// TicketStatus is the state of a matchmaking request.
type TicketStatus string

const (
	TicketWaiting   TicketStatus = "waiting"
	TicketMatched   TicketStatus = "matched"
	TicketCancelled TicketStatus = "cancelled"
	TicketTimedOut  TicketStatus = "timed_out"
)

// Ticket describes a participant's place in matchmaking.
type Ticket struct {
	ParticipantID string          `json:"participant_id"`
	MatchID       string          `json:"match_id"`
	Currency      domain.Currency `json:"currency"`
	Stake         decimal.Decimal `json:"stake"`
	Status        TicketStatus    `json:"status"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
}

// Config holds coordinator tunables.
type Config struct {
	Timeout       time.Duration
	SweepInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{Timeout: 30 * time.Second, SweepInterval: time.Second}
}

type poolKey struct {
	currency domain.Currency
	stake    string
}

type entry struct {
	participant domain.Participant
	ticket      Ticket
}

// Coordinator holds the matchmaking pool. Each waiting entry owns a public
// match whose creator stake is already locked, so pairing is a plain join.
type Coordinator struct {
	sessions Sessions
	events   EventSink
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	mu            sync.Mutex
	pool          map[poolKey][]*entry
	byParticipant map[string]*entry
	byMatch       map[string]*entry
	paired        map[string]Ticket
	stranded      map[string]*entry
}

// NewCoordinator creates a Coordinator and subscribes it to match
// termination so that ended matches leave the pool.
func NewCoordinator(sessions Sessions, events EventSink, cfg Config, logger *slog.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	c := &Coordinator{
		sessions:      sessions,
		events:        events,
		cfg:           cfg,
		logger:        logger.With(slog.String("component", "matchmaking")),
		now:           time.Now,
		pool:          make(map[poolKey][]*entry),
		byParticipant: make(map[string]*entry),
		byMatch:       make(map[string]*entry),
		paired:        make(map[string]Ticket),
		stranded:      make(map[string]*entry),
	}
	sessions.OnTerminal(c.onTerminal)
	return c
}

// RequestMatch pairs p with a waiting participant at the same currency and
// stake, or enqueues p behind a new public match. A participant already in
// the pool gets their existing ticket back.
func (c *Coordinator) RequestMatch(ctx context.Context, p domain.Participant, currency domain.Currency, stake decimal.Decimal) (Ticket, error) {
	if p.ID == "" {
		return Ticket{}, fmt.Errorf("matchmaking: request: empty participant: %w", domain.ErrValidation)
	}
	if !currency.Valid() {
		return Ticket{}, fmt.Errorf("matchmaking: request: currency %q: %w", currency, domain.ErrValidation)
	}
	if stake.IsNegative() {
		return Ticket{}, fmt.Errorf("matchmaking: request: negative stake: %w", domain.ErrValidation)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.byParticipant[p.ID]; ok {
		return e.ticket, nil
	}

	key := poolKey{currency: currency, stake: stake.String()}
	for {
		waiting := c.firstCompatible(key, p.ID)
		if waiting == nil {
			break
		}
		c.removeLocked(waiting)

		snap, err := c.sessions.Join(ctx, waiting.ticket.MatchID, p)
		if err != nil {
			if c.stillWaiting(waiting.ticket.MatchID) {
				c.insertLocked(waiting, true)
				return Ticket{}, fmt.Errorf("matchmaking: request: %w", err)
			}
			c.logger.InfoContext(ctx, "dropping ended pool entry",
				slog.String("match_id", waiting.ticket.MatchID),
				slog.String("error", err.Error()),
			)
			continue
		}

		ticket := Ticket{
			ParticipantID: p.ID,
			MatchID:       snap.ID,
			Currency:      currency,
			Stake:         stake,
			Status:        TicketMatched,
			EnqueuedAt:    c.now().UTC(),
		}
		waiting.ticket.Status = TicketMatched
		c.paired[p.ID] = ticket
		c.paired[waiting.participant.ID] = waiting.ticket

		c.logger.InfoContext(ctx, "match found",
			slog.String("match_id", snap.ID),
			slog.String("player1", waiting.participant.ID),
			slog.String("player2", p.ID),
			slog.Duration("waited", c.now().Sub(waiting.ticket.EnqueuedAt)),
		)
		c.emit(ctx, domain.NewEvent(domain.EventMatchFound, snap.ID,
			[]string{waiting.participant.ID, p.ID}, snap))
		return ticket, nil
	}

	snap, err := c.sessions.Create(ctx, p, currency, stake, 0, domain.VisibilityPublic)
	if err != nil {
		return Ticket{}, fmt.Errorf("matchmaking: request: %w", err)
	}
	e := &entry{
		participant: p,
		ticket: Ticket{
			ParticipantID: p.ID,
			MatchID:       snap.ID,
			Currency:      currency,
			Stake:         stake,
			Status:        TicketWaiting,
			EnqueuedAt:    c.now().UTC(),
		},
	}
	c.insertLocked(e, false)

	c.logger.InfoContext(ctx, "waiting for opponent",
		slog.String("participant", p.ID),
		slog.String("match_id", snap.ID),
		slog.String("currency", string(currency)),
		slog.String("stake", stake.String()),
	)
	c.emit(ctx, domain.NewEvent(domain.EventMatchmakingWaiting, snap.ID, []string{p.ID}, e.ticket))
	return e.ticket, nil
}

// Cancel withdraws participantID from the pool and refunds their stake. Once
// paired the request can no longer be cancelled; the match must be quit.
func (c *Coordinator) Cancel(ctx context.Context, participantID string) (Ticket, error) {
	c.mu.Lock()
	e, ok := c.byParticipant[participantID]
	if !ok {
		_, paired := c.paired[participantID]
		c.mu.Unlock()
		if paired {
			return Ticket{}, fmt.Errorf("matchmaking: cancel %s: already matched: %w", participantID, domain.ErrConflict)
		}
		return Ticket{}, fmt.Errorf("matchmaking: cancel %s: not queued: %w", participantID, domain.ErrNotFound)
	}
	c.removeLocked(e)
	c.mu.Unlock()

	e.ticket.Status = TicketCancelled
	st, err := c.sessions.Abandon(ctx, e.ticket.MatchID, domain.ReasonCancelled)
	if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
		c.release(ctx, e, err.Error())
		return e.ticket, fmt.Errorf("matchmaking: cancel %s: %w", participantID, err)
	}
	if err != nil {
		c.strand(ctx, e, err)
		return e.ticket, fmt.Errorf("matchmaking: cancel %s: %w", participantID, err)
	}

	c.logger.InfoContext(ctx, "matchmaking cancelled",
		slog.String("participant", participantID),
		slog.String("match_id", e.ticket.MatchID),
	)
	c.emit(ctx, domain.NewEvent(domain.EventMatchmakingCanceled, e.ticket.MatchID, []string{participantID}, map[string]any{
		"ticket":     e.ticket,
		"refunded":   true,
		"settlement": st,
	}))
	return e.ticket, nil
}

// Ticket returns participantID's current ticket.
func (c *Coordinator) Ticket(participantID string) (Ticket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.byParticipant[participantID]; ok {
		return e.ticket, true
	}
	t, ok := c.paired[participantID]
	return t, ok
}

// Stats reports pool depth and stranded escrows.
func (c *Coordinator) Stats() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]int{
		"waiting":  len(c.byParticipant),
		"stranded": len(c.stranded),
	}
}

// Run sweeps timed-out entries every SweepInterval until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.InfoContext(ctx, "matchmaking sweeper started",
		slog.Duration("timeout", c.cfg.Timeout),
		slog.Duration("interval", c.cfg.SweepInterval),
	)
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep refunds entries that waited longer than Timeout and retries every
// stranded refund. A failed refund is kept stranded and reported; a lock is
// never dropped silently. An entry whose match was joined outside the pool is
// released without a refund, since its stake now belongs to a live match.
func (c *Coordinator) Sweep(ctx context.Context) {
	now := c.now()

	c.mu.Lock()
	var due, stale []*entry
	for _, entries := range c.pool {
		for _, e := range entries {
			switch {
			case !c.stillWaiting(e.ticket.MatchID):
				stale = append(stale, e)
			case now.Sub(e.ticket.EnqueuedAt) >= c.cfg.Timeout:
				due = append(due, e)
			}
		}
	}
	for _, e := range stale {
		c.removeLocked(e)
	}
	for _, e := range due {
		c.removeLocked(e)
		e.ticket.Status = TicketTimedOut
	}
	for _, e := range c.stranded {
		due = append(due, e)
	}
	c.mu.Unlock()

	for _, e := range stale {
		c.release(ctx, e, "match no longer waiting")
	}
	for _, e := range due {
		st, err := c.sessions.Abandon(ctx, e.ticket.MatchID, domain.ReasonMatchmakingTimeout)
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			c.release(ctx, e, err.Error())
			continue
		}
		if err != nil {
			c.strand(ctx, e, err)
			continue
		}

		c.mu.Lock()
		delete(c.stranded, e.ticket.MatchID)
		c.mu.Unlock()

		c.logger.InfoContext(ctx, "matchmaking timed out",
			slog.String("participant", e.participant.ID),
			slog.String("match_id", e.ticket.MatchID),
		)
		c.emit(ctx, domain.NewEvent(domain.EventMatchmakingTimeout, e.ticket.MatchID, []string{e.participant.ID}, map[string]any{
			"ticket":     e.ticket,
			"refunded":   true,
			"settlement": st,
		}))
	}
}

// release drops an entry whose match left the waiting state without the
// coordinator. The session manager settles that match's escrow.
func (c *Coordinator) release(ctx context.Context, e *entry, reason string) {
	c.mu.Lock()
	delete(c.stranded, e.ticket.MatchID)
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "pool entry released, match no longer waiting",
		slog.String("participant", e.participant.ID),
		slog.String("match_id", e.ticket.MatchID),
		slog.String("reason", reason),
	)
}

func (c *Coordinator) strand(ctx context.Context, e *entry, cause error) {
	c.mu.Lock()
	c.stranded[e.ticket.MatchID] = e
	c.mu.Unlock()

	c.logger.ErrorContext(ctx, "refund failed, stake still escrowed",
		slog.String("participant", e.participant.ID),
		slog.String("match_id", e.ticket.MatchID),
		slog.String("error", cause.Error()),
	)
	c.emit(ctx, domain.NewEvent(domain.EventError, e.ticket.MatchID, []string{e.participant.ID}, map[string]any{
		"code":     domain.ErrorCode(domain.ErrTimeout),
		"message":  "matchmaking timed out; refund pending",
		"escrowed": true,
	}))
}

// onTerminal drops pool entries and paired tickets of ended matches.
func (c *Coordinator) onTerminal(snap domain.MatchSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.byMatch[snap.ID]; ok {
		c.removeLocked(e)
	}
	for _, p := range snap.Players {
		if t, ok := c.paired[p.Participant.ID]; ok && t.MatchID == snap.ID {
			delete(c.paired, p.Participant.ID)
		}
	}
}

func (c *Coordinator) stillWaiting(matchID string) bool {
	snap, err := c.sessions.Get(matchID)
	return err == nil && snap.Status == domain.StatusWaitingForOpponent
}

func (c *Coordinator) firstCompatible(key poolKey, participantID string) *entry {
	for _, e := range c.pool[key] {
		if e.participant.ID != participantID {
			return e
		}
	}
	return nil
}

func (c *Coordinator) insertLocked(e *entry, front bool) {
	key := poolKey{currency: e.ticket.Currency, stake: e.ticket.Stake.String()}
	if front {
		c.pool[key] = append([]*entry{e}, c.pool[key]...)
	} else {
		c.pool[key] = append(c.pool[key], e)
	}
	c.byParticipant[e.participant.ID] = e
	c.byMatch[e.ticket.MatchID] = e
}

func (c *Coordinator) removeLocked(e *entry) {
	key := poolKey{currency: e.ticket.Currency, stake: e.ticket.Stake.String()}
	entries := c.pool[key]
	for i, x := range entries {
		if x == e {
			c.pool[key] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(c.pool[key]) == 0 {
		delete(c.pool, key)
	}
	if c.byParticipant[e.participant.ID] == e {
		delete(c.byParticipant, e.participant.ID)
	}
	if c.byMatch[e.ticket.MatchID] == e {
		delete(c.byMatch, e.ticket.MatchID)
	}
}

func (c *Coordinator) emit(ctx context.Context, evt domain.Event) {
	if err := c.events.Emit(ctx, evt); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.WarnContext(ctx, "emit event failed",
			slog.String("type", string(evt.Type)),
			slog.String("error", err.Error()),
		)
	}
}
