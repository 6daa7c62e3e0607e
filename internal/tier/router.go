// Package tier routes match operations between a low-latency fast tier and
// the durable tier of record.
package tier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

// Config holds router tunables.
type Config struct {
	ProbeInterval   time.Duration
	LatencyBudget   time.Duration
	CommitAttempts  int
	CommitBaseDelay time.Duration
	CommitMaxDelay  time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ProbeInterval:   30 * time.Second,
		LatencyBudget:   500 * time.Millisecond,
		CommitAttempts:  8,
		CommitBaseDelay: 200 * time.Millisecond,
		CommitMaxDelay:  10 * time.Second,
	}
}

// Router applies operations to the fast or durable tier according to health
// and operation kind. Fund-moving operations always land on durable.
type Router struct {
	durable domain.ExecutionTier
	fast    domain.ExecutionTier
	journal domain.TierJournal

	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	health map[domain.TierName]domain.TierHealth

	// fastOps records what the fast tier accepted per match so Commit can
	// tell a complete journal from one the fast tier expired or lost.
	opsMu   sync.Mutex
	fastOps map[string]map[opKey]struct{}
}

// NewRouter creates a Router. fast may be nil, in which case every operation
// is applied to durable. A fast tier that also implements domain.TierJournal
// is committed to durable by Commit.
func NewRouter(durable, fast domain.ExecutionTier, cfg Config, logger *slog.Logger) *Router {
	def := DefaultConfig()
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.LatencyBudget <= 0 {
		cfg.LatencyBudget = def.LatencyBudget
	}
	if cfg.CommitAttempts <= 0 {
		cfg.CommitAttempts = def.CommitAttempts
	}
	if cfg.CommitBaseDelay <= 0 {
		cfg.CommitBaseDelay = def.CommitBaseDelay
	}
	if cfg.CommitMaxDelay <= 0 {
		cfg.CommitMaxDelay = def.CommitMaxDelay
	}

	r := &Router{
		durable: durable,
		fast:    fast,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "tier_router")),
		health:  make(map[domain.TierName]domain.TierHealth),
		fastOps: make(map[string]map[opKey]struct{}),
	}
	if j, ok := fast.(domain.TierJournal); ok {
		r.journal = j
	}

	// Tiers start healthy until the first probe says otherwise.
	for _, t := range r.tiers() {
		r.health[t.Name()] = domain.TierHealth{Tier: t.Name(), Healthy: true}
	}
	return r
}

func (r *Router) tiers() []domain.ExecutionTier {
	if r.fast == nil {
		return []domain.ExecutionTier{r.durable}
	}
	return []domain.ExecutionTier{r.fast, r.durable}
}

// Execute applies op. Settlement operations and calls without preferFast go
// straight to durable. A fast-tier failure marks it unhealthy and falls back
// to durable. A durable failure is fatal.
func (r *Router) Execute(ctx context.Context, op domain.Operation, preferFast bool) (domain.TierResult, error) {
	useFast := r.fast != nil && preferFast && !op.Kind.FundMoving() && r.SelectTier() == r.fast.Name()

	fallback := false
	if useFast {
		lat, err := apply(ctx, r.fast, op)
		if err == nil {
			r.recordFast(op)
			return domain.TierResult{Tier: r.fast.Name(), Latency: lat}, nil
		}
		r.markUnhealthy(r.fast.Name(), err)
		r.logger.WarnContext(ctx, "fast tier failed, falling back to durable",
			slog.String("match_id", op.MatchID),
			slog.String("op", string(op.Kind)),
			slog.String("error", err.Error()),
		)
		fallback = true
	}

	lat, err := apply(ctx, r.durable, op)
	if err != nil {
		r.markUnhealthy(r.durable.Name(), err)
		r.logger.ErrorContext(ctx, "durable tier failed",
			slog.String("match_id", op.MatchID),
			slog.String("op", string(op.Kind)),
			slog.String("error", err.Error()),
		)
		return domain.TierResult{}, fmt.Errorf("tier: execute %s for %s: %w: %w: %w",
			op.Kind, op.MatchID, domain.ErrFatal, domain.ErrTierUnavailable, err)
	}
	return domain.TierResult{Tier: r.durable.Name(), Latency: lat, Fallback: fallback}, nil
}

// SelectTier returns the healthy tier with the lowest probed latency. With no
// healthy tier it returns durable.
func (r *Router) SelectTier() domain.TierName {
	r.mu.RLock()
	defer r.mu.RUnlock()

	best := r.durable.Name()
	var bestLat time.Duration
	found := false
	for _, t := range r.tiers() {
		h := r.health[t.Name()]
		if !h.Healthy {
			continue
		}
		if !found || h.Latency < bestLat {
			best, bestLat, found = t.Name(), h.Latency, true
		}
	}
	return best
}

// Health returns the latest probe result for every tier.
func (r *Router) Health() []domain.TierHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.TierHealth, 0, len(r.health))
	for _, t := range r.tiers() {
		out = append(out, r.health[t.Name()])
	}
	return out
}

// Run probes every tier each ProbeInterval until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "tier probe started",
		slog.Duration("interval", r.cfg.ProbeInterval),
		slog.Duration("latency_budget", r.cfg.LatencyBudget),
	)
	r.Probe(ctx)

	ticker := time.NewTicker(r.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Probe(ctx)
		}
	}
}

// Probe health-checks every tier once. A tier is healthy when its check
// succeeds within LatencyBudget.
func (r *Router) Probe(ctx context.Context) {
	for _, t := range r.tiers() {
		probeCtx, cancel := context.WithTimeout(ctx, r.cfg.LatencyBudget)
		start := time.Now()
		err := t.HealthCheck(probeCtx)
		lat := time.Since(start)
		cancel()

		h := domain.TierHealth{
			Tier:        t.Name(),
			Healthy:     err == nil && lat <= r.cfg.LatencyBudget,
			Latency:     lat,
			LastChecked: time.Now().UTC(),
		}
		if err != nil {
			h.LastError = err.Error()
		} else if !h.Healthy {
			h.LastError = fmt.Sprintf("latency %s over budget %s", lat, r.cfg.LatencyBudget)
		}

		r.mu.Lock()
		prev := r.health[t.Name()]
		r.health[t.Name()] = h
		r.mu.Unlock()

		if prev.Healthy != h.Healthy {
			r.logger.InfoContext(ctx, "tier health changed",
				slog.String("tier", string(h.Tier)),
				slog.Bool("healthy", h.Healthy),
				slog.Duration("latency", h.Latency),
				slog.String("last_error", h.LastError),
			)
		}
	}
}

// Commit replays the fast tier's journal for matchID onto durable and then
// discards the fast state. It retries with exponential backoff and returns
// nil only once durable has accepted every operation. A journal missing
// operations the fast tier accepted fails with domain.ErrTierUnavailable
// without retrying.
func (r *Router) Commit(ctx context.Context, matchID string) error {
	if r.journal == nil {
		return nil
	}

	b := newBackoff(r.cfg.CommitBaseDelay, r.cfg.CommitMaxDelay)
	var lastErr error
	for attempt := 1; attempt <= r.cfg.CommitAttempts; attempt++ {
		n, err := r.commitOnce(ctx, matchID)
		if err == nil {
			r.logger.InfoContext(ctx, "match committed to durable tier",
				slog.String("match_id", matchID),
				slog.Int("operations", n),
				slog.Int("attempt", attempt),
			)
			return nil
		}
		lastErr = err
		if errors.Is(err, errJournalIncomplete) {
			r.logger.ErrorContext(ctx, "fast tier journal incomplete",
				slog.String("match_id", matchID),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("tier: commit %s: %w", matchID, err)
		}
		if attempt == r.cfg.CommitAttempts {
			break
		}

		delay := b.next()
		r.logger.WarnContext(ctx, "commit failed, retrying",
			slog.String("match_id", matchID),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if err := sleep(ctx, delay); err != nil {
			return fmt.Errorf("tier: commit %s: %w", matchID, err)
		}
	}
	return fmt.Errorf("tier: commit %s after %d attempts: %w", matchID, r.cfg.CommitAttempts, lastErr)
}

func (r *Router) commitOnce(ctx context.Context, matchID string) (int, error) {
	ops, err := r.journal.Operations(ctx, matchID)
	if err != nil {
		return 0, fmt.Errorf("read journal: %w", err)
	}
	if missing := r.missingFrom(matchID, ops); missing > 0 {
		return 0, fmt.Errorf("%w: %d of %d operations gone: %w",
			errJournalIncomplete, missing, missing+len(ops), domain.ErrTierUnavailable)
	}
	for _, op := range ops {
		if _, err := apply(ctx, r.durable, op); err != nil {
			r.markUnhealthy(r.durable.Name(), err)
			return 0, fmt.Errorf("replay %s round %d: %w: %w", op.Kind, op.Round, domain.ErrTierUnavailable, err)
		}
	}
	if err := r.journal.Discard(ctx, matchID); err != nil {
		return 0, fmt.Errorf("discard journal: %w", err)
	}
	r.opsMu.Lock()
	delete(r.fastOps, matchID)
	r.opsMu.Unlock()
	return len(ops), nil
}

var errJournalIncomplete = errors.New("fast tier journal incomplete")

func (r *Router) recordFast(op domain.Operation) {
	r.opsMu.Lock()
	defer r.opsMu.Unlock()
	set, ok := r.fastOps[op.MatchID]
	if !ok {
		set = make(map[opKey]struct{})
		r.fastOps[op.MatchID] = set
	}
	set[keyOf(op)] = struct{}{}
}

// missingFrom counts operations the fast tier accepted for matchID that the
// journal no longer holds.
func (r *Router) missingFrom(matchID string, ops []domain.Operation) int {
	r.opsMu.Lock()
	defer r.opsMu.Unlock()
	want := r.fastOps[matchID]
	if len(want) == 0 {
		return 0
	}
	have := make(map[opKey]struct{}, len(ops))
	for _, op := range ops {
		have[keyOf(op)] = struct{}{}
	}
	missing := 0
	for k := range want {
		if _, ok := have[k]; !ok {
			missing++
		}
	}
	return missing
}

func (r *Router) markUnhealthy(name domain.TierName, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.health[name]
	h.Tier = name
	h.Healthy = false
	h.LastError = cause.Error()
	h.LastChecked = time.Now().UTC()
	r.health[name] = h
}

func apply(ctx context.Context, t domain.ExecutionTier, op domain.Operation) (time.Duration, error) {
	start := time.Now()
	var err error
	switch op.Kind {
	case domain.OpMoveCommitment:
		err = t.ApplyMoveCommitment(ctx, op)
	case domain.OpReveal:
		err = t.ApplyReveal(ctx, op)
	case domain.OpSettlement:
		err = t.ApplySettlement(ctx, op)
	default:
		return 0, fmt.Errorf("unknown operation %q: %w", op.Kind, domain.ErrValidation)
	}
	return time.Since(start), err
}
