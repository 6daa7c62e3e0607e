package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

// FinishedStream is the durable stream carrying match_finished facts.
const FinishedStream = "stream:match_finished"

// StreamSink appends match_finished facts to the durable stream. It
// satisfies session.FactSink.
type StreamSink struct {
	bus domain.SignalBus
}

// NewStreamSink creates a StreamSink on bus.
func NewStreamSink(bus domain.SignalBus) *StreamSink {
	return &StreamSink{bus: bus}
}

// AppendFinished encodes fact and appends it to FinishedStream.
func (s *StreamSink) AppendFinished(ctx context.Context, fact domain.MatchFinished) error {
	if err := s.bus.StreamAppend(ctx, FinishedStream, Encode(fact)); err != nil {
		return fmt.Errorf("history: append %s: %w", fact.MatchID, err)
	}
	return nil
}

// Config tunes the Recorder.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	DedupTTL     time.Duration
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		PollInterval: 500 * time.Millisecond,
		BatchSize:    100,
		DedupTTL:     time.Hour,
	}
}

// Recorder consumes FinishedStream and writes one history row per match.
// Entries are applied in stream order and the cursor only advances past an
// entry once it has been stored.
type Recorder struct {
	bus    domain.SignalBus
	store  domain.HistoryStore
	dedup  *Dedup
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	lastID   string
	recorded int64
}

// NewRecorder creates a Recorder reading from the start of the stream.
func NewRecorder(bus domain.SignalBus, store domain.HistoryStore, cfg Config, logger *slog.Logger) *Recorder {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = def.DedupTTL
	}
	return &Recorder{
		bus:    bus,
		store:  store,
		dedup:  NewDedup(cfg.DedupTTL),
		cfg:    cfg,
		logger: logger.With(slog.String("component", "history_recorder")),
		lastID: "0",
	}
}

// Run drains the stream every PollInterval until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "history recorder started",
		slog.Duration("poll_interval", r.cfg.PollInterval),
	)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	cleanup := time.NewTicker(r.cfg.DedupTTL)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cleanup.C:
			r.dedup.Cleanup()
		case <-ticker.C:
			for {
				n, err := r.Drain(ctx)
				if err != nil {
					r.logger.WarnContext(ctx, "history drain failed",
						slog.String("error", err.Error()),
					)
					break
				}
				if n < r.cfg.BatchSize {
					break
				}
			}
		}
	}
}

// Drain processes one batch and returns how many stream entries it consumed.
func (r *Recorder) Drain(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msgs, err := r.bus.StreamRead(ctx, FinishedStream, r.lastID, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("history: read stream: %w", err)
	}

	for i, msg := range msgs {
		if err := r.apply(ctx, msg); err != nil {
			return i, err
		}
		r.lastID = msg.ID
	}
	return len(msgs), nil
}

func (r *Recorder) apply(ctx context.Context, msg domain.StreamMessage) error {
	fact, err := Decode(msg.Payload)
	if err != nil {
		// A malformed entry can never succeed; skip it.
		r.logger.ErrorContext(ctx, "dropping undecodable history entry",
			slog.String("stream_id", msg.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if r.dedup.Seen(fact.MatchID) {
		return nil
	}

	inserted, err := r.store.Record(ctx, fact)
	if err != nil {
		r.dedup.Forget(fact.MatchID)
		return fmt.Errorf("history: record %s: %w", fact.MatchID, err)
	}
	if inserted {
		r.recorded++
		r.logger.DebugContext(ctx, "history recorded",
			slog.String("match_id", fact.MatchID),
			slog.String("status", string(fact.Status)),
		)
	}
	return nil
}

// Recorded returns the number of rows this Recorder inserted.
func (r *Recorder) Recorded() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recorded
}
