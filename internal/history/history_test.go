package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/alanyoungcy/rpsarena/internal/cache/local"
	"github.com/alanyoungcy/rpsarena/internal/domain"
)

func sampleFact(id string) domain.MatchFinished {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return domain.MatchFinished{
		MatchID:     id,
		Player1:     "0xaaa",
		Player2:     "0xbbb",
		Winner:      "0xaaa",
		Currency:    domain.CurrencySOL,
		Stake:       decimal.RequireFromString("0.5"),
		Pot:         decimal.RequireFromString("1"),
		Fee:         decimal.RequireFromString("0.02"),
		Payout:      decimal.RequireFromString("0.98"),
		Status:      domain.GameCompleted,
		Reason:      domain.ReasonRoundsWon,
		Rounds:      4,
		StartedAt:   started,
		CompletedAt: started.Add(90 * time.Second),
	}
}

func TestCodecPreservesFact(t *testing.T) {
	in := sampleFact("m1")
	out, err := Decode(Encode(in))
	require.NoError(t, err)

	assert.Equal(t, in.MatchID, out.MatchID)
	assert.Equal(t, in.Winner, out.Winner)
	assert.Equal(t, in.Currency, out.Currency)
	assert.True(t, in.Payout.Equal(out.Payout))
	assert.True(t, in.Fee.Equal(out.Fee))
	assert.Equal(t, in.Rounds, out.Rounds)
	assert.True(t, in.CompletedAt.Equal(out.CompletedAt))
}

func TestCodecAbandonedWithoutOpponent(t *testing.T) {
	in := domain.MatchFinished{
		MatchID:  "m2",
		Player1:  "0xaaa",
		Currency: domain.CurrencyPoints,
		Stake:    decimal.NewFromInt(100),
		Pot:      decimal.NewFromInt(100),
		Fee:      decimal.Zero,
		Payout:   decimal.Zero,
		Status:   domain.GameAbandoned,
		Reason:   domain.ReasonCancelled,
	}
	out, err := Decode(Encode(in))
	require.NoError(t, err)
	assert.Empty(t, out.Player2)
	assert.Empty(t, out.Winner)
	assert.Equal(t, domain.GameAbandoned, out.Status)
	assert.True(t, out.StartedAt.IsZero())
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	b := Encode(sampleFact("m3"))
	b = protowire.AppendTag(b, 99, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, 7)

	out, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, "m3", out.MatchID)
}

func TestDecodeRejectsBadInput(t *testing.T) {
	_, err := Decode([]byte{0xff})
	assert.Error(t, err)

	_, err = Decode(nil)
	assert.ErrorIs(t, err, domain.ErrValidation)

	var b []byte
	b = protowire.AppendTag(b, fieldMatchID, protowire.BytesType)
	b = protowire.AppendString(b, "m4")
	b = protowire.AppendTag(b, fieldPayout, protowire.BytesType)
	b = protowire.AppendString(b, "lots")
	_, err = Decode(b)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

type fakeHistory struct {
	mu      sync.Mutex
	rows    map[string]domain.MatchFinished
	inserts int
	fail    error
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{rows: make(map[string]domain.MatchFinished)}
}

func (f *fakeHistory) Record(_ context.Context, fact domain.MatchFinished) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return false, f.fail
	}
	if _, ok := f.rows[fact.MatchID]; ok {
		return false, nil
	}
	f.rows[fact.MatchID] = fact
	f.inserts++
	return true, nil
}

func (f *fakeHistory) Get(_ context.Context, id string) (domain.MatchFinished, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return row, domain.ErrNotFound
	}
	return row, nil
}

func (f *fakeHistory) ListByParticipant(context.Context, string, domain.ListOpts) ([]domain.MatchFinished, error) {
	return nil, nil
}

func (f *fakeHistory) ListBefore(context.Context, time.Time) ([]domain.MatchFinished, error) {
	return nil, nil
}

func (f *fakeHistory) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func newTestRecorder(bus domain.SignalBus, store domain.HistoryStore) *Recorder {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRecorder(bus, store, Config{BatchSize: 10}, logger)
}

func TestRecorderWritesEachMatchOnce(t *testing.T) {
	ctx := context.Background()
	bus := local.NewSignalBus()
	store := newFakeHistory()
	sink := NewStreamSink(bus)
	rec := newTestRecorder(bus, store)

	require.NoError(t, sink.AppendFinished(ctx, sampleFact("m1")))
	require.NoError(t, sink.AppendFinished(ctx, sampleFact("m1")))
	require.NoError(t, sink.AppendFinished(ctx, sampleFact("m2")))

	n, err := rec.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 2, store.inserts)
	assert.EqualValues(t, 2, rec.Recorded())

	n, err = rec.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecorderRetriesAfterStoreFailure(t *testing.T) {
	ctx := context.Background()
	bus := local.NewSignalBus()
	store := newFakeHistory()
	rec := newTestRecorder(bus, store)

	require.NoError(t, NewStreamSink(bus).AppendFinished(ctx, sampleFact("m1")))

	store.setFail(errors.New("db down"))
	n, err := rec.Drain(ctx)
	require.Error(t, err)
	assert.Zero(t, n)

	store.setFail(nil)
	n, err = rec.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	row, err := store.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "0xaaa", row.Winner)
}

func TestRecorderSkipsMalformedEntries(t *testing.T) {
	ctx := context.Background()
	bus := local.NewSignalBus()
	store := newFakeHistory()
	rec := newTestRecorder(bus, store)

	require.NoError(t, bus.StreamAppend(ctx, FinishedStream, []byte{0xff, 0xff}))
	require.NoError(t, NewStreamSink(bus).AppendFinished(ctx, sampleFact("m9")))

	n, err := rec.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, store.inserts)
}

func TestDedupWindow(t *testing.T) {
	now := time.Unix(0, 0)
	d := NewDedup(time.Minute)
	d.now = func() time.Time { return now }

	assert.False(t, d.Seen("a"))
	assert.True(t, d.Seen("a"))

	d.Forget("a")
	assert.False(t, d.Seen("a"))

	now = now.Add(2 * time.Minute)
	d.Cleanup()
	assert.Zero(t, d.Len())
	assert.False(t, d.Seen("a"))
}
