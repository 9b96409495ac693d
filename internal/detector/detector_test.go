package detector

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mexc-sniper/trading-backend/internal/exchange/exchangetest"
	"github.com/mexc-sniper/trading-backend/internal/storage"
	"github.com/mexc-sniper/trading-backend/pkg/types"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	store, err := storage.Open(zap.NewNop(), dsn, 5*time.Second)
	require.NoError(t, err)
	return store
}

func rulesFor(symbols ...string) []types.ExchangeRules {
	out := make([]types.ExchangeRules, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, types.ExchangeRules{Symbol: s, Status: types.SymbolEnabled})
	}
	return out
}

func TestCalendarPollWritesSignal(t *testing.T) {
	store := newTestStore(t)
	fake := exchangetest.NewFake()
	now := time.Now().UTC()
	open := now.Add(2 * time.Hour)
	fake.GetCalendarFn = func(ctx context.Context) ([]types.CalendarEntry, error) {
		return []types.CalendarEntry{{
			VcoinID: "vc-1", VcoinName: "NEW", VcoinNameFull: "NewCoin", FirstOpenTime: open,
		}}, nil
	}

	d := NewDetector(zap.NewNop(), fake, store, time.Second)
	d.nowFn = func() time.Time { return now }
	d.pollCalendar(context.Background())

	events, err := store.UnprocessedSignals(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, events, 1)
	e := events[0]
	require.Equal(t, "NEWUSDT", e.Symbol)
	require.Equal(t, types.SourceCalendar, e.DetectionSource)
	require.Equal(t, types.ConfidenceHigh, e.Confidence)
	require.WithinDuration(t, open.Add(5*time.Minute), e.FreshnessDeadline, time.Second)

	// A second pass must not duplicate the vcoin.
	d.pollCalendar(context.Background())
	events, err = store.UnprocessedSignals(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestCalendarPollSkipsOutOfWindowEntries(t *testing.T) {
	store := newTestStore(t)
	fake := exchangetest.NewFake()
	now := time.Now().UTC()
	fake.GetCalendarFn = func(ctx context.Context) ([]types.CalendarEntry, error) {
		return []types.CalendarEntry{
			{VcoinID: "vc-past", VcoinName: "OLD", FirstOpenTime: now.Add(-time.Hour)},
			{VcoinID: "vc-far", VcoinName: "FAR", FirstOpenTime: now.Add(8 * 24 * time.Hour)},
		}, nil
	}

	d := NewDetector(zap.NewNop(), fake, store, time.Second)
	d.nowFn = func() time.Time { return now }
	d.pollCalendar(context.Background())

	events, err := store.UnprocessedSignals(context.Background(), now)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestSymbolDiffDetectsNewListing(t *testing.T) {
	store := newTestStore(t)
	fake := exchangetest.NewFake()
	now := time.Now().UTC()

	symbols := rulesFor("BTCUSDT", "ETHUSDT")
	fake.GetExchangeInfoFn = func(ctx context.Context) ([]types.ExchangeRules, error) {
		return symbols, nil
	}

	d := NewDetector(zap.NewNop(), fake, store, time.Second)
	d.nowFn = func() time.Time { return now }
	require.NoError(t, d.Initialize(context.Background()))

	// Nothing new on the first diff pass.
	d.pollSymbolDiff(context.Background())
	events, err := store.UnprocessedSignals(context.Background(), now)
	require.NoError(t, err)
	require.Empty(t, events)

	symbols = rulesFor("BTCUSDT", "ETHUSDT", "NEWUSDT")
	d.pollSymbolDiff(context.Background())

	events, err = store.UnprocessedSignals(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, events, 1)
	e := events[0]
	require.Equal(t, "NEWUSDT", e.Symbol)
	require.Equal(t, types.SourceSymbolComparison, e.DetectionSource)
	require.Equal(t, types.ConfidenceMedium, e.Confidence)
	require.WithinDuration(t, now.Add(60*time.Second), e.FreshnessDeadline, time.Second)
}

func TestSymbolDiffFirstPassPrimesWithoutFlood(t *testing.T) {
	store := newTestStore(t)
	fake := exchangetest.NewFake()
	now := time.Now().UTC()
	fake.GetExchangeInfoFn = func(ctx context.Context) ([]types.ExchangeRules, error) {
		return rulesFor("BTCUSDT", "ETHUSDT", "SOLUSDT"), nil
	}

	// No Initialize call: the first diff pass itself must only prime.
	d := NewDetector(zap.NewNop(), fake, store, time.Second)
	d.nowFn = func() time.Time { return now }
	d.pollSymbolDiff(context.Background())

	events, err := store.UnprocessedSignals(context.Background(), now)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestDedupSuppressesSameSourceWithinWindow(t *testing.T) {
	store := newTestStore(t)
	fake := exchangetest.NewFake()
	now := time.Now().UTC()

	existing := &types.ListingEvent{
		ID: uuid.NewString(), Symbol: "NEWUSDT", DetectionSource: types.SourceSymbolComparison,
		Confidence: types.ConfidenceMedium, ListingTime: now, DetectedAt: now.Add(-30 * time.Second),
		FreshnessDeadline: now.Add(30 * time.Second),
	}
	require.NoError(t, store.AppendListingEvent(context.Background(), existing))

	d := NewDetector(zap.NewNop(), fake, store, time.Second)
	d.nowFn = func() time.Time { return now }

	dup := &types.ListingEvent{
		ID: uuid.NewString(), Symbol: "NEWUSDT", DetectionSource: types.SourceSymbolComparison,
		Confidence: types.ConfidenceMedium, ListingTime: now, DetectedAt: now,
		FreshnessDeadline: now.Add(60 * time.Second),
	}
	require.False(t, d.writeSignal(context.Background(), dup))

	// A different source for the same symbol is not a duplicate.
	cal := &types.ListingEvent{
		ID: uuid.NewString(), Symbol: "NEWUSDT", DetectionSource: types.SourceCalendar,
		Confidence: types.ConfidenceHigh, ListingTime: now, DetectedAt: now,
		FreshnessDeadline: now.Add(5 * time.Minute),
	}
	require.True(t, d.writeSignal(context.Background(), cal))
}

func TestReadyBoundary(t *testing.T) {
	now := time.Now().UTC()

	calendar := func(open time.Time) *types.ListingEvent {
		return &types.ListingEvent{
			Symbol: "NEWUSDT", DetectionSource: types.SourceCalendar, ListingTime: open,
		}
	}

	// Opens 4s from now: inside the 5s lead.
	require.True(t, Ready(calendar(now.Add(4*time.Second)), now))
	// Opens 6s from now: not yet.
	require.False(t, Ready(calendar(now.Add(6*time.Second)), now))
	// Already open.
	require.True(t, Ready(calendar(now.Add(-time.Minute)), now))

	// Symbol-diff signals are tradable immediately.
	diff := &types.ListingEvent{Symbol: "NEWUSDT", DetectionSource: types.SourceSymbolComparison}
	require.True(t, Ready(diff, now))
}
