// Package detector discovers new listings from the exchange calendar and
// from diffs of the live symbol list.
package detector

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mexc-sniper/trading-backend/internal/exchange"
	"github.com/mexc-sniper/trading-backend/internal/storage"
	"github.com/mexc-sniper/trading-backend/pkg/types"
)

const (
	// calendarHorizon bounds how far ahead calendar entries are ingested.
	calendarHorizon = 7 * 24 * time.Hour
	// calendarFreshness keeps a calendar signal tradable for a short window
	// after the pair opens.
	calendarFreshness = 5 * time.Minute
	// diffFreshness is the tradable window for a symbol-diff signal.
	diffFreshness = 60 * time.Second
	// dedupWindow suppresses duplicate writes for the same symbol and source.
	dedupWindow = 60 * time.Second
	// symbolDiffPeriod is fixed; the calendar period follows the config.
	symbolDiffPeriod = 5 * time.Second
	// tradeLead lets an order hit the book the moment trading opens.
	tradeLead = 5 * time.Second
)

// Detector runs the calendar poller and the symbol-diff poller, each on its
// own ticker. Signals land in the store; the orchestrator consumes them.
type Detector struct {
	logger *zap.Logger
	api    exchange.API
	store  storage.Store

	calendarPeriod time.Duration

	mu           sync.Mutex
	running      bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	knownVcoins  map[string]bool
	knownSymbols map[string]bool
	primed       bool
	nowFn        func() time.Time
}

// NewDetector creates a detector polling the calendar at calendarPeriod.
func NewDetector(logger *zap.Logger, api exchange.API, store storage.Store, calendarPeriod time.Duration) *Detector {
	if calendarPeriod <= 0 {
		calendarPeriod = 5 * time.Second
	}
	return &Detector{
		logger:         logger.Named("listing-detector"),
		api:            api,
		store:          store,
		calendarPeriod: calendarPeriod,
		knownVcoins:    make(map[string]bool),
		knownSymbols:   make(map[string]bool),
		nowFn:          time.Now,
	}
}

// Initialize primes the symbol snapshot so the first diff pass does not
// flood the store with every listed pair.
func (d *Detector) Initialize(ctx context.Context) error {
	rules, err := d.api.GetExchangeInfo(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	for _, r := range rules {
		d.knownSymbols[r.Symbol] = true
	}
	d.primed = true
	d.mu.Unlock()
	d.logger.Info("symbol snapshot primed", zap.Int("symbols", len(rules)))
	return nil
}

// Start launches both pollers. Idempotent while running.
func (d *Detector) Start(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	ctx, d.cancel = context.WithCancel(ctx)
	d.mu.Unlock()

	d.wg.Add(2)
	go d.loop(ctx, d.calendarPeriod, d.pollCalendar)
	go d.loop(ctx, symbolDiffPeriod, d.pollSymbolDiff)
	d.logger.Info("detector started", zap.Duration("calendarPeriod", d.calendarPeriod))
}

// Stop cancels both pollers and waits for them to exit.
func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	d.mu.Unlock()

	cancel()
	d.wg.Wait()
	d.logger.Info("detector stopped")
}

func (d *Detector) loop(ctx context.Context, period time.Duration, poll func(context.Context)) {
	defer d.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll(ctx)
		}
	}
}

// pollCalendar ingests upcoming listings within the horizon. One signal per
// vcoin; the freshness deadline extends past the open so the sniper can
// still act if the first attempt slips.
func (d *Detector) pollCalendar(ctx context.Context) {
	entries, err := d.api.GetCalendar(ctx)
	if err != nil {
		d.logger.Warn("calendar poll failed", zap.Error(err))
		return
	}

	now := d.nowFn().UTC()
	for _, entry := range entries {
		if entry.FirstOpenTime.Before(now) || entry.FirstOpenTime.After(now.Add(calendarHorizon)) {
			continue
		}
		d.mu.Lock()
		seen := d.knownVcoins[entry.VcoinID]
		d.mu.Unlock()
		if seen {
			continue
		}

		event := &types.ListingEvent{
			ID:                uuid.NewString(),
			Symbol:            entry.Symbol(),
			VcoinID:           entry.VcoinID,
			DetectionSource:   types.SourceCalendar,
			Confidence:        types.ConfidenceHigh,
			ListingTime:       entry.FirstOpenTime,
			DetectedAt:        now,
			FreshnessDeadline: entry.FirstOpenTime.Add(calendarFreshness),
		}
		if d.writeSignal(ctx, event) {
			d.mu.Lock()
			d.knownVcoins[entry.VcoinID] = true
			d.mu.Unlock()
		}
	}
}

// pollSymbolDiff compares the live symbol list against the previous
// snapshot. New symbols are tradable immediately but only briefly.
func (d *Detector) pollSymbolDiff(ctx context.Context) {
	rules, err := d.api.GetExchangeInfo(ctx)
	if err != nil {
		d.logger.Warn("symbol poll failed", zap.Error(err))
		return
	}

	now := d.nowFn().UTC()
	current := make(map[string]bool, len(rules))
	for _, r := range rules {
		current[r.Symbol] = true
	}

	d.mu.Lock()
	primed := d.primed
	var fresh []string
	if primed {
		for s := range current {
			if !d.knownSymbols[s] {
				fresh = append(fresh, s)
			}
		}
	}
	d.knownSymbols = current
	d.primed = true
	d.mu.Unlock()

	if !primed {
		return
	}

	for _, symbol := range fresh {
		event := &types.ListingEvent{
			ID:                uuid.NewString(),
			Symbol:            symbol,
			DetectionSource:   types.SourceSymbolComparison,
			Confidence:        types.ConfidenceMedium,
			ListingTime:       now,
			DetectedAt:        now,
			FreshnessDeadline: now.Add(diffFreshness),
		}
		d.writeSignal(ctx, event)
	}
}

// writeSignal persists the event unless the same symbol+source was already
// recorded within the dedup window. Returns true when the event was written.
func (d *Detector) writeSignal(ctx context.Context, event *types.ListingEvent) bool {
	recent, err := d.store.RecentListingEvents(ctx, event.Symbol, event.DetectedAt.Add(-dedupWindow))
	if err != nil {
		d.logger.Warn("dedup query failed", zap.Error(err))
		return false
	}
	for _, r := range recent {
		if r.DetectionSource == event.DetectionSource {
			return false
		}
	}

	if err := d.store.AppendListingEvent(ctx, event); err != nil {
		d.logger.Error("failed to persist listing event", zap.Error(err))
		return false
	}
	d.logger.Info("listing detected",
		zap.String("symbol", event.Symbol),
		zap.String("source", string(event.DetectionSource)),
		zap.String("confidence", string(event.Confidence)),
		zap.Time("listingTime", event.ListingTime))
	listingSignals.WithLabelValues(string(event.DetectionSource)).Inc()
	return true
}

// Ready reports whether a calendar signal's pair opens within the lead
// window, so the buy lands as trading begins.
func Ready(event *types.ListingEvent, now time.Time) bool {
	if event.DetectionSource == types.SourceSymbolComparison {
		return true
	}
	return !event.ListingTime.After(now.Add(tradeLead))
}
