package exchange

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mexc-sniper/trading-backend/pkg/types"
)

// RulesCache caches per-symbol trading rules with a TTL. The map is replaced
// atomically on refresh so readers never observe a half-filled snapshot.
type RulesCache struct {
	logger *zap.Logger
	api    API
	ttl    time.Duration

	mu        sync.RWMutex
	rules     map[string]types.ExchangeRules
	fetchedAt time.Time

	refreshMu sync.Mutex // serializes refreshes, not reads
	nowFn     func() time.Time
}

// NewRulesCache creates a cache with a 1 hour TTL.
func NewRulesCache(logger *zap.Logger, api API) *RulesCache {
	return &RulesCache{
		logger: logger.Named("rules-cache"),
		api:    api,
		ttl:    time.Hour,
		nowFn:  time.Now,
	}
}

// GetRules returns the rules for symbol, refreshing the cache on miss or
// staleness. The second return is false when the exchange does not know the
// symbol even after a refresh.
func (rc *RulesCache) GetRules(ctx context.Context, symbol string) (types.ExchangeRules, bool, error) {
	if r, ok := rc.lookup(symbol); ok {
		return r, true, nil
	}

	if err := rc.Refresh(ctx); err != nil {
		return types.ExchangeRules{}, false, err
	}

	r, ok := rc.lookup(symbol)
	return r, ok, nil
}

// lookup reads the cache if it is warm and fresh.
func (rc *RulesCache) lookup(symbol string) (types.ExchangeRules, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if rc.rules == nil || rc.nowFn().Sub(rc.fetchedAt) > rc.ttl {
		return types.ExchangeRules{}, false
	}
	r, ok := rc.rules[symbol]
	return r, ok
}

// Refresh replaces the whole cache from getExchangeInfo. Concurrent callers
// coalesce: whoever loses the race reuses the winner's snapshot.
func (rc *RulesCache) Refresh(ctx context.Context) error {
	rc.refreshMu.Lock()
	defer rc.refreshMu.Unlock()

	// Another goroutine may have refreshed while we waited.
	rc.mu.RLock()
	fresh := rc.rules != nil && rc.nowFn().Sub(rc.fetchedAt) <= rc.ttl
	rc.mu.RUnlock()
	if fresh {
		return nil
	}

	all, err := rc.api.GetExchangeInfo(ctx)
	if err != nil {
		return err
	}

	next := make(map[string]types.ExchangeRules, len(all))
	for _, r := range all {
		next[r.Symbol] = r
	}

	rc.mu.Lock()
	rc.rules = next
	rc.fetchedAt = rc.nowFn()
	rc.mu.Unlock()

	rc.logger.Debug("exchange rules refreshed", zap.Int("symbols", len(next)))
	return nil
}

// Symbols returns the cached symbol set without triggering a refresh.
func (rc *RulesCache) Symbols() []string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make([]string, 0, len(rc.rules))
	for s := range rc.rules {
		out = append(out, s)
	}
	return out
}
