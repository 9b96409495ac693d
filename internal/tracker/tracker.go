// Package tracker maintains the in-memory position book, rebuildable at any
// time from exchange balances plus the durable trade log.
package tracker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mexc-sniper/trading-backend/internal/exchange"
	"github.com/mexc-sniper/trading-backend/internal/storage"
	"github.com/mexc-sniper/trading-backend/pkg/types"
)

// quoteSuffixes are tried in order when mapping a pair symbol to its base
// asset.
var quoteSuffixes = []string{"USDT", "USDC", "BTC", "ETH", "BNB"}

// rebuildTTL bounds how stale the full snapshot may get before the next read
// triggers a rebuild.
const rebuildTTL = 5 * time.Second

// Tracker is the position book. Explicit mutations bypass the TTL; reads
// rebuild from balances and SUCCESS BUY rows when the snapshot has expired.
type Tracker struct {
	logger *zap.Logger
	api    exchange.API
	store  storage.Store

	mu        sync.Mutex
	positions map[string]*types.Position
	builtAt   time.Time
	nowFn     func() time.Time
}

// NewTracker creates an empty position book.
func NewTracker(logger *zap.Logger, api exchange.API, store storage.Store) *Tracker {
	return &Tracker{
		logger:    logger.Named("position-tracker"),
		api:       api,
		store:     store,
		positions: make(map[string]*types.Position),
		nowFn:     time.Now,
	}
}

// GetPosition returns the position for symbol, rebuilding the snapshot if
// stale.
func (t *Tracker) GetPosition(ctx context.Context, symbol string) (*types.Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeRebuild(ctx)
	p, ok := t.positions[symbol]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// Snapshot returns a copy of every open position, rebuilding if stale.
func (t *Tracker) Snapshot(ctx context.Context) []*types.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeRebuild(ctx)
	out := make([]*types.Position, 0, len(t.positions))
	for _, p := range t.positions {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// AddPosition inserts a position directly, marking the snapshot current so
// the new entry is not immediately overwritten by a rebuild.
func (t *Tracker) AddPosition(p *types.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p.Recalculate()
	t.positions[p.Symbol] = p
	t.builtAt = t.nowFn()
	t.logger.Info("position opened",
		zap.String("symbol", p.Symbol),
		zap.String("quantity", p.Quantity.String()),
		zap.String("entryPrice", p.EntryPrice.String()))
}

// RemovePosition drops a position after a full exit.
func (t *Tracker) RemovePosition(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.positions, symbol)
	t.builtAt = t.nowFn()
}

// UpdatePosition adjusts quantity and/or current price, recomputing PnL.
// Nil fields are left unchanged.
func (t *Tracker) UpdatePosition(symbol string, quantity, currentPrice *decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[symbol]
	if !ok {
		return
	}
	if quantity != nil {
		p.Quantity = *quantity
	}
	if currentPrice != nil {
		p.CurrentPrice = *currentPrice
	}
	p.Recalculate()
}

// maybeRebuild refreshes the snapshot when empty or past the TTL. Callers
// hold the lock.
func (t *Tracker) maybeRebuild(ctx context.Context) {
	if len(t.positions) > 0 && t.nowFn().Sub(t.builtAt) <= rebuildTTL {
		return
	}
	if err := t.rebuild(ctx); err != nil {
		// Keep serving the previous snapshot rather than dropping positions.
		t.logger.Warn("position rebuild failed", zap.Error(err))
	}
}

// rebuild reconstructs the book: most recent SUCCESS BUY per symbol, kept
// only when the exchange still holds a free balance in the base asset.
func (t *Tracker) rebuild(ctx context.Context) error {
	buys, err := t.store.SelectOpenBuyOrders(ctx, 200)
	if err != nil {
		return err
	}
	account, err := t.api.GetAccount(ctx)
	if err != nil {
		return err
	}

	free := make(map[string]decimal.Decimal, len(account.Balances))
	for _, b := range account.Balances {
		if b.Free.IsPositive() {
			free[b.Asset] = b.Free
		}
	}

	next := make(map[string]*types.Position)
	for _, buy := range buys {
		// Rows come newest first; keep only the most recent buy per symbol.
		if _, seen := next[buy.Symbol]; seen {
			continue
		}
		base := baseAsset(buy.Symbol)
		if base == "" {
			continue
		}
		if _, held := free[base]; !held {
			continue
		}
		p := &types.Position{
			Symbol:          buy.Symbol,
			Quantity:        buy.ExecutedQuantity,
			EntryPrice:      buy.ExecutedPrice,
			EntryTime:       buy.CompletedAt,
			CurrentPrice:    buy.ExecutedPrice,
			BuyOrderID:      buy.OrderID,
			TradeAttemptID:  buy.ID,
			ListingEventID:  buy.ListingEventID,
			ConfigurationID: buy.ConfigurationID,
		}
		if ticker, err := t.api.GetTicker(ctx, buy.Symbol); err == nil && ticker.Price.IsPositive() {
			p.CurrentPrice = ticker.Price
		}
		p.Recalculate()
		next[buy.Symbol] = p
	}

	t.positions = next
	t.builtAt = t.nowFn()
	t.logger.Debug("position book rebuilt", zap.Int("positions", len(next)))
	return nil
}

// baseAsset strips the quote suffix from a pair symbol, or "" when no known
// suffix matches.
func baseAsset(symbol string) string {
	for _, q := range quoteSuffixes {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return strings.TrimSuffix(symbol, q)
		}
	}
	return ""
}
