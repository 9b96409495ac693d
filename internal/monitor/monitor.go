// Package monitor watches open positions and decides when to exit.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mexc-sniper/trading-backend/internal/exchange"
	"github.com/mexc-sniper/trading-backend/internal/storage"
	"github.com/mexc-sniper/trading-backend/internal/tracker"
	"github.com/mexc-sniper/trading-backend/pkg/types"
)

const monitorPeriod = 2 * time.Second

// SellIntent asks the orchestrator to exit a position.
type SellIntent struct {
	Symbol   string
	Quantity decimal.Decimal
	Reason   types.SellReason
}

// SellFunc executes a sell intent. Errors are logged at the loop boundary.
type SellFunc func(ctx context.Context, intent SellIntent) error

// Monitor evaluates sell conditions for every open position on a fixed tick.
type Monitor struct {
	logger    *zap.Logger
	api       exchange.API
	store     storage.Store
	positions *tracker.Tracker
	sell      SellFunc

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	done       chan struct{}
	stream     *exchange.TickerStream
	subscribed map[string]bool
	nowFn      func() time.Time
}

// NewMonitor creates a stopped monitor.
func NewMonitor(logger *zap.Logger, api exchange.API, store storage.Store,
	positions *tracker.Tracker, sell SellFunc) *Monitor {
	return &Monitor{
		logger:     logger.Named("position-monitor"),
		api:        api,
		store:      store,
		positions:  positions,
		sell:       sell,
		subscribed: make(map[string]bool),
		nowFn:      time.Now,
	}
}

// AttachStream enables the WebSocket price fast path. The monitor keeps the
// stream's subscription set aligned with the open positions.
func (m *Monitor) AttachStream(stream *exchange.TickerStream) {
	m.mu.Lock()
	m.stream = stream
	m.mu.Unlock()
}

// StartMonitoring launches the loop. Fails when already running.
func (m *Monitor) StartMonitoring(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return types.NewError(types.ErrKindInternal, types.CodeMonitorRunning,
			"position monitor is already running")
	}
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx)
	m.logger.Info("position monitoring started")
	return nil
}

// StopMonitoring cancels the loop and waits for it to exit. Idempotent.
func (m *Monitor) StopMonitoring() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()
	<-done
	m.logger.Info("position monitoring stopped")
}

// Running reports whether the loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(monitorPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick refreshes prices and fires at most one sell per position per pass.
// Failures never kill the loop.
func (m *Monitor) tick(ctx context.Context) {
	positions := m.positions.Snapshot(ctx)
	m.syncSubscriptions(positions)
	if len(positions) == 0 {
		return
	}

	cfg, err := m.store.SelectActiveConfig(ctx)
	if err != nil {
		if err != storage.ErrNotFound {
			m.logger.Warn("active config lookup failed", zap.Error(err))
		}
		return
	}

	now := m.nowFn().UTC()
	for _, pos := range positions {
		price := pos.CurrentPrice
		if ticker, err := m.api.GetTicker(ctx, pos.Symbol); err == nil && ticker.Price.IsPositive() {
			price = ticker.Price
			m.positions.UpdatePosition(pos.Symbol, nil, &price)
			pos.CurrentPrice = price
		}

		reason, hit := Evaluate(pos, cfg, now)
		if !hit {
			continue
		}

		m.logger.Info("sell condition met",
			zap.String("symbol", pos.Symbol),
			zap.String("reason", string(reason)),
			zap.String("entryPrice", pos.EntryPrice.String()),
			zap.String("currentPrice", price.String()))

		if err := m.sell(ctx, SellIntent{Symbol: pos.Symbol, Quantity: pos.Quantity, Reason: reason}); err != nil {
			m.logger.Error("sell failed",
				zap.String("symbol", pos.Symbol),
				zap.String("reason", string(reason)),
				zap.Error(err))
		}
	}
}

// syncSubscriptions keeps the ticker stream watching exactly the open
// position symbols.
func (m *Monitor) syncSubscriptions(positions []*types.Position) {
	m.mu.Lock()
	stream := m.stream
	m.mu.Unlock()
	if stream == nil {
		return
	}

	open := make(map[string]bool, len(positions))
	for _, p := range positions {
		open[p.Symbol] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for symbol := range open {
		if !m.subscribed[symbol] {
			stream.Subscribe(symbol)
			m.subscribed[symbol] = true
		}
	}
	for symbol := range m.subscribed {
		if !open[symbol] {
			stream.Unsubscribe(symbol)
			delete(m.subscribed, symbol)
		}
	}
}

// Evaluate applies the configured sell strategy to one position. Thresholds
// are inclusive. COMBINED checks profit target, then stop loss, then the
// time exit, and reports the first condition met. TRAILING_STOP is declared
// in configurations but has no exit rule yet and never fires.
func Evaluate(pos *types.Position, cfg *types.TradingConfiguration, now time.Time) (types.SellReason, bool) {
	one := decimal.NewFromInt(1)
	profitTarget := pos.EntryPrice.Mul(one.Add(bpsFraction(cfg.ProfitTargetBps)))
	stopLoss := pos.EntryPrice.Mul(one.Sub(bpsFraction(cfg.StopLossBps)))
	timeExitMet := cfg.TimeBasedExitMin > 0 &&
		!now.Before(pos.EntryTime.Add(time.Duration(cfg.TimeBasedExitMin)*time.Minute))

	switch cfg.SellStrategy {
	case types.SellStrategyProfitTarget:
		if pos.CurrentPrice.GreaterThanOrEqual(profitTarget) {
			return types.SellReasonProfitTarget, true
		}
	case types.SellStrategyStopLoss:
		if pos.CurrentPrice.LessThanOrEqual(stopLoss) {
			return types.SellReasonStopLoss, true
		}
	case types.SellStrategyTimeBased:
		if timeExitMet {
			return types.SellReasonTimeBased, true
		}
	case types.SellStrategyCombined:
		if pos.CurrentPrice.GreaterThanOrEqual(profitTarget) {
			return types.SellReasonProfitTarget, true
		}
		if pos.CurrentPrice.LessThanOrEqual(stopLoss) {
			return types.SellReasonStopLoss, true
		}
		if timeExitMet {
			return types.SellReasonTimeBased, true
		}
	case types.SellStrategyTrailingStop:
	}
	return "", false
}

func bpsFraction(bps int64) decimal.Decimal {
	return decimal.NewFromInt(bps).Div(decimal.NewFromInt(10000))
}
