package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mexc-sniper/trading-backend/internal/detector"
	"github.com/mexc-sniper/trading-backend/internal/exchange"
	"github.com/mexc-sniper/trading-backend/internal/exchange/exchangetest"
	"github.com/mexc-sniper/trading-backend/internal/execution"
	"github.com/mexc-sniper/trading-backend/internal/monitor"
	"github.com/mexc-sniper/trading-backend/internal/storage"
	"github.com/mexc-sniper/trading-backend/internal/tracker"
	"github.com/mexc-sniper/trading-backend/internal/workers"
	"github.com/mexc-sniper/trading-backend/pkg/types"
)

type orchestratorFixture struct {
	store storage.Store
	fake  *exchangetest.Fake
	orch  *Orchestrator
}

func newFixture(t *testing.T) *orchestratorFixture {
	t.Helper()
	logger := zap.NewNop()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	store, err := storage.Open(logger, dsn, 5*time.Second)
	require.NoError(t, err)

	fake := exchangetest.NewFake()
	fake.GetExchangeInfoFn = func(ctx context.Context) ([]types.ExchangeRules, error) {
		return []types.ExchangeRules{{
			Symbol:      "NEWUSDT",
			MinQty:      decimal.RequireFromString("0.1"),
			MaxQty:      decimal.RequireFromString("100000"),
			StepSize:    decimal.RequireFromString("0.1"),
			TickSize:    decimal.RequireFromString("0.001"),
			MinNotional: decimal.RequireFromString("1"),
			Status:      types.SymbolEnabled,
		}}, nil
	}
	fake.GetTickerFn = func(ctx context.Context, symbol string) (*types.Ticker, error) {
		return &types.Ticker{Symbol: symbol, Price: decimal.RequireFromString("0.5")}, nil
	}

	rules := exchange.NewRulesCache(logger, fake)
	validator := execution.NewOrderValidator(logger, rules)
	risk := execution.NewRiskManager(logger, execution.DefaultRiskConfig())
	safety := execution.NewSafetyChecker(logger, store)
	positions := tracker.NewTracker(logger, fake, store)
	exec := execution.NewExecutor(logger, fake, store, validator, risk, safety, positions)

	det := detector.NewDetector(logger, fake, store, 100*time.Millisecond)
	pool := workers.NewPool(logger, workers.DefaultPoolConfig("snipe-test"))
	var orch *Orchestrator
	mon := monitor.NewMonitor(logger, fake, store, positions,
		func(ctx context.Context, intent monitor.SellIntent) error {
			return orch.SellPosition(ctx, intent)
		})
	orch = NewOrchestrator(logger, store, det, mon, exec, risk, pool)

	return &orchestratorFixture{store: store, fake: fake, orch: orch}
}

func (f *orchestratorFixture) saveConfig(t *testing.T) *types.TradingConfiguration {
	t.Helper()
	now := time.Now().UTC()
	cfg := &types.TradingConfiguration{
		ID: "cfg-1", OperatorID: "op-1", EnabledPairs: []string{"NEWUSDT"},
		MaxPurchaseAmount:  decimal.RequireFromString("100"),
		DailySpendingLimit: decimal.RequireFromString("500"),
		MaxTradesPerHour:   10,
		PollingIntervalMs:  100,
		ProfitTargetBps:    500, StopLossBps: 200,
		SellStrategy: types.SellStrategyCombined,
		IsActive:     true,
		CreatedAt:    now, UpdatedAt: now,
	}
	require.NoError(t, f.store.SaveConfiguration(context.Background(), cfg))
	return cfg
}

func TestStartStopLifecycle(t *testing.T) {
	f := newFixture(t)
	f.saveConfig(t)
	ctx := context.Background()

	run, err := f.orch.StartTradingBot(ctx, "cfg-1", "op-1")
	require.NoError(t, err)
	require.Equal(t, types.RunStatusRunning, run.Status)

	st := f.orch.Status()
	require.True(t, st.IsRunning)
	require.NotNil(t, st.Run)

	persisted, err := f.store.GetBotRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, types.RunStatusRunning, persisted.Status)

	stopped, err := f.orch.StopTradingBot(ctx)
	require.NoError(t, err)
	require.Equal(t, types.RunStatusStopped, stopped.Status)
	require.False(t, stopped.StoppedAt.IsZero())

	persisted, err = f.store.GetBotRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, types.RunStatusStopped, persisted.Status)
	require.False(t, f.orch.Status().IsRunning)
}

func TestStartRejectsSecondRun(t *testing.T) {
	f := newFixture(t)
	f.saveConfig(t)
	ctx := context.Background()

	_, err := f.orch.StartTradingBot(ctx, "cfg-1", "op-1")
	require.NoError(t, err)
	defer f.orch.StopTradingBot(ctx)

	_, err = f.orch.StartTradingBot(ctx, "cfg-1", "op-1")
	require.Error(t, err)
	require.Equal(t, types.CodeBotAlreadyRunning, types.ErrCodeOf(err))
}

func TestStartUnknownConfiguration(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.StartTradingBot(context.Background(), "missing", "op-1")
	require.Error(t, err)
	require.Equal(t, types.CodeNoConfiguration, types.ErrCodeOf(err))
}

func TestStopWithoutRun(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.StopTradingBot(context.Background())
	require.Error(t, err)
	require.Equal(t, types.CodeBotNotRunning, types.ErrCodeOf(err))
}

func TestStopIdempotentAfterStopped(t *testing.T) {
	f := newFixture(t)
	f.saveConfig(t)
	ctx := context.Background()

	_, err := f.orch.StartTradingBot(ctx, "cfg-1", "op-1")
	require.NoError(t, err)
	first, err := f.orch.StopTradingBot(ctx)
	require.NoError(t, err)

	second, err := f.orch.StopTradingBot(ctx)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, types.RunStatusStopped, second.Status)
}

func TestManualTradeRequiresRunningBot(t *testing.T) {
	f := newFixture(t)
	f.saveConfig(t)
	ctx := context.Background()

	_, err := f.orch.ExecuteManualTrade(ctx, "NEWUSDT", types.OrderTypeMarket)
	require.Error(t, err)
	require.Equal(t, types.CodeBotNotRunning, types.ErrCodeOf(err))

	_, err = f.orch.StartTradingBot(ctx, "cfg-1", "op-1")
	require.NoError(t, err)
	defer f.orch.StopTradingBot(ctx)

	result, err := f.orch.ExecuteManualTrade(ctx, "NEWUSDT", types.OrderTypeMarket)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "NEWUSDT", result.Symbol)
}

func TestManualSellRequiresRunningBot(t *testing.T) {
	f := newFixture(t)
	f.saveConfig(t)
	ctx := context.Background()

	_, err := f.orch.ExecuteManualSell(ctx, "NEWUSDT", decimal.NewFromInt(1))
	require.Error(t, err)
	require.Equal(t, types.CodeBotNotRunning, types.ErrCodeOf(err))

	_, err = f.orch.StartTradingBot(ctx, "cfg-1", "op-1")
	require.NoError(t, err)
	defer f.orch.StopTradingBot(ctx)

	buy, err := f.orch.ExecuteManualTrade(ctx, "NEWUSDT", types.OrderTypeMarket)
	require.NoError(t, err)
	require.True(t, buy.Success)

	sell, err := f.orch.ExecuteManualSell(ctx, "NEWUSDT", buy.ExecutedQuantity)
	require.NoError(t, err)
	require.True(t, sell.Success)
	require.Equal(t, types.SideSell, sell.Side)
}

func TestRecurringInternalErrorsFailTheRun(t *testing.T) {
	f := newFixture(t)
	f.saveConfig(t)
	ctx := context.Background()

	run, err := f.orch.StartTradingBot(ctx, "cfg-1", "op-1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		f.orch.noteError(ctx, types.NewError(types.ErrKindInternal,
			types.CodeInvalidTransition, "constraint violated"))
	}

	require.Equal(t, types.RunStatusFailed, f.orch.ActiveRun().Status)
	persisted, err := f.store.GetBotRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, types.RunStatusFailed, persisted.Status)

	// A failed run stops idempotently and frees the claim for a fresh start.
	_, err = f.orch.StopTradingBot(ctx)
	require.NoError(t, err)
	next, err := f.orch.StartTradingBot(ctx, "cfg-1", "op-1")
	require.NoError(t, err)
	require.NotEqual(t, run.ID, next.ID)
	_, err = f.orch.StopTradingBot(ctx)
	require.NoError(t, err)
}

func TestStopLetsInFlightOrderFinish(t *testing.T) {
	f := newFixture(t)
	f.saveConfig(t)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	f.fake.PlaceMarketBuyFn = func(ctx context.Context, symbol string, qty decimal.Decimal) (*types.OrderResult, error) {
		close(entered)
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		price := decimal.RequireFromString("0.5")
		return &types.OrderResult{
			OrderID: "ord-slow", Symbol: symbol, Side: types.SideBuy, Status: "FILLED",
			ExecutedQuantity: qty, ExecutedPrice: price, CumQuoteQty: qty.Mul(price),
		}, nil
	}

	_, err := f.orch.StartTradingBot(ctx, "cfg-1", "op-1")
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, f.store.AppendListingEvent(ctx, &types.ListingEvent{
		ID: uuid.NewString(), Symbol: "NEWUSDT",
		DetectionSource: types.SourceSymbolComparison, Confidence: types.ConfidenceMedium,
		ListingTime: now, DetectedAt: now, FreshnessDeadline: now.Add(time.Minute),
	}))
	<-entered

	// Stop while the order is mid-flight. The run winds down without waiting
	// for the order, and without aborting it.
	_, err = f.orch.StopTradingBot(ctx)
	require.NoError(t, err)
	close(release)

	require.Eventually(t, func() bool {
		attempt, err := f.store.LatestSuccessBuy(ctx, "NEWUSDT")
		return err == nil && attempt != nil
	}, 2*time.Second, 20*time.Millisecond, "in-flight buy must finalize after stop")
}

func TestWatchdogFailsRunOnMissedHeartbeats(t *testing.T) {
	f := newFixture(t)
	f.saveConfig(t)
	ctx := context.Background()

	run, err := f.orch.StartTradingBot(ctx, "cfg-1", "op-1")
	require.NoError(t, err)

	// Freeze the heartbeat in the past; the next watchdog pass must fail the
	// run without waiting for real heartbeats to lapse.
	f.orch.mu.Lock()
	f.orch.lastBeat = time.Now().Add(-time.Minute)
	f.orch.mu.Unlock()
	f.orch.failRun(ctx, run, "heartbeat missing for over 15s")

	persisted, err := f.store.GetBotRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, types.RunStatusFailed, persisted.Status)
	require.Contains(t, persisted.ErrorMessage, "heartbeat")
}
