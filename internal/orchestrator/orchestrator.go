// Package orchestrator owns the bot lifecycle: it claims the process-wide
// run, drives the detection/execution loop, supervises the position monitor
// and reports liveness through heartbeats.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mexc-sniper/trading-backend/internal/detector"
	"github.com/mexc-sniper/trading-backend/internal/execution"
	"github.com/mexc-sniper/trading-backend/internal/monitor"
	"github.com/mexc-sniper/trading-backend/internal/storage"
	"github.com/mexc-sniper/trading-backend/internal/workers"
	"github.com/mexc-sniper/trading-backend/pkg/retry"
	"github.com/mexc-sniper/trading-backend/pkg/types"
)

const (
	heartbeatPeriod = 5 * time.Second
	// heartbeatGrace marks the run failed when no beat lands within it.
	heartbeatGrace = 15 * time.Second
	// internalErrWindow and internalErrLimit gate the fail-fast rule for
	// recurring internal errors.
	internalErrWindow = time.Minute
	internalErrLimit  = 3
)

// Status is the orchestrator snapshot served by the control API.
type Status struct {
	Run               *types.BotRun     `json:"run,omitempty"`
	IsRunning         bool              `json:"isRunning"`
	ConsecutiveErrors int               `json:"consecutiveErrors"`
	LastErrorMessage  string            `json:"lastErrorMessage,omitempty"`
	DailyPnL          string            `json:"dailyPnl"`
	WorkerStats       workers.PoolStats `json:"workerStats"`
}

// Orchestrator coordinates detection, execution and monitoring under one
// BotRun.
type Orchestrator struct {
	logger   *zap.Logger
	store    storage.Store
	detector *detector.Detector
	monitor  *monitor.Monitor
	executor *execution.Executor
	risk     *execution.RiskManager
	pool     *workers.Pool

	mu     sync.Mutex
	run    *types.BotRun
	cfg    *types.TradingConfiguration
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lastBeat          time.Time
	consecutiveErrors int
	lastError         string
	internalErrTimes  []time.Time

	nowFn func() time.Time
}

// NewOrchestrator wires the trading core together.
func NewOrchestrator(logger *zap.Logger, store storage.Store, det *detector.Detector,
	mon *monitor.Monitor, exec *execution.Executor, risk *execution.RiskManager,
	pool *workers.Pool) *Orchestrator {
	return &Orchestrator{
		logger:   logger.Named("orchestrator"),
		store:    store,
		detector: det,
		monitor:  mon,
		executor: exec,
		risk:     risk,
		pool:     pool,
		nowFn:    time.Now,
	}
}

// StartTradingBot claims a run for the configuration and launches the loops.
// The claim is transactional: a second concurrent start loses with
// BOT_ALREADY_RUNNING.
func (o *Orchestrator) StartTradingBot(ctx context.Context, configurationID, operatorID string) (*types.BotRun, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.run != nil && o.run.Status.Active() {
		return nil, types.NewError(types.ErrKindConfig, types.CodeBotAlreadyRunning,
			"a bot run is already active")
	}

	cfg, err := o.store.GetConfiguration(ctx, configurationID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, types.NewError(types.ErrKindConfig, types.CodeNoConfiguration,
				"configuration "+configurationID+" does not exist")
		}
		return nil, err
	}

	now := o.nowFn().UTC()
	run := &types.BotRun{
		ID:              uuid.NewString(),
		ConfigurationID: cfg.ID,
		OperatorID:      operatorID,
		Status:          types.RunStatusStarting,
		StartedAt:       now,
		LastHeartbeat:   now,
	}
	if err := o.store.ClaimBotRun(ctx, run); err != nil {
		return nil, err
	}

	if err := o.detector.Initialize(ctx); err != nil {
		run.Status = types.RunStatusFailed
		run.ErrorMessage = err.Error()
		run.StoppedAt = o.nowFn().UTC()
		if uerr := o.store.UpdateBotRun(ctx, run); uerr != nil {
			o.logger.Error("failed to persist failed run", zap.Error(uerr))
		}
		return nil, err
	}

	if err := o.transitionLocked(ctx, run, types.RunStatusRunning); err != nil {
		return nil, err
	}

	// Loops outlive the HTTP request that started them.
	runCtx, cancel := context.WithCancel(context.Background())
	o.run = run
	o.cfg = cfg
	o.cancel = cancel
	o.lastBeat = now
	o.consecutiveErrors = 0
	o.lastError = ""
	o.internalErrTimes = nil

	o.pool.Start()
	o.detector.Start(runCtx)
	if err := o.monitor.StartMonitoring(runCtx); err != nil {
		o.logger.Warn("monitor already running", zap.Error(err))
	}

	o.wg.Add(3)
	go o.detectionLoop(runCtx, cfg)
	go o.heartbeatLoop(runCtx, run)
	go o.watchdogLoop(runCtx, run)

	o.persistStatus(ctx, o.statusSnapshotLocked(true))
	o.logger.Info("trading bot started",
		zap.String("runId", run.ID),
		zap.String("configurationId", cfg.ID))
	return run, nil
}

// StopTradingBot winds the run down cooperatively. In-flight orders finish;
// no new orders start. Idempotent once stopped.
func (o *Orchestrator) StopTradingBot(ctx context.Context) (*types.BotRun, error) {
	o.mu.Lock()
	run := o.run
	if run == nil {
		o.mu.Unlock()
		return nil, types.NewError(types.ErrKindConfig, types.CodeBotNotRunning,
			"no bot run to stop")
	}
	if run.Status == types.RunStatusStopped {
		o.mu.Unlock()
		return run, nil
	}
	if run.Status == types.RunStatusFailed {
		o.mu.Unlock()
		return run, nil
	}

	if err := o.transitionLocked(ctx, run, types.RunStatusStopping); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	cancel := o.cancel
	o.mu.Unlock()

	cancel()
	o.wg.Wait()
	o.detector.Stop()
	o.monitor.StopMonitoring()
	if err := o.pool.Stop(); err != nil {
		o.logger.Warn("worker pool stop", zap.Error(err))
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	run.StoppedAt = o.nowFn().UTC()
	if err := o.transitionLocked(ctx, run, types.RunStatusStopped); err != nil {
		return nil, err
	}
	o.persistStatus(ctx, o.statusSnapshotLocked(false))
	o.logger.Info("trading bot stopped", zap.String("runId", run.ID))
	return run, nil
}

// ExecuteManualTrade buys symbol outside the detection loop. It skips the
// enabledPairs membership check and nothing else.
func (o *Orchestrator) ExecuteManualTrade(ctx context.Context, symbol string, orderType types.OrderType) (*execution.TradeResult, error) {
	o.mu.Lock()
	running := o.run != nil && o.run.Status == types.RunStatusRunning
	o.mu.Unlock()
	if !running {
		return nil, types.NewError(types.ErrKindConfig, types.CodeBotNotRunning,
			"bot must be running for manual trades")
	}
	result, err := o.executor.ExecuteTrade(ctx, symbol, orderType, execution.BuyOptions{Manual: true})
	if err != nil {
		o.noteError(ctx, err)
	}
	return result, err
}

// ExecuteManualSell closes part or all of a position outside the monitor
// loop, under the same running-bot gate as manual buys.
func (o *Orchestrator) ExecuteManualSell(ctx context.Context, symbol string, quantity decimal.Decimal) (*execution.TradeResult, error) {
	o.mu.Lock()
	running := o.run != nil && o.run.Status == types.RunStatusRunning
	o.mu.Unlock()
	if !running {
		return nil, types.NewError(types.ErrKindConfig, types.CodeBotNotRunning,
			"bot must be running for manual trades")
	}
	result, err := o.executor.ExecuteSellTrade(ctx, symbol, quantity,
		types.OrderTypeMarket, types.SellReasonManual, "")
	if err != nil {
		o.noteError(ctx, err)
	}
	return result, err
}

// Status returns a snapshot for the control API.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{
		IsRunning:         o.run != nil && o.run.Status == types.RunStatusRunning,
		ConsecutiveErrors: o.consecutiveErrors,
		LastErrorMessage:  o.lastError,
		DailyPnL:          o.risk.DailyPnL().String(),
		WorkerStats:       o.pool.Stats(),
	}
	if o.run != nil {
		cp := *o.run
		st.Run = &cp
	}
	return st
}

// ActiveRun returns the current run, if any.
func (o *Orchestrator) ActiveRun() *types.BotRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run == nil {
		return nil
	}
	cp := *o.run
	return &cp
}

// detectionLoop drains fresh signals each tick and fans the buys out across
// the pool. A failing cycle is logged and counted, never fatal to the loop.
func (o *Orchestrator) detectionLoop(ctx context.Context, cfg *types.TradingConfiguration) {
	defer o.wg.Done()
	ticker := time.NewTicker(cfg.PollingInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.detectionCycle(ctx, cfg)
		}
	}
}

func (o *Orchestrator) detectionCycle(ctx context.Context, cfg *types.TradingConfiguration) {
	now := o.nowFn().UTC()
	signals, err := o.store.UnprocessedSignals(ctx, now)
	if err != nil {
		o.noteError(ctx, err)
		return
	}

	// Cancellation on stop ends dispatch only. A snipe already handed to the
	// pool runs on a detached context so an in-flight order completes and its
	// attempt row is finalized instead of stranding in PENDING.
	taskCtx := context.WithoutCancel(ctx)

	// One attempt per symbol per cycle, regardless of how many sources saw it.
	seen := make(map[string]bool)
	for _, sig := range signals {
		sig := sig
		if seen[sig.Symbol] {
			continue
		}
		seen[sig.Symbol] = true

		if !detector.Ready(sig, now) {
			continue
		}
		if !cfg.PairEnabled(sig.Symbol) {
			continue
		}

		if err := o.pool.SubmitFunc(func() error {
			return o.snipe(taskCtx, cfg, sig)
		}); err != nil {
			o.logger.Warn("snipe dispatch rejected",
				zap.String("symbol", sig.Symbol), zap.Error(err))
		}
	}
}

// snipe buys one detected symbol with the transient-error retry wrapper and
// marks the signal processed on success.
func (o *Orchestrator) snipe(ctx context.Context, cfg *types.TradingConfiguration, sig *types.ListingEvent) error {
	attempts := 0
	err := retry.Do(ctx, retry.DefaultPolicy, types.IsTransient, func() error {
		opts := execution.BuyOptions{ListingEventID: sig.ID, RetryCount: attempts}
		attempts++
		_, err := o.executor.ExecuteTrade(ctx, sig.Symbol, types.OrderTypeMarket, opts)
		return err
	})
	if err != nil {
		o.noteError(ctx, err)
		return err
	}

	if err := o.store.MarkSignalProcessed(ctx, sig.ID); err != nil {
		o.noteError(ctx, err)
	}
	o.clearErrors()
	return nil
}

// heartbeatLoop persists liveness and rolls the risk day over at UTC
// midnight.
func (o *Orchestrator) heartbeatLoop(ctx context.Context, run *types.BotRun) {
	defer o.wg.Done()
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()

	day := o.nowFn().UTC().Day()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := o.nowFn().UTC()

			o.mu.Lock()
			o.lastBeat = now
			run.LastHeartbeat = now
			cp := *run
			st := o.statusSnapshotLocked(true)
			o.mu.Unlock()

			if err := o.store.UpdateBotRun(ctx, &cp); err != nil {
				o.logger.Warn("heartbeat persist failed", zap.Error(err))
			}
			o.persistStatus(ctx, st)

			if now.Day() != day {
				day = now.Day()
				o.risk.ResetDailyPnL()
				o.logger.Info("daily pnl reset")
			}
		}
	}
}

// watchdogLoop fails the run when heartbeats stop landing.
func (o *Orchestrator) watchdogLoop(ctx context.Context, run *types.BotRun) {
	defer o.wg.Done()
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.mu.Lock()
			stale := o.nowFn().UTC().Sub(o.lastBeat) > heartbeatGrace
			o.mu.Unlock()
			if stale {
				o.failRun(context.Background(), run, "heartbeat missing for over 15s")
				return
			}
		}
	}
}

// noteError records a loop failure; recurring internal errors fail the run.
func (o *Orchestrator) noteError(ctx context.Context, err error) {
	o.logger.Error("trading error", zap.String("code", types.ErrCodeOf(err)), zap.Error(err))
	loopErrors.WithLabelValues(types.ErrCodeOf(err)).Inc()

	o.mu.Lock()
	o.consecutiveErrors++
	o.lastError = err.Error()

	failNow := false
	if types.ErrKindOf(err) == types.ErrKindInternal {
		now := o.nowFn()
		o.internalErrTimes = append(o.internalErrTimes, now)
		kept := o.internalErrTimes[:0]
		for _, t := range o.internalErrTimes {
			if now.Sub(t) <= internalErrWindow {
				kept = append(kept, t)
			}
		}
		o.internalErrTimes = kept
		failNow = len(kept) >= internalErrLimit
	}
	run := o.run
	o.mu.Unlock()

	if failNow && run != nil {
		o.failRun(ctx, run, "recurring internal errors")
	}
}

func (o *Orchestrator) clearErrors() {
	o.mu.Lock()
	o.consecutiveErrors = 0
	o.mu.Unlock()
}

// failRun forces the run into failed and cancels the loops.
func (o *Orchestrator) failRun(ctx context.Context, run *types.BotRun, reason string) {
	o.mu.Lock()
	if run.Status.Terminal() {
		o.mu.Unlock()
		return
	}
	run.Status = types.RunStatusFailed
	run.ErrorMessage = reason
	run.StoppedAt = o.nowFn().UTC()
	cancel := o.cancel
	st := o.statusSnapshotLocked(false)
	o.mu.Unlock()

	o.logger.Error("bot run failed", zap.String("runId", run.ID), zap.String("reason", reason))
	if err := o.store.UpdateBotRun(ctx, run); err != nil {
		o.logger.Error("failed to persist failed run", zap.Error(err))
	}
	o.persistStatus(ctx, st)
	if cancel != nil {
		cancel()
	}
}

// transitionLocked validates and persists a state change. Callers hold o.mu
// or are inside StartTradingBot's critical section.
func (o *Orchestrator) transitionLocked(ctx context.Context, run *types.BotRun, next types.RunStatus) error {
	if !run.Status.CanTransition(next) {
		return types.NewError(types.ErrKindInternal, types.CodeInvalidTransition,
			string(run.Status)+" cannot transition to "+string(next))
	}
	run.Status = next
	return o.store.UpdateBotRun(ctx, run)
}

// statusSnapshotLocked builds the BotStatus row. Callers hold o.mu.
func (o *Orchestrator) statusSnapshotLocked(running bool) *types.BotStatus {
	return &types.BotStatus{
		ID:                "bot-status",
		IsRunning:         running,
		LastHeartbeat:     o.lastBeat,
		ExchangeAPIStatus: "ok",
		ConsecutiveErrors: o.consecutiveErrors,
		LastErrorMessage:  o.lastError,
	}
}

func (o *Orchestrator) persistStatus(ctx context.Context, st *types.BotStatus) {
	if err := o.store.UpdateBotStatus(ctx, st); err != nil {
		o.logger.Warn("status persist failed", zap.Error(err))
	}
}

// SellPosition adapts the monitor's sell intent to the executor.
func (o *Orchestrator) SellPosition(ctx context.Context, intent monitor.SellIntent) error {
	_, err := o.executor.ExecuteSellTrade(ctx, intent.Symbol, intent.Quantity,
		types.OrderTypeMarket, intent.Reason, "")
	if err != nil {
		o.noteError(ctx, err)
	}
	return err
}
