package execution

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mexc-sniper/trading-backend/internal/exchange"
	"github.com/mexc-sniper/trading-backend/internal/storage"
	"github.com/mexc-sniper/trading-backend/pkg/types"
)

// PositionBook is the position tracker surface the executor needs.
type PositionBook interface {
	GetPosition(ctx context.Context, symbol string) (*types.Position, bool)
	AddPosition(p *types.Position)
	RemovePosition(symbol string)
	UpdatePosition(symbol string, quantity, currentPrice *decimal.Decimal)
}

// TradeResult is returned to callers of ExecuteTrade and ExecuteSellTrade.
type TradeResult struct {
	Success          bool            `json:"success"`
	TradeAttemptID   string          `json:"tradeAttemptId"`
	OrderID          string          `json:"orderId,omitempty"`
	Symbol           string          `json:"symbol"`
	Side             types.Side      `json:"side"`
	ExecutedQuantity decimal.Decimal `json:"executedQuantity"`
	ExecutedPrice    decimal.Decimal `json:"executedPrice"`
	RealizedPnL      decimal.Decimal `json:"realizedPnl,omitempty"`
	ExecutionTimeMs  int64           `json:"executionTimeMs"`
	ErrorCode        string          `json:"errorCode,omitempty"`
	ErrorMessage     string          `json:"errorMessage,omitempty"`
}

// BuyOptions modifies a buy request.
type BuyOptions struct {
	// Manual bypasses the enabledPairs membership check, nothing else.
	Manual bool
	// ListingEventID links the attempt to the detection signal, if any.
	ListingEventID string
	// RetryCount is recorded on the attempt row by the orchestrator's wrapper.
	RetryCount int
}

// Executor places orders after running every gate: configuration, safety,
// exchange rules, risk. One BUY and one SELL may be in flight per symbol.
type Executor struct {
	logger    *zap.Logger
	api       exchange.API
	store     storage.Store
	validator *OrderValidator
	risk      *RiskManager
	safety    *SafetyChecker
	positions PositionBook
	locks     *symbolLocks
	nowFn     func() time.Time
}

// NewExecutor wires the order pipeline together.
func NewExecutor(logger *zap.Logger, api exchange.API, store storage.Store,
	validator *OrderValidator, risk *RiskManager, safety *SafetyChecker,
	positions PositionBook) *Executor {
	return &Executor{
		logger:    logger.Named("trade-executor"),
		api:       api,
		store:     store,
		validator: validator,
		risk:      risk,
		safety:    safety,
		positions: positions,
		locks:     newSymbolLocks(),
		nowFn:     time.Now,
	}
}

// ExecuteTrade buys symbol under the active configuration. The buy is
// durably recorded before the position becomes visible to the monitor.
func (e *Executor) ExecuteTrade(ctx context.Context, symbol string, orderType types.OrderType, opts BuyOptions) (*TradeResult, error) {
	if err := e.locks.acquire(symbol, types.SideBuy); err != nil {
		return nil, err
	}
	defer e.locks.release(symbol, types.SideBuy)

	cfg, err := e.store.SelectActiveConfig(ctx)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, types.NewError(types.ErrKindConfig, types.CodeNoConfiguration,
				"no active trading configuration")
		}
		return nil, err
	}
	if !opts.Manual && !cfg.PairEnabled(symbol) {
		return nil, types.NewError(types.ErrKindConfig, types.CodeSymbolNotEnabled,
			symbol+" is not in the configured pair set")
	}

	detectedAt := e.nowFn().UTC()

	// Size the order: a tenth of the configured purchase budget, capped at
	// 10 USDT per snipe.
	tradeUsd := decimal.Min(cfg.MaxPurchaseAmount.Mul(decimal.NewFromFloat(0.1)), decimal.NewFromInt(10))
	ticker, err := e.api.GetTicker(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if !ticker.Price.IsPositive() {
		return nil, types.NewError(types.ErrKindValidation, types.CodeInvalidPrice,
			"ticker price for "+symbol+" is not positive")
	}
	price := ticker.Price
	qty := e.adjustQuantity(ctx, symbol, tradeUsd.Div(price))

	attempt := e.newAttempt(cfg, symbol, types.SideBuy, orderType, qty, price, detectedAt)
	attempt.ListingEventID = opts.ListingEventID
	attempt.RetryCount = opts.RetryCount

	// Safety gate.
	report := e.safety.Check(ctx, tradeUsd, SafetyLimits{
		MaxTradesPerHour:   cfg.MaxTradesPerHour,
		DailySpendingLimit: cfg.DailySpendingLimit,
	})
	if !report.CanTrade {
		kind, code := types.ErrKindSafety, types.CodeSafetyLimit
		if report.Reason == types.CodeSafetyCheckError {
			code = types.CodeSafetyCheckError
		}
		return e.recordFailure(ctx, attempt, types.NewError(kind, code, report.Reason))
	}

	// Exchange-rule gate.
	validation, err := e.validator.Validate(ctx, symbol, price, qty)
	if err != nil {
		return e.recordFailure(ctx, attempt, err)
	}
	if !validation.Valid {
		return e.recordFailure(ctx, attempt, types.NewError(types.ErrKindValidation,
			types.CodeInvalidParams, joinErrors(validation.Errors)))
	}

	// Risk gate, with the configured stop-loss as the proposed exit.
	stopLoss := price.Mul(decimal.NewFromInt(1).Sub(bpsFraction(cfg.StopLossBps)))
	decision := e.risk.ValidateOrder(OrderRequest{
		Symbol:         symbol,
		Side:           types.SideBuy,
		Quantity:       qty,
		Price:          price,
		StopLoss:       &stopLoss,
		PortfolioValue: e.portfolioValue(ctx, cfg),
	})
	if !decision.Approved {
		return e.recordFailure(ctx, attempt, types.NewError(types.ErrKindRisk,
			decision.Reason, "order rejected by risk manager"))
	}
	if decision.AdjustedQuantity != nil {
		qty = e.adjustQuantity(ctx, symbol, *decision.AdjustedQuantity)
		attempt.Quantity = qty
	}

	if err := e.store.InsertTradeAttempt(ctx, attempt); err != nil {
		return nil, err
	}

	submittedAt := e.nowFn().UTC()
	attempt.SubmittedAt = submittedAt

	var result *types.OrderResult
	if orderType == types.OrderTypeLimit {
		limitPrice := e.validator.AdjustPrice(ctx, symbol, price.Mul(decimal.NewFromFloat(1.01)))
		result, err = e.api.PlaceLimitBuy(ctx, symbol, qty, limitPrice)
	} else {
		result, err = e.api.PlaceMarketBuy(ctx, symbol, qty)
	}
	if err != nil {
		return e.finalizeFailure(ctx, attempt, err)
	}

	e.finalizeSuccess(ctx, attempt, result)

	if result.ExecutedQuantity.IsPositive() {
		e.positions.AddPosition(&types.Position{
			Symbol:          symbol,
			Quantity:        result.ExecutedQuantity,
			EntryPrice:      result.ExecutedPrice,
			EntryTime:       attempt.CompletedAt,
			CurrentPrice:    result.ExecutedPrice,
			BuyOrderID:      result.OrderID,
			TradeAttemptID:  attempt.ID,
			ListingEventID:  attempt.ListingEventID,
			ConfigurationID: attempt.ConfigurationID,
		})
	}

	e.logger.Info("buy executed",
		zap.String("symbol", symbol),
		zap.String("orderId", result.OrderID),
		zap.String("executedQty", result.ExecutedQuantity.String()),
		zap.String("executedPrice", result.ExecutedPrice.String()),
		zap.Int64("latencyMs", attempt.LatencyMs))

	return &TradeResult{
		Success:          true,
		TradeAttemptID:   attempt.ID,
		OrderID:          result.OrderID,
		Symbol:           symbol,
		Side:             types.SideBuy,
		ExecutedQuantity: result.ExecutedQuantity,
		ExecutedPrice:    result.ExecutedPrice,
		ExecutionTimeMs:  attempt.LatencyMs,
	}, nil
}

// ExecuteSellTrade exits (part of) a position. Realized PnL is recorded on
// the SELL row and fed back into the risk manager's daily total.
func (e *Executor) ExecuteSellTrade(ctx context.Context, symbol string, quantity decimal.Decimal,
	orderType types.OrderType, reason types.SellReason, parentTradeID string) (*TradeResult, error) {
	if err := e.locks.acquire(symbol, types.SideSell); err != nil {
		return nil, err
	}
	defer e.locks.release(symbol, types.SideSell)

	pos, ok := e.positions.GetPosition(ctx, symbol)
	if !ok {
		return nil, types.NewError(types.ErrKindConfig, types.CodeNoPosition,
			"no open position for "+symbol)
	}
	if quantity.GreaterThan(pos.Quantity) {
		return nil, types.NewError(types.ErrKindValidation, types.CodeInsufficientQty,
			"sell quantity exceeds position quantity")
	}

	if parentTradeID == "" {
		parentTradeID = pos.TradeAttemptID
	}

	now := e.nowFn().UTC()
	attempt := &types.TradeAttempt{
		ID:              uuid.NewString(),
		ListingEventID:  pos.ListingEventID,
		ConfigurationID: pos.ConfigurationID,
		Symbol:          symbol,
		Side:            types.SideSell,
		Type:            orderType,
		Quantity:        quantity,
		Price:           pos.CurrentPrice,
		Status:          types.TradeStatusPending,
		DetectedAt:      now,
		ParentTradeID:   parentTradeID,
		PositionID:      parentTradeID,
		SellReason:      reason,
	}
	if err := e.store.InsertTradeAttempt(ctx, attempt); err != nil {
		return nil, err
	}

	attempt.SubmittedAt = e.nowFn().UTC()

	var result *types.OrderResult
	var err error
	if orderType == types.OrderTypeLimit {
		limitPrice := e.validator.AdjustPrice(ctx, symbol, pos.CurrentPrice.Mul(decimal.NewFromFloat(0.99)))
		result, err = e.api.PlaceLimitSell(ctx, symbol, quantity, limitPrice)
	} else {
		result, err = e.api.PlaceMarketSell(ctx, symbol, quantity)
	}
	if err != nil {
		return e.finalizeFailure(ctx, attempt, err)
	}

	realized := result.ExecutedPrice.Sub(pos.EntryPrice).Mul(result.ExecutedQuantity)
	attempt.RealizedPnL = realized
	e.finalizeSuccess(ctx, attempt, result)

	if result.ExecutedQuantity.GreaterThanOrEqual(pos.Quantity) {
		e.positions.RemovePosition(symbol)
	} else {
		remaining := pos.Quantity.Sub(result.ExecutedQuantity)
		e.positions.UpdatePosition(symbol, &remaining, nil)
	}

	e.risk.RecordTrade(realized)

	e.logger.Info("sell executed",
		zap.String("symbol", symbol),
		zap.String("reason", string(reason)),
		zap.String("executedQty", result.ExecutedQuantity.String()),
		zap.String("realizedPnl", realized.String()))

	return &TradeResult{
		Success:          true,
		TradeAttemptID:   attempt.ID,
		OrderID:          result.OrderID,
		Symbol:           symbol,
		Side:             types.SideSell,
		ExecutedQuantity: result.ExecutedQuantity,
		ExecutedPrice:    result.ExecutedPrice,
		RealizedPnL:      realized,
		ExecutionTimeMs:  attempt.LatencyMs,
	}, nil
}

func (e *Executor) newAttempt(cfg *types.TradingConfiguration, symbol string, side types.Side,
	orderType types.OrderType, qty, price decimal.Decimal, detectedAt time.Time) *types.TradeAttempt {
	snapshot, _ := json.Marshal(cfg)
	return &types.TradeAttempt{
		ID:                    uuid.NewString(),
		ConfigurationID:       cfg.ID,
		Symbol:                symbol,
		Side:                  side,
		Type:                  orderType,
		Quantity:              qty,
		Price:                 price,
		Status:                types.TradeStatusPending,
		DetectedAt:            detectedAt,
		ConfigurationSnapshot: string(snapshot),
	}
}

// recordFailure persists a gate rejection that happened before the PENDING
// row was inserted.
func (e *Executor) recordFailure(ctx context.Context, attempt *types.TradeAttempt, cause error) (*TradeResult, error) {
	attempt.Status = types.TradeStatusFailed
	attempt.ErrorCode = types.ErrCodeOf(cause)
	attempt.ErrorMessage = cause.Error()
	attempt.CompletedAt = e.nowFn().UTC()
	if err := e.store.InsertTradeAttempt(ctx, attempt); err != nil {
		e.logger.Error("failed to record rejected trade", zap.Error(err))
	}
	tradeAttempts.WithLabelValues(string(attempt.Side), string(attempt.Status)).Inc()
	return &TradeResult{
		Success:        false,
		TradeAttemptID: attempt.ID,
		Symbol:         attempt.Symbol,
		Side:           attempt.Side,
		ErrorCode:      attempt.ErrorCode,
		ErrorMessage:   attempt.ErrorMessage,
	}, cause
}

// finalizeFailure moves an already-inserted PENDING row to FAILED.
func (e *Executor) finalizeFailure(ctx context.Context, attempt *types.TradeAttempt, cause error) (*TradeResult, error) {
	attempt.Status = types.TradeStatusFailed
	attempt.ErrorCode = types.ErrCodeOf(cause)
	attempt.ErrorMessage = cause.Error()
	attempt.CompletedAt = e.nowFn().UTC()
	attempt.LatencyMs = attempt.SubmittedAt.Sub(attempt.DetectedAt).Milliseconds()
	if err := e.store.FinalizeTradeAttempt(ctx, attempt); err != nil {
		e.logger.Error("failed to finalize trade attempt", zap.Error(err))
	}
	tradeAttempts.WithLabelValues(string(attempt.Side), string(attempt.Status)).Inc()
	e.logger.Warn("order failed",
		zap.String("symbol", attempt.Symbol),
		zap.String("side", string(attempt.Side)),
		zap.String("errorCode", attempt.ErrorCode),
		zap.Error(cause))
	return &TradeResult{
		Success:        false,
		TradeAttemptID: attempt.ID,
		Symbol:         attempt.Symbol,
		Side:           attempt.Side,
		ErrorCode:      attempt.ErrorCode,
		ErrorMessage:   attempt.ErrorMessage,
	}, cause
}

// finalizeSuccess moves a PENDING row to SUCCESS and appends the trade log.
func (e *Executor) finalizeSuccess(ctx context.Context, attempt *types.TradeAttempt, result *types.OrderResult) {
	attempt.Status = types.TradeStatusSuccess
	attempt.OrderID = result.OrderID
	attempt.ExecutedQuantity = result.ExecutedQuantity
	attempt.ExecutedPrice = result.ExecutedPrice
	attempt.Commission = result.Commission
	attempt.CompletedAt = e.nowFn().UTC()
	attempt.LatencyMs = attempt.SubmittedAt.Sub(attempt.DetectedAt).Milliseconds()
	if err := e.store.FinalizeTradeAttempt(ctx, attempt); err != nil {
		e.logger.Error("failed to finalize trade attempt", zap.Error(err))
	}
	tradeAttempts.WithLabelValues(string(attempt.Side), string(attempt.Status)).Inc()
	if err := e.store.AppendTradeLog(ctx, &types.TradeLog{
		ID:               uuid.NewString(),
		TradeAttemptID:   attempt.ID,
		OrderID:          result.OrderID,
		Symbol:           attempt.Symbol,
		QuoteQty:         result.CumQuoteQty,
		Fees:             result.Commission,
		ExchangeResponse: result.Raw,
	}); err != nil {
		e.logger.Error("failed to append trade log", zap.Error(err))
	}
}

// adjustQuantity floors qty to the symbol's step size so the exchange does
// not reject it.
func (e *Executor) adjustQuantity(ctx context.Context, symbol string, qty decimal.Decimal) decimal.Decimal {
	rules, ok, err := e.validator.rules.GetRules(ctx, symbol)
	if err != nil || !ok || !rules.StepSize.IsPositive() {
		return qty.Round(8)
	}
	return qty.Div(rules.StepSize).Floor().Mul(rules.StepSize)
}

// portfolioValue approximates the account's quote-currency worth for risk
// sizing. Falls back to the configured purchase budget when the account
// call fails.
func (e *Executor) portfolioValue(ctx context.Context, cfg *types.TradingConfiguration) decimal.Decimal {
	account, err := e.api.GetAccount(ctx)
	if err != nil {
		e.logger.Warn("account lookup failed, using purchase budget", zap.Error(err))
		return cfg.MaxPurchaseAmount
	}
	total := decimal.Zero
	for _, b := range account.Balances {
		if b.Asset == "USDT" {
			total = total.Add(b.Free).Add(b.Locked)
		}
	}
	if !total.IsPositive() {
		return cfg.MaxPurchaseAmount
	}
	return total
}

func bpsFraction(bps int64) decimal.Decimal {
	return decimal.NewFromInt(bps).Div(decimal.NewFromInt(10000))
}

func joinErrors(errs []string) string {
	out := ""
	for i, e := range errs {
		if i > 0 {
			out += "; "
		}
		out += e
	}
	return out
}
