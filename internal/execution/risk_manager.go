// Package execution contains the order pipeline: validation, risk and safety
// gates, per-symbol serialization, and the trade executor itself.
package execution

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mexc-sniper/trading-backend/pkg/types"
)

// RiskConfig bounds position sizing and daily drawdown.
type RiskConfig struct {
	MaxPositionSizePercent decimal.Decimal `json:"maxPositionSizePercent"`
	MaxDailyLossPercent    decimal.Decimal `json:"maxDailyLossPercent"`
	MaxLeverage            decimal.Decimal `json:"maxLeverage"`
	RequireStopLoss        bool            `json:"requireStopLoss"`
}

// DefaultRiskConfig returns conservative limits for a sniper account.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		MaxPositionSizePercent: decimal.NewFromFloat(0.02),
		MaxDailyLossPercent:    decimal.NewFromFloat(0.05),
		MaxLeverage:            decimal.NewFromInt(2),
		RequireStopLoss:        true,
	}
}

// OrderRequest is the risk manager's view of a proposed order.
type OrderRequest struct {
	Symbol         string
	Side           types.Side
	Quantity       decimal.Decimal
	Price          decimal.Decimal
	StopLoss       *decimal.Decimal
	PortfolioValue decimal.Decimal
}

// RiskDecision is the outcome of ValidateOrder.
type RiskDecision struct {
	Approved         bool             `json:"approved"`
	AdjustedQuantity *decimal.Decimal `json:"adjustedQuantity,omitempty"`
	Reason           string           `json:"reason,omitempty"`
	Metrics          RiskMetrics      `json:"riskMetrics"`
}

// RiskMetrics accompanies every decision for logging and the status API.
type RiskMetrics struct {
	PositionSizePercent decimal.Decimal `json:"positionSizePercent"`
	DailyPnL            decimal.Decimal `json:"dailyPnl"`
	MaxLoss             decimal.Decimal `json:"maxLoss"`
}

// RiskManager enforces daily loss and position-size limits. Daily PnL is
// process-local and reset at the UTC day boundary by the orchestrator.
type RiskManager struct {
	logger *zap.Logger
	config RiskConfig

	mu       sync.RWMutex
	dailyPnL decimal.Decimal
}

// NewRiskManager creates a risk manager with the given limits.
func NewRiskManager(logger *zap.Logger, config RiskConfig) *RiskManager {
	return &RiskManager{
		logger: logger.Named("risk-manager"),
		config: config,
	}
}

// ValidateOrder applies the risk gates in a fixed order: daily loss first,
// then position size with downward adjustment, then the stop-loss
// requirement for buys.
func (rm *RiskManager) ValidateOrder(req OrderRequest) RiskDecision {
	rm.mu.RLock()
	dailyPnL := rm.dailyPnL
	rm.mu.RUnlock()

	metrics := RiskMetrics{DailyPnL: dailyPnL}
	if !req.PortfolioValue.IsPositive() || !req.Price.IsPositive() {
		return RiskDecision{Approved: false, Reason: types.CodeInvalidParams, Metrics: metrics}
	}

	// |dailyPnL| trips the gate regardless of sign.
	lossRatio := dailyPnL.Abs().Div(req.PortfolioValue)
	if lossRatio.GreaterThanOrEqual(rm.config.MaxDailyLossPercent) {
		rm.logger.Warn("daily loss limit reached",
			zap.String("dailyPnl", dailyPnL.String()),
			zap.String("lossRatio", lossRatio.String()))
		return RiskDecision{Approved: false, Reason: types.CodeDailyLossLimit, Metrics: metrics}
	}

	notional := req.Quantity.Mul(req.Price)
	metrics.PositionSizePercent = notional.Div(req.PortfolioValue)

	quantity := req.Quantity
	reason := ""
	if metrics.PositionSizePercent.GreaterThan(rm.config.MaxPositionSizePercent) {
		adjusted := req.PortfolioValue.Mul(rm.config.MaxPositionSizePercent).Div(req.Price).Floor()
		if !adjusted.IsPositive() {
			return RiskDecision{Approved: false, Reason: types.CodePositionSizeAdjusted, Metrics: metrics}
		}
		quantity = adjusted
		reason = types.CodePositionSizeAdjusted
		rm.logger.Info("position size adjusted",
			zap.String("symbol", req.Symbol),
			zap.String("requested", req.Quantity.String()),
			zap.String("adjusted", adjusted.String()))
	}

	if req.Side == types.SideBuy && rm.config.RequireStopLoss && req.StopLoss == nil {
		return RiskDecision{Approved: false, Reason: types.CodeStopLossRequired, Metrics: metrics}
	}

	if req.StopLoss != nil {
		metrics.MaxLoss = quantity.Mul(req.Price.Sub(*req.StopLoss).Abs())
	} else {
		metrics.MaxLoss = quantity.Mul(req.Price)
	}

	decision := RiskDecision{Approved: true, Reason: reason, Metrics: metrics}
	if !quantity.Equal(req.Quantity) {
		decision.AdjustedQuantity = &quantity
	}
	return decision
}

// RecordTrade accumulates realized PnL into the daily total.
func (rm *RiskManager) RecordTrade(pnl decimal.Decimal) {
	rm.mu.Lock()
	rm.dailyPnL = rm.dailyPnL.Add(pnl)
	rm.mu.Unlock()
}

// ResetDailyPnL zeroes the daily total. Safe to call repeatedly.
func (rm *RiskManager) ResetDailyPnL() {
	rm.mu.Lock()
	rm.dailyPnL = decimal.Zero
	rm.mu.Unlock()
}

// DailyPnL returns the current daily total.
func (rm *RiskManager) DailyPnL() decimal.Decimal {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.dailyPnL
}

// CalculateKellyPosition sizes a position by the Kelly criterion, capped at
// the configured position-size limit. Returns the quantity to buy.
func (rm *RiskManager) CalculateKellyPosition(winRate, riskRewardRatio, balance, entryPrice, stopLossPrice decimal.Decimal) (decimal.Decimal, error) {
	one := decimal.NewFromInt(1)
	if winRate.IsNegative() || winRate.GreaterThan(one) {
		return decimal.Zero, types.NewError(types.ErrKindRisk, types.CodeInvalidParams,
			fmt.Sprintf("win rate %s outside [0,1]", winRate))
	}
	if !riskRewardRatio.IsPositive() || !balance.IsPositive() || !entryPrice.IsPositive() {
		return decimal.Zero, types.NewError(types.ErrKindRisk, types.CodeInvalidParams,
			"ratio, balance and entry price must be positive")
	}
	riskPerUnit := entryPrice.Sub(stopLossPrice).Abs()
	if !riskPerUnit.IsPositive() {
		return decimal.Zero, types.NewError(types.ErrKindRisk, types.CodeInvalidParams,
			"stop loss equals entry price")
	}

	// f* = p - (1-p)/b, clamped to [0, maxPositionSizePercent].
	fraction := winRate.Sub(one.Sub(winRate).Div(riskRewardRatio))
	if fraction.IsNegative() {
		fraction = decimal.Zero
	}
	if fraction.GreaterThan(rm.config.MaxPositionSizePercent) {
		fraction = rm.config.MaxPositionSizePercent
	}

	riskCapital := balance.Mul(fraction)
	return riskCapital.Div(riskPerUnit), nil
}
