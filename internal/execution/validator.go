package execution

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mexc-sniper/trading-backend/internal/exchange"
	"github.com/mexc-sniper/trading-backend/pkg/types"
)

// stepTolerance absorbs float residue when checking step/tick multiples.
var stepTolerance = decimal.New(1, -9)

// ValidationResult carries all rule violations for an order, not just the first.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// OrderValidator checks orders against cached exchange rules.
type OrderValidator struct {
	logger *zap.Logger
	rules  *exchange.RulesCache
}

// NewOrderValidator creates a validator backed by the shared rules cache.
func NewOrderValidator(logger *zap.Logger, rules *exchange.RulesCache) *OrderValidator {
	return &OrderValidator{
		logger: logger.Named("order-validator"),
		rules:  rules,
	}
}

// Validate accumulates every violated rule for (symbol, price, qty).
// An unknown symbol yields the single error RULES_UNKNOWN.
func (v *OrderValidator) Validate(ctx context.Context, symbol string, price, qty decimal.Decimal) (*ValidationResult, error) {
	rules, ok, err := v.rules.GetRules(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &ValidationResult{
			Valid:  false,
			Errors: []string{types.CodeRulesUnknown + ": no exchange rules for " + symbol},
		}, nil
	}

	var errs []string
	if rules.Status != types.SymbolEnabled {
		errs = append(errs, fmt.Sprintf("symbol %s is not enabled for trading", symbol))
	}
	if qty.LessThan(rules.MinQty) {
		errs = append(errs, fmt.Sprintf("quantity %s below minimum %s", qty, rules.MinQty))
	}
	if rules.MaxQty.IsPositive() && qty.GreaterThan(rules.MaxQty) {
		errs = append(errs, fmt.Sprintf("quantity %s above maximum %s", qty, rules.MaxQty))
	}
	if !isMultipleOf(qty, rules.StepSize) {
		errs = append(errs, fmt.Sprintf("quantity %s is not a multiple of step size %s", qty, rules.StepSize))
	}
	if !isMultipleOf(price, rules.TickSize) {
		errs = append(errs, fmt.Sprintf("price %s is not a multiple of tick size %s", price, rules.TickSize))
	}
	if qty.Mul(price).LessThan(rules.MinNotional) {
		errs = append(errs, fmt.Sprintf("notional %s below minimum %s", qty.Mul(price), rules.MinNotional))
	}

	if len(errs) > 0 {
		v.logger.Debug("order rejected by validation",
			zap.String("symbol", symbol),
			zap.Strings("errors", errs))
		return &ValidationResult{Valid: false, Errors: errs}, nil
	}
	return &ValidationResult{Valid: true}, nil
}

// AdjustPrice rounds price down to the nearest tick for symbol. Unknown
// symbols and zero tick sizes return the price unchanged.
func (v *OrderValidator) AdjustPrice(ctx context.Context, symbol string, price decimal.Decimal) decimal.Decimal {
	rules, ok, err := v.rules.GetRules(ctx, symbol)
	if err != nil || !ok || !rules.TickSize.IsPositive() {
		return price
	}
	return price.Div(rules.TickSize).Floor().Mul(rules.TickSize)
}

// isMultipleOf reports whether value is an integer multiple of step within
// tolerance. A non-positive step always passes.
func isMultipleOf(value, step decimal.Decimal) bool {
	if !step.IsPositive() {
		return true
	}
	ratio := value.Div(step)
	remainder := ratio.Sub(ratio.Round(0)).Abs()
	return remainder.LessThanOrEqual(stepTolerance)
}
