package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mexc-sniper/trading-backend/internal/storage"
	"github.com/mexc-sniper/trading-backend/pkg/types"
)

// SafetyLimits are the per-configuration throttles checked before each buy.
type SafetyLimits struct {
	MaxTradesPerHour   int
	DailySpendingLimit decimal.Decimal
}

// SafetyReport is the outcome of a safety check.
type SafetyReport struct {
	CanTrade       bool            `json:"canTrade"`
	Reason         string          `json:"reason,omitempty"`
	TradesThisHour int64           `json:"tradesThisHour"`
	SpentToday     decimal.Decimal `json:"spentToday"`
}

// SafetyChecker enforces trade-rate and spending limits against the durable
// trade log. It fails closed: any storage error blocks the trade.
type SafetyChecker struct {
	logger *zap.Logger
	store  storage.Store
	nowFn  func() time.Time
}

// NewSafetyChecker creates a checker backed by the trade log.
func NewSafetyChecker(logger *zap.Logger, store storage.Store) *SafetyChecker {
	return &SafetyChecker{
		logger: logger.Named("safety-checker"),
		store:  store,
		nowFn:  time.Now,
	}
}

// Check verifies that a buy of quoteAmount stays within limits. The two
// trade-log queries run concurrently; this sits on the hot path between
// detection and order placement.
func (sc *SafetyChecker) Check(ctx context.Context, quoteAmount decimal.Decimal, limits SafetyLimits) SafetyReport {
	now := sc.nowFn().UTC()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var (
		tradesThisHour int64
		spentToday     decimal.Decimal
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		tradesThisHour, err = sc.store.CountTradesSince(gctx, now.Add(-time.Hour))
		return err
	})
	g.Go(func() error {
		var err error
		spentToday, err = sc.store.SpentSince(gctx, startOfDay)
		return err
	})
	if err := g.Wait(); err != nil {
		sc.logger.Error("safety check query failed", zap.Error(err))
		return SafetyReport{CanTrade: false, Reason: types.CodeSafetyCheckError}
	}

	report := SafetyReport{TradesThisHour: tradesThisHour, SpentToday: spentToday}

	if limits.MaxTradesPerHour > 0 && tradesThisHour >= int64(limits.MaxTradesPerHour) {
		report.Reason = fmt.Sprintf("hourly trade limit reached (%d/%d)", tradesThisHour, limits.MaxTradesPerHour)
		return report
	}
	if limits.DailySpendingLimit.IsPositive() && spentToday.Add(quoteAmount).GreaterThan(limits.DailySpendingLimit) {
		report.Reason = fmt.Sprintf("daily spending limit reached (%s spent, limit %s)",
			spentToday, limits.DailySpendingLimit)
		return report
	}

	report.CanTrade = true
	return report
}
