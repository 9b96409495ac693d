// Package exchangetest provides a programmable exchange.API fake for tests.
package exchangetest

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mexc-sniper/trading-backend/pkg/types"
)

// Fake implements exchange.API with per-method hooks. Unset hooks return
// zero values, so tests only program what they exercise.
type Fake struct {
	mu sync.Mutex

	GetServerTimeFn   func(ctx context.Context) (time.Time, error)
	GetTickerFn       func(ctx context.Context, symbol string) (*types.Ticker, error)
	GetExchangeInfoFn func(ctx context.Context) ([]types.ExchangeRules, error)
	GetCalendarFn     func(ctx context.Context) ([]types.CalendarEntry, error)
	GetAccountFn      func(ctx context.Context) (*types.Account, error)
	PlaceMarketBuyFn  func(ctx context.Context, symbol string, qty decimal.Decimal) (*types.OrderResult, error)
	PlaceLimitBuyFn   func(ctx context.Context, symbol string, qty, price decimal.Decimal) (*types.OrderResult, error)
	PlaceMarketSellFn func(ctx context.Context, symbol string, qty decimal.Decimal) (*types.OrderResult, error)
	PlaceLimitSellFn  func(ctx context.Context, symbol string, qty, price decimal.Decimal) (*types.OrderResult, error)
	GetOrderStatusFn  func(ctx context.Context, symbol, orderID string) (*types.OrderResult, error)
	CancelOrderFn     func(ctx context.Context, symbol, orderID string) error

	// Calls counts invocations by method name.
	Calls map[string]int
}

// NewFake returns an empty fake.
func NewFake() *Fake {
	return &Fake{Calls: make(map[string]int)}
}

func (f *Fake) record(method string) {
	f.mu.Lock()
	f.Calls[method]++
	f.mu.Unlock()
}

// CallCount returns how many times method was invoked.
func (f *Fake) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls[method]
}

func (f *Fake) GetServerTime(ctx context.Context) (time.Time, error) {
	f.record("GetServerTime")
	if f.GetServerTimeFn != nil {
		return f.GetServerTimeFn(ctx)
	}
	return time.Now(), nil
}

func (f *Fake) GetTicker(ctx context.Context, symbol string) (*types.Ticker, error) {
	f.record("GetTicker")
	if f.GetTickerFn != nil {
		return f.GetTickerFn(ctx, symbol)
	}
	return &types.Ticker{Symbol: symbol, Price: decimal.NewFromInt(1)}, nil
}

func (f *Fake) GetExchangeInfo(ctx context.Context) ([]types.ExchangeRules, error) {
	f.record("GetExchangeInfo")
	if f.GetExchangeInfoFn != nil {
		return f.GetExchangeInfoFn(ctx)
	}
	return nil, nil
}

func (f *Fake) GetCalendar(ctx context.Context) ([]types.CalendarEntry, error) {
	f.record("GetCalendar")
	if f.GetCalendarFn != nil {
		return f.GetCalendarFn(ctx)
	}
	return nil, nil
}

func (f *Fake) GetAccount(ctx context.Context) (*types.Account, error) {
	f.record("GetAccount")
	if f.GetAccountFn != nil {
		return f.GetAccountFn(ctx)
	}
	return &types.Account{CanTrade: true}, nil
}

func (f *Fake) PlaceMarketBuy(ctx context.Context, symbol string, qty decimal.Decimal) (*types.OrderResult, error) {
	f.record("PlaceMarketBuy")
	if f.PlaceMarketBuyFn != nil {
		return f.PlaceMarketBuyFn(ctx, symbol, qty)
	}
	return &types.OrderResult{OrderID: "fake-order", Symbol: symbol, Side: types.SideBuy,
		Status: "FILLED", ExecutedQuantity: qty, ExecutedPrice: decimal.NewFromInt(1)}, nil
}

func (f *Fake) PlaceLimitBuy(ctx context.Context, symbol string, qty, price decimal.Decimal) (*types.OrderResult, error) {
	f.record("PlaceLimitBuy")
	if f.PlaceLimitBuyFn != nil {
		return f.PlaceLimitBuyFn(ctx, symbol, qty, price)
	}
	return &types.OrderResult{OrderID: "fake-order", Symbol: symbol, Side: types.SideBuy,
		Status: "FILLED", ExecutedQuantity: qty, ExecutedPrice: price}, nil
}

func (f *Fake) PlaceMarketSell(ctx context.Context, symbol string, qty decimal.Decimal) (*types.OrderResult, error) {
	f.record("PlaceMarketSell")
	if f.PlaceMarketSellFn != nil {
		return f.PlaceMarketSellFn(ctx, symbol, qty)
	}
	return &types.OrderResult{OrderID: "fake-order", Symbol: symbol, Side: types.SideSell,
		Status: "FILLED", ExecutedQuantity: qty, ExecutedPrice: decimal.NewFromInt(1)}, nil
}

func (f *Fake) PlaceLimitSell(ctx context.Context, symbol string, qty, price decimal.Decimal) (*types.OrderResult, error) {
	f.record("PlaceLimitSell")
	if f.PlaceLimitSellFn != nil {
		return f.PlaceLimitSellFn(ctx, symbol, qty, price)
	}
	return &types.OrderResult{OrderID: "fake-order", Symbol: symbol, Side: types.SideSell,
		Status: "FILLED", ExecutedQuantity: qty, ExecutedPrice: price}, nil
}

func (f *Fake) GetOrderStatus(ctx context.Context, symbol, orderID string) (*types.OrderResult, error) {
	f.record("GetOrderStatus")
	if f.GetOrderStatusFn != nil {
		return f.GetOrderStatusFn(ctx, symbol, orderID)
	}
	return &types.OrderResult{OrderID: orderID, Symbol: symbol, Status: "FILLED"}, nil
}

func (f *Fake) CancelOrder(ctx context.Context, symbol, orderID string) error {
	f.record("CancelOrder")
	if f.CancelOrderFn != nil {
		return f.CancelOrderFn(ctx, symbol, orderID)
	}
	return nil
}
