package tracker

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

	"github.com/mexc-sniper/trading-backend/internal/exchange/exchangetest"
	"github.com/mexc-sniper/trading-backend/internal/storage"
	"github.com/mexc-sniper/trading-backend/pkg/types"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	store, err := storage.Open(zap.NewNop(), dsn, 5*time.Second)
	require.NoError(t, err)
	return store
}

func insertSuccessBuy(t *testing.T, store storage.Store, symbol, qty, price string) *types.TradeAttempt {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	a := &types.TradeAttempt{
		ID:              uuid.NewString(),
		ConfigurationID: "cfg-1",
		Symbol:          symbol,
		Side:            types.SideBuy,
		Type:            types.OrderTypeMarket,
		Quantity:        decimal.RequireFromString(qty),
		Price:           decimal.RequireFromString(price),
		Status:          types.TradeStatusPending,
		DetectedAt:      now,
		SubmittedAt:     now,
	}
	require.NoError(t, store.InsertTradeAttempt(ctx, a))
	a.Status = types.TradeStatusSuccess
	a.OrderID = "ord-" + a.ID[:8]
	a.ExecutedQuantity = decimal.RequireFromString(qty)
	a.ExecutedPrice = decimal.RequireFromString(price)
	a.CompletedAt = now
	require.NoError(t, store.FinalizeTradeAttempt(ctx, a))
	return a
}

func balances(assets map[string]string) func(ctx context.Context) (*types.Account, error) {
	return func(ctx context.Context) (*types.Account, error) {
		acct := &types.Account{CanTrade: true}
		for asset, free := range assets {
			acct.Balances = append(acct.Balances, types.Balance{
				Asset: asset, Free: decimal.RequireFromString(free),
			})
		}
		return acct, nil
	}
}

func TestRebuildFromBuysAndBalances(t *testing.T) {
	store := newTestStore(t)
	fake := exchangetest.NewFake()
	fake.GetAccountFn = balances(map[string]string{"NEW": "20", "USDT": "500"})
	fake.GetTickerFn = func(ctx context.Context, symbol string) (*types.Ticker, error) {
		return &types.Ticker{Symbol: symbol, Price: decimal.RequireFromString("0.6")}, nil
	}

	buy := insertSuccessBuy(t, store, "NEWUSDT", "20", "0.5")
	// A filled buy whose base asset was already sold off must not resurface.
	insertSuccessBuy(t, store, "GONEUSDT", "5", "1")

	tr := NewTracker(zap.NewNop(), fake, store)
	positions := tr.Snapshot(context.Background())
	require.Len(t, positions, 1)

	p := positions[0]
	require.Equal(t, "NEWUSDT", p.Symbol)
	require.True(t, p.Quantity.Equal(decimal.RequireFromString("20")))
	require.True(t, p.EntryPrice.Equal(decimal.RequireFromString("0.5")))
	require.True(t, p.CurrentPrice.Equal(decimal.RequireFromString("0.6")))
	require.True(t, p.UnrealizedPnL.Equal(decimal.RequireFromString("2")), "pnl = %s", p.UnrealizedPnL)
	require.Equal(t, buy.ID, p.TradeAttemptID)
	require.Equal(t, buy.OrderID, p.BuyOrderID)
}

func TestRebuildKeepsMostRecentBuyPerSymbol(t *testing.T) {
	store := newTestStore(t)
	fake := exchangetest.NewFake()
	fake.GetAccountFn = balances(map[string]string{"NEW": "5"})

	insertSuccessBuy(t, store, "NEWUSDT", "20", "0.5")
	time.Sleep(5 * time.Millisecond)
	latest := insertSuccessBuy(t, store, "NEWUSDT", "5", "0.8")

	tr := NewTracker(zap.NewNop(), fake, store)
	p, ok := tr.GetPosition(context.Background(), "NEWUSDT")
	require.True(t, ok)
	require.Equal(t, latest.ID, p.TradeAttemptID)
	require.True(t, p.EntryPrice.Equal(decimal.RequireFromString("0.8")))
}

func TestRebuildTickerFallbackToEntry(t *testing.T) {
	store := newTestStore(t)
	fake := exchangetest.NewFake()
	fake.GetAccountFn = balances(map[string]string{"NEW": "20"})
	fake.GetTickerFn = func(ctx context.Context, symbol string) (*types.Ticker, error) {
		return nil, fmt.Errorf("ticker unavailable")
	}

	insertSuccessBuy(t, store, "NEWUSDT", "20", "0.5")

	tr := NewTracker(zap.NewNop(), fake, store)
	p, ok := tr.GetPosition(context.Background(), "NEWUSDT")
	require.True(t, ok)
	require.True(t, p.CurrentPrice.Equal(decimal.RequireFromString("0.5")))
	require.True(t, p.UnrealizedPnL.IsZero())
}

func TestRebuildFailureKeepsPreviousSnapshot(t *testing.T) {
	store := newTestStore(t)
	fake := exchangetest.NewFake()
	fake.GetAccountFn = balances(map[string]string{"NEW": "20"})

	insertSuccessBuy(t, store, "NEWUSDT", "20", "0.5")

	tr := NewTracker(zap.NewNop(), fake, store)
	now := time.Now()
	tr.nowFn = func() time.Time { return now }
	require.Len(t, tr.Snapshot(context.Background()), 1)

	// Push past the TTL and make the account call fail: the stale snapshot
	// must survive.
	fake.GetAccountFn = func(ctx context.Context) (*types.Account, error) {
		return nil, fmt.Errorf("exchange down")
	}
	now = now.Add(time.Minute)
	require.Len(t, tr.Snapshot(context.Background()), 1)
}

func TestExplicitMutations(t *testing.T) {
	store := newTestStore(t)
	fake := exchangetest.NewFake()
	fake.GetAccountFn = balances(map[string]string{})

	tr := NewTracker(zap.NewNop(), fake, store)
	tr.AddPosition(&types.Position{
		Symbol:       "NEWUSDT",
		Quantity:     decimal.RequireFromString("20"),
		EntryPrice:   decimal.RequireFromString("0.5"),
		CurrentPrice: decimal.RequireFromString("0.5"),
		EntryTime:    time.Now().UTC(),
	})

	price := decimal.RequireFromString("0.55")
	tr.UpdatePosition("NEWUSDT", nil, &price)
	p, ok := tr.GetPosition(context.Background(), "NEWUSDT")
	require.True(t, ok)
	require.True(t, p.CurrentPrice.Equal(price))
	require.True(t, p.UnrealizedPnL.Equal(decimal.RequireFromString("1")))

	qty := decimal.RequireFromString("5")
	tr.UpdatePosition("NEWUSDT", &qty, nil)
	p, _ = tr.GetPosition(context.Background(), "NEWUSDT")
	require.True(t, p.Quantity.Equal(qty))

	// Updates to unknown symbols are ignored.
	tr.UpdatePosition("MISSINGUSDT", &qty, nil)

	tr.RemovePosition("NEWUSDT")
	_, ok = tr.GetPosition(context.Background(), "NEWUSDT")
	require.False(t, ok)
}

func TestBaseAssetSuffixes(t *testing.T) {
	cases := map[string]string{
		"NEWUSDT":  "NEW",
		"ABCUSDC":  "ABC",
		"XYZBTC":   "XYZ",
		"DEFETH":   "DEF",
		"GHIBNB":   "GHI",
		"USDT":     "",
		"PLAINEUR": "",
	}
	for symbol, want := range cases {
		require.Equal(t, want, baseAsset(symbol), "symbol %s", symbol)
	}
}
