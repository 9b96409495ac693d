// Package exchange provides signed REST and WebSocket access to MEXC spot.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mexc-sniper/trading-backend/pkg/types"
)

// API is the exchange surface the trading core depends on.
type API interface {
	GetServerTime(ctx context.Context) (time.Time, error)
	GetTicker(ctx context.Context, symbol string) (*types.Ticker, error)
	GetExchangeInfo(ctx context.Context) ([]types.ExchangeRules, error)
	GetCalendar(ctx context.Context) ([]types.CalendarEntry, error)
	GetAccount(ctx context.Context) (*types.Account, error)
	PlaceMarketBuy(ctx context.Context, symbol string, qty decimal.Decimal) (*types.OrderResult, error)
	PlaceLimitBuy(ctx context.Context, symbol string, qty, price decimal.Decimal) (*types.OrderResult, error)
	PlaceMarketSell(ctx context.Context, symbol string, qty decimal.Decimal) (*types.OrderResult, error)
	PlaceLimitSell(ctx context.Context, symbol string, qty, price decimal.Decimal) (*types.OrderResult, error)
	GetOrderStatus(ctx context.Context, symbol, orderID string) (*types.OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// ClientConfig configures the REST client.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	SecretKey  string
	RecvWindow time.Duration
	Timeout    time.Duration

	// Requests per second against the REST API; MEXC weight limits are
	// generous but a burst of pollers can still trip -1003.
	RateLimit rate.Limit
	RateBurst int
}

// DefaultClientConfig returns production defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:    "https://api.mexc.com",
		RecvWindow: 5 * time.Second,
		Timeout:    10 * time.Second,
		RateLimit:  20,
		RateBurst:  40,
	}
}

// Client is the signed MEXC REST client. Order placement runs behind a
// circuit breaker: five consecutive failures open it for 60 seconds, after
// which a single successful probe closes it again.
type Client struct {
	logger  *zap.Logger
	config  ClientConfig
	http    *http.Client
	signer  *Signer
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	nowFn   func() time.Time
}

// NewClient creates a REST client.
func NewClient(logger *zap.Logger, config ClientConfig) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.RateLimit <= 0 {
		config.RateLimit = 20
		config.RateBurst = 40
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "mexc-orders",
		MaxRequests: 1,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Client{
		logger:  logger.Named("exchange"),
		config:  config,
		http:    &http.Client{Timeout: config.Timeout},
		signer:  NewSigner(config.SecretKey),
		limiter: rate.NewLimiter(config.RateLimit, config.RateBurst),
		breaker: breaker,
		nowFn:   time.Now,
	}
}

// GetServerTime returns the exchange clock.
func (c *Client) GetServerTime(ctx context.Context) (time.Time, error) {
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := c.getPublic(ctx, "/api/v3/time", nil, &resp); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(resp.ServerTime), nil
}

// GetTicker returns the last price for a symbol.
func (c *Client) GetTicker(ctx context.Context, symbol string) (*types.Ticker, error) {
	var resp struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := c.getPublic(ctx, "/api/v3/ticker/price", map[string]string{"symbol": symbol}, &resp); err != nil {
		return nil, err
	}
	price, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return nil, types.WrapError(types.ErrKindInternal, types.CodeInvalidPrice,
			fmt.Errorf("ticker price %q: %w", resp.Price, err))
	}
	return &types.Ticker{Symbol: resp.Symbol, Price: price}, nil
}

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Status  string `json:"status"`
		Filters []struct {
			FilterType  string `json:"filterType"`
			MinQty      string `json:"minQty"`
			MaxQty      string `json:"maxQty"`
			StepSize    string `json:"stepSize"`
			TickSize    string `json:"tickSize"`
			MinNotional string `json:"minNotional"`
		} `json:"filters"`
	} `json:"symbols"`
}

// GetExchangeInfo returns trading rules for all symbols.
func (c *Client) GetExchangeInfo(ctx context.Context) ([]types.ExchangeRules, error) {
	var resp exchangeInfoResponse
	if err := c.getPublic(ctx, "/api/v3/exchangeInfo", nil, &resp); err != nil {
		return nil, err
	}

	rules := make([]types.ExchangeRules, 0, len(resp.Symbols))
	for _, s := range resp.Symbols {
		r := types.ExchangeRules{
			Symbol: s.Symbol,
			Status: types.SymbolDisabled,
		}
		// MEXC reports "1"/"ENABLED" for tradable pairs depending on endpoint version.
		if s.Status == "1" || s.Status == "ENABLED" || s.Status == "TRADING" {
			r.Status = types.SymbolEnabled
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				r.MinQty = parseDecimal(f.MinQty)
				r.MaxQty = parseDecimal(f.MaxQty)
				r.StepSize = parseDecimal(f.StepSize)
			case "PRICE_FILTER":
				r.TickSize = parseDecimal(f.TickSize)
			case "MIN_NOTIONAL", "NOTIONAL":
				r.MinNotional = parseDecimal(f.MinNotional)
			}
		}
		rules = append(rules, r)
	}
	return rules, nil
}

type calendarResponse struct {
	Data struct {
		NewCoins []struct {
			VcoinID       string `json:"vcoinId"`
			VcoinName     string `json:"vcoinName"`
			VcoinNameFull string `json:"vcoinNameFull"`
			FirstOpenTime int64  `json:"firstOpenTime"`
			Zone          string `json:"zone"`
		} `json:"newCoins"`
	} `json:"data"`
}

// GetCalendar returns upcoming listings. The endpoint is unauthenticated;
// entries missing vcoinId, vcoinName or firstOpenTime are dropped.
func (c *Client) GetCalendar(ctx context.Context) ([]types.CalendarEntry, error) {
	var resp calendarResponse
	if err := c.getPublic(ctx, "/api/operation/new_coin_calendar", nil, &resp); err != nil {
		return nil, err
	}

	entries := make([]types.CalendarEntry, 0, len(resp.Data.NewCoins))
	for _, nc := range resp.Data.NewCoins {
		if nc.VcoinID == "" || nc.VcoinName == "" || nc.FirstOpenTime == 0 {
			continue
		}
		entries = append(entries, types.CalendarEntry{
			VcoinID:       nc.VcoinID,
			VcoinName:     nc.VcoinName,
			VcoinNameFull: nc.VcoinNameFull,
			FirstOpenTime: time.UnixMilli(nc.FirstOpenTime),
			Zone:          nc.Zone,
		})
	}
	return entries, nil
}

// GetAccount returns balances and trade permission.
func (c *Client) GetAccount(ctx context.Context) (*types.Account, error) {
	var resp struct {
		CanTrade bool `json:"canTrade"`
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := c.signedRequest(ctx, http.MethodGet, "/api/v3/account", nil, &resp); err != nil {
		return nil, err
	}

	acct := &types.Account{CanTrade: resp.CanTrade}
	for _, b := range resp.Balances {
		acct.Balances = append(acct.Balances, types.Balance{
			Asset:  b.Asset,
			Free:   parseDecimal(b.Free),
			Locked: parseDecimal(b.Locked),
		})
	}
	return acct, nil
}

// PlaceMarketBuy submits a market buy.
func (c *Client) PlaceMarketBuy(ctx context.Context, symbol string, qty decimal.Decimal) (*types.OrderResult, error) {
	return c.placeOrder(ctx, symbol, types.SideBuy, types.OrderTypeMarket, qty, decimal.Zero)
}

// PlaceLimitBuy submits a limit buy.
func (c *Client) PlaceLimitBuy(ctx context.Context, symbol string, qty, price decimal.Decimal) (*types.OrderResult, error) {
	return c.placeOrder(ctx, symbol, types.SideBuy, types.OrderTypeLimit, qty, price)
}

// PlaceMarketSell submits a market sell.
func (c *Client) PlaceMarketSell(ctx context.Context, symbol string, qty decimal.Decimal) (*types.OrderResult, error) {
	return c.placeOrder(ctx, symbol, types.SideSell, types.OrderTypeMarket, qty, decimal.Zero)
}

// PlaceLimitSell submits a limit sell.
func (c *Client) PlaceLimitSell(ctx context.Context, symbol string, qty, price decimal.Decimal) (*types.OrderResult, error) {
	return c.placeOrder(ctx, symbol, types.SideSell, types.OrderTypeLimit, qty, price)
}

type orderResponse struct {
	OrderID      json.Number `json:"orderId"`
	Symbol       string      `json:"symbol"`
	Status       string      `json:"status"`
	ExecutedQty  string      `json:"executedQty"`
	CumQuoteQty  string      `json:"cummulativeQuoteQty"`
	Price        string      `json:"price"`
	TransactTime int64       `json:"transactTime"`
}

// placeOrder runs the actual submission behind the circuit breaker.
func (c *Client) placeOrder(ctx context.Context, symbol string, side types.Side, typ types.OrderType, qty, price decimal.Decimal) (*types.OrderResult, error) {
	params := map[string]string{
		"symbol":   symbol,
		"side":     string(side),
		"type":     string(typ),
		"quantity": qty.String(),
	}
	if typ == types.OrderTypeLimit {
		params["price"] = price.String()
		params["timeInForce"] = "GTC"
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		var resp orderResponse
		if err := c.signedRequest(ctx, http.MethodPost, "/api/v3/order", params, &resp); err != nil {
			return nil, err
		}
		return &resp, nil
	})
	if err != nil {
		return nil, classify(err)
	}
	resp := res.(*orderResponse)

	result := &types.OrderResult{
		OrderID:          resp.OrderID.String(),
		Symbol:           resp.Symbol,
		Side:             side,
		Type:             typ,
		Status:           resp.Status,
		ExecutedQuantity: parseDecimal(resp.ExecutedQty),
		CumQuoteQty:      parseDecimal(resp.CumQuoteQty),
		TransactTime:     time.UnixMilli(resp.TransactTime),
	}
	if result.ExecutedQuantity.IsPositive() {
		result.ExecutedPrice = result.CumQuoteQty.Div(result.ExecutedQuantity)
	} else if typ == types.OrderTypeLimit {
		result.ExecutedPrice = price
	}
	raw, _ := json.Marshal(resp)
	result.Raw = string(raw)

	c.logger.Info("order placed",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("type", string(typ)),
		zap.String("orderId", result.OrderID),
		zap.String("executedQty", result.ExecutedQuantity.String()),
	)
	return result, nil
}

// GetOrderStatus fetches the current state of an order.
func (c *Client) GetOrderStatus(ctx context.Context, symbol, orderID string) (*types.OrderResult, error) {
	params := map[string]string{"symbol": symbol, "orderId": orderID}
	var resp orderResponse
	if err := c.signedRequest(ctx, http.MethodGet, "/api/v3/order", params, &resp); err != nil {
		return nil, classify(err)
	}
	result := &types.OrderResult{
		OrderID:          resp.OrderID.String(),
		Symbol:           resp.Symbol,
		Status:           resp.Status,
		ExecutedQuantity: parseDecimal(resp.ExecutedQty),
		CumQuoteQty:      parseDecimal(resp.CumQuoteQty),
		TransactTime:     time.UnixMilli(resp.TransactTime),
	}
	if result.ExecutedQuantity.IsPositive() {
		result.ExecutedPrice = result.CumQuoteQty.Div(result.ExecutedQuantity)
	}
	return result, nil
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := map[string]string{"symbol": symbol, "orderId": orderID}
	var resp orderResponse
	if err := c.signedRequest(ctx, http.MethodDelete, "/api/v3/order", params, &resp); err != nil {
		return classify(err)
	}
	return nil
}

// getPublic performs an unauthenticated GET.
func (c *Client) getPublic(ctx context.Context, path string, params map[string]string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := c.config.BaseURL + path
	if len(params) > 0 {
		u += "?" + Canonicalize(params)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// signedRequest performs an authenticated request per the signing contract.
func (c *Client) signedRequest(ctx context.Context, method, path string, params map[string]string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if params == nil {
		params = map[string]string{}
	}

	query, signature := c.signer.Sign(params, c.nowFn().UnixMilli(), c.config.RecvWindow.Milliseconds())
	u := c.config.BaseURL + path + "?" + query + "&signature=" + signature

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MEXC-APIKEY", c.config.APIKey)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return classify(err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{HTTPStatus: resp.StatusCode}
		if jsonErr := json.Unmarshal(body, apiErr); jsonErr != nil {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return classify(apiErr)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return nil
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
