package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mexc-sniper/trading-backend/pkg/types"
)

// PriceHandler receives ticker updates from the stream.
type PriceHandler func(types.Ticker)

// TickerStream is the optional WebSocket fast path for position pricing.
// Reconnects back off 1s, 2s, 4s ... capped at 30s.
type TickerStream struct {
	logger  *zap.Logger
	url     string
	handler PriceHandler

	mu      sync.Mutex
	symbols map[string]bool
	conn    *websocket.Conn
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewTickerStream creates a stream against the given WS endpoint
// (wss://wbs.mexc.com/ws for production).
func NewTickerStream(logger *zap.Logger, url string, handler PriceHandler) *TickerStream {
	return &TickerStream{
		logger:  logger.Named("ticker-stream"),
		url:     url,
		handler: handler,
		symbols: make(map[string]bool),
	}
}

// Subscribe adds a symbol to the miniTicker subscription set. Takes effect on
// the current connection if one is up, otherwise on the next connect.
func (ts *TickerStream) Subscribe(symbol string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.symbols[symbol] {
		return
	}
	ts.symbols[symbol] = true
	if ts.conn != nil {
		if err := ts.sendSubscription(ts.conn, []string{symbol}); err != nil {
			ts.logger.Warn("subscribe failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}
}

// Unsubscribe removes a symbol from the subscription set.
func (ts *TickerStream) Unsubscribe(symbol string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	delete(ts.symbols, symbol)
}

// Start launches the connect/read loop. Idempotent while running.
func (ts *TickerStream) Start(ctx context.Context) {
	ts.mu.Lock()
	if ts.running {
		ts.mu.Unlock()
		return
	}
	ts.running = true
	ctx, ts.cancel = context.WithCancel(ctx)
	ts.done = make(chan struct{})
	ts.mu.Unlock()

	go ts.run(ctx)
}

// Stop tears the stream down and waits for the loop to exit.
func (ts *TickerStream) Stop() {
	ts.mu.Lock()
	if !ts.running {
		ts.mu.Unlock()
		return
	}
	ts.running = false
	cancel := ts.cancel
	done := ts.done
	ts.mu.Unlock()

	cancel()
	<-done
}

func (ts *TickerStream) run(ctx context.Context) {
	defer close(ts.done)

	boff := &backoff.Backoff{
		Min:    time.Second,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, ts.url, nil)
		if err != nil {
			wait := boff.Duration()
			ts.logger.Warn("ws dial failed", zap.Error(err), zap.Duration("retryIn", wait))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		boff.Reset()

		ts.mu.Lock()
		ts.conn = conn
		symbols := make([]string, 0, len(ts.symbols))
		for s := range ts.symbols {
			symbols = append(symbols, s)
		}
		ts.mu.Unlock()

		if len(symbols) > 0 {
			if err := ts.sendSubscription(conn, symbols); err != nil {
				ts.logger.Warn("initial subscription failed", zap.Error(err))
			}
		}

		ts.readLoop(ctx, conn)

		ts.mu.Lock()
		ts.conn = nil
		ts.mu.Unlock()
		conn.Close()
	}
}

func (ts *TickerStream) sendSubscription(conn *websocket.Conn, symbols []string) error {
	params := make([]string, 0, len(symbols))
	for _, s := range symbols {
		params = append(params, fmt.Sprintf("spot@public.miniTicker.v3.api@%s", s))
	}
	msg := map[string]interface{}{"method": "SUBSCRIPTION", "params": params}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(msg)
}

type miniTickerMessage struct {
	Channel string `json:"c"`
	Symbol  string `json:"s"`
	Data    struct {
		Price string `json:"p"`
	} `json:"d"`
}

func (ts *TickerStream) readLoop(ctx context.Context, conn *websocket.Conn) {
	go func() {
		// Unblock ReadMessage when the context is cancelled.
		<-ctx.Done()
		conn.Close()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				ts.logger.Warn("ws read error, reconnecting", zap.Error(err))
			}
			return
		}

		var msg miniTickerMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Symbol == "" {
			continue
		}
		price, err := decimal.NewFromString(msg.Data.Price)
		if err != nil || !price.IsPositive() {
			continue
		}
		if ts.handler != nil {
			ts.handler(types.Ticker{Symbol: msg.Symbol, Price: price})
		}
	}
}
