// Package types provides shared type definitions for the sniper backend.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents buy or sell.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType represents the type of order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// TradeStatus represents the lifecycle state of a trade attempt.
// PENDING transitions to SUCCESS or FAILED exactly once; both are terminal.
type TradeStatus string

const (
	TradeStatusPending  TradeStatus = "PENDING"
	TradeStatusSuccess  TradeStatus = "SUCCESS"
	TradeStatusFailed   TradeStatus = "FAILED"
	TradeStatusCanceled TradeStatus = "CANCELED"
)

// DetectionSource identifies which poller produced a listing signal.
type DetectionSource string

const (
	SourceCalendar         DetectionSource = "CALENDAR"
	SourceSymbolComparison DetectionSource = "SYMBOL_COMPARISON"
)

// Confidence scores a detection signal.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// SellStrategy selects the exit rule evaluated by the position monitor.
type SellStrategy string

const (
	SellStrategyProfitTarget SellStrategy = "PROFIT_TARGET"
	SellStrategyStopLoss     SellStrategy = "STOP_LOSS"
	SellStrategyTimeBased    SellStrategy = "TIME_BASED"
	SellStrategyTrailingStop SellStrategy = "TRAILING_STOP"
	SellStrategyCombined     SellStrategy = "COMBINED"
)

// SellReason records which exit condition fired.
type SellReason string

const (
	SellReasonProfitTarget SellReason = "PROFIT_TARGET"
	SellReasonStopLoss     SellReason = "STOP_LOSS"
	SellReasonTimeBased    SellReason = "TIME_BASED"
	SellReasonManual       SellReason = "MANUAL"
)

// RunStatus represents the BotRun state machine.
type RunStatus string

const (
	RunStatusStarting RunStatus = "starting"
	RunStatusRunning  RunStatus = "running"
	RunStatusStopping RunStatus = "stopping"
	RunStatusStopped  RunStatus = "stopped"
	RunStatusFailed   RunStatus = "failed"
)

// runTransitions encodes the valid forward edges of the BotRun machine.
var runTransitions = map[RunStatus][]RunStatus{
	RunStatusStarting: {RunStatusRunning, RunStatusFailed},
	RunStatusRunning:  {RunStatusStopping, RunStatusFailed},
	RunStatusStopping: {RunStatusStopped, RunStatusFailed},
}

// CanTransition reports whether moving from s to next is a valid edge.
// stopped and failed are terminal.
func (s RunStatus) CanTransition(next RunStatus) bool {
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusStopped || s == RunStatusFailed
}

// Active reports whether the run still holds the at-most-one-run slot.
func (s RunStatus) Active() bool {
	return s == RunStatusStarting || s == RunStatusRunning || s == RunStatusStopping
}

// TradingConfiguration is an operator's parameter set. At most one
// configuration per operator has IsActive=true at any time.
type TradingConfiguration struct {
	ID                 string          `json:"id"`
	OperatorID         string          `json:"operatorId"`
	EnabledPairs       []string        `json:"enabledPairs"`
	MaxPurchaseAmount  decimal.Decimal `json:"maxPurchaseAmount"` // quote currency
	PriceToleranceBps  int64           `json:"priceToleranceBps"`
	DailySpendingLimit decimal.Decimal `json:"dailySpendingLimit"`
	MaxTradesPerHour   int             `json:"maxTradesPerHour"`
	PollingIntervalMs  int64           `json:"pollingIntervalMs"`
	OrderTimeoutMs     int64           `json:"orderTimeoutMs"`
	RecvWindowMs       int64           `json:"recvWindowMs"`
	ProfitTargetBps    int64           `json:"profitTargetBps"` // default 500
	StopLossBps        int64           `json:"stopLossBps"`     // default 200
	TimeBasedExitMin   int             `json:"timeBasedExitMinutes"`
	TrailingStopBps    *int64          `json:"trailingStopBps,omitempty"`
	SellStrategy       SellStrategy    `json:"sellStrategy"`
	SafetyEnabled      bool            `json:"safetyEnabled"`
	IsActive           bool            `json:"isActive"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// PollingInterval returns the detection poll period, defaulting to 5s.
func (c *TradingConfiguration) PollingInterval() time.Duration {
	if c.PollingIntervalMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.PollingIntervalMs) * time.Millisecond
}

// PairEnabled reports whether symbol is in the configured pair set.
func (c *TradingConfiguration) PairEnabled(symbol string) bool {
	for _, p := range c.EnabledPairs {
		if p == symbol {
			return true
		}
	}
	return false
}

// ListingEvent is a detected (or upcoming) new listing.
type ListingEvent struct {
	ID                string          `json:"id"`
	Symbol            string          `json:"symbol"`
	VcoinID           string          `json:"vcoinId"`
	DetectionSource   DetectionSource `json:"detectionSource"`
	Confidence        Confidence      `json:"confidence"`
	ListingTime       time.Time       `json:"listingTime"`
	DetectedAt        time.Time       `json:"detectedAt"`
	FreshnessDeadline time.Time       `json:"freshnessDeadline"`
	Processed         bool            `json:"processed"`
}

// Fresh reports whether the signal may still trigger an order at t.
func (e *ListingEvent) Fresh(t time.Time) bool {
	return t.Before(e.FreshnessDeadline)
}

// TradeAttempt records one buy or sell attempt, terminal once SUCCESS/FAILED.
type TradeAttempt struct {
	ID                    string          `json:"id"`
	ListingEventID        string          `json:"listingEventId,omitempty"`
	ConfigurationID       string          `json:"configurationId"`
	Symbol                string          `json:"symbol"`
	Side                  Side            `json:"side"`
	Type                  OrderType       `json:"type"`
	Quantity              decimal.Decimal `json:"quantity"`
	Price                 decimal.Decimal `json:"price,omitempty"`
	Status                TradeStatus     `json:"status"`
	OrderID               string          `json:"orderId,omitempty"`
	ExecutedQuantity      decimal.Decimal `json:"executedQuantity"`
	ExecutedPrice         decimal.Decimal `json:"executedPrice"`
	Commission            decimal.Decimal `json:"commission"`
	DetectedAt            time.Time       `json:"detectedAt"`
	SubmittedAt           time.Time       `json:"submittedAt"`
	CompletedAt           time.Time       `json:"completedAt,omitempty"`
	LatencyMs             int64           `json:"latencyMs"`
	ErrorCode             string          `json:"errorCode,omitempty"`
	ErrorMessage          string          `json:"errorMessage,omitempty"`
	RetryCount            int             `json:"retryCount"`
	ParentTradeID         string          `json:"parentTradeId,omitempty"`
	PositionID            string          `json:"positionId,omitempty"`
	SellReason            SellReason      `json:"sellReason,omitempty"`
	RealizedPnL           decimal.Decimal `json:"realizedPnl"`
	ConfigurationSnapshot string          `json:"configurationSnapshot,omitempty"` // JSON of config at trade time
}

// TradeLog is the immutable record of an exchange fill response.
type TradeLog struct {
	ID               string          `json:"id"`
	TradeAttemptID   string          `json:"tradeAttemptId"`
	OrderID          string          `json:"orderId"`
	Symbol           string          `json:"symbol"`
	QuoteQty         decimal.Decimal `json:"quoteQty"`
	Fees             decimal.Decimal `json:"fees"`
	ExchangeResponse string          `json:"exchangeResponse"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// BotRun tracks one orchestrator lifecycle.
type BotRun struct {
	ID              string    `json:"id"`
	ConfigurationID string    `json:"configurationId"`
	OperatorID      string    `json:"operatorId"`
	Status          RunStatus `json:"status"`
	StartedAt       time.Time `json:"startedAt"`
	StoppedAt       time.Time `json:"stoppedAt,omitempty"`
	LastHeartbeat   time.Time `json:"lastHeartbeat"`
	ErrorMessage    string    `json:"errorMessage,omitempty"`
}

// BotStatus is the process-wide snapshot rewritten on each heartbeat.
type BotStatus struct {
	ID                string        `json:"id"`
	IsRunning         bool          `json:"isRunning"`
	LastHeartbeat     time.Time     `json:"lastHeartbeat"`
	ExchangeAPIStatus string        `json:"exchangeApiStatus"`
	APIResponseTime   time.Duration `json:"apiResponseTime"`
	ConsecutiveErrors int           `json:"consecutiveErrors"`
	LastErrorMessage  string        `json:"lastErrorMessage,omitempty"`
}

// Position is the in-memory view of an open long. Rebuildable from the
// exchange balance plus the most recent SUCCESS BUY row.
type Position struct {
	Symbol           string          `json:"symbol"`
	Quantity         decimal.Decimal `json:"quantity"`
	EntryPrice       decimal.Decimal `json:"entryPrice"`
	EntryTime        time.Time       `json:"entryTime"`
	CurrentPrice     decimal.Decimal `json:"currentPrice"`
	UnrealizedPnL    decimal.Decimal `json:"unrealizedPnl"`
	UnrealizedPnLPct decimal.Decimal `json:"unrealizedPnlPercent"`
	BuyOrderID       string          `json:"buyOrderId"`
	TradeAttemptID   string          `json:"tradeAttemptId"`
	ListingEventID   string          `json:"listingEventId,omitempty"`
	ConfigurationID  string          `json:"configurationId,omitempty"`
}

// Recalculate updates unrealized PnL from CurrentPrice.
func (p *Position) Recalculate() {
	p.UnrealizedPnL = p.CurrentPrice.Sub(p.EntryPrice).Mul(p.Quantity)
	if p.EntryPrice.IsZero() {
		p.UnrealizedPnLPct = decimal.Zero
		return
	}
	p.UnrealizedPnLPct = p.CurrentPrice.Div(p.EntryPrice).
		Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100))
}

// SymbolStatus flags whether a pair is tradable.
type SymbolStatus string

const (
	SymbolEnabled  SymbolStatus = "ENABLED"
	SymbolDisabled SymbolStatus = "DISABLED"
)

// ExchangeRules holds per-symbol trading constraints.
type ExchangeRules struct {
	Symbol      string          `json:"symbol"`
	MinQty      decimal.Decimal `json:"minQty"`
	MaxQty      decimal.Decimal `json:"maxQty"`
	StepSize    decimal.Decimal `json:"stepSize"`
	TickSize    decimal.Decimal `json:"tickSize"`
	MinNotional decimal.Decimal `json:"minNotional"`
	Status      SymbolStatus    `json:"status"`
}

// CalendarEntry is one upcoming listing from the exchange calendar.
type CalendarEntry struct {
	VcoinID       string    `json:"vcoinId"`
	VcoinName     string    `json:"vcoinName"`
	VcoinNameFull string    `json:"vcoinNameFull"`
	FirstOpenTime time.Time `json:"firstOpenTime"`
	Zone          string    `json:"zone"`
}

// Symbol derives the tradable pair name for a calendar entry.
func (c *CalendarEntry) Symbol() string {
	return c.VcoinName + "USDT"
}

// ReadyToTrade reports whether the pair goes live within the lead window.
// A small lead lets the order hit the book the moment trading opens.
func (c *CalendarEntry) ReadyToTrade(now time.Time, lead time.Duration) bool {
	return !c.FirstOpenTime.After(now.Add(lead))
}

// Balance is one asset balance from the exchange account.
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// Account is the exchange account snapshot.
type Account struct {
	CanTrade bool      `json:"canTrade"`
	Balances []Balance `json:"balances"`
}

// OrderResult is the exchange response to an order placement.
type OrderResult struct {
	OrderID          string          `json:"orderId"`
	Symbol           string          `json:"symbol"`
	Side             Side            `json:"side"`
	Type             OrderType       `json:"type"`
	Status           string          `json:"status"`
	ExecutedQuantity decimal.Decimal `json:"executedQty"`
	ExecutedPrice    decimal.Decimal `json:"executedPrice"`
	CumQuoteQty      decimal.Decimal `json:"cummulativeQuoteQty"`
	Commission       decimal.Decimal `json:"commission"`
	TransactTime     time.Time       `json:"transactTime"`
	Raw              string          `json:"-"`
}

// Ticker is a last-price quote for a symbol.
type Ticker struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}
