package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mexc-sniper/trading-backend/pkg/types"
)

// Decimal columns are fixed-precision strings: scale 8 for quantities and
// prices, scale 4 for percents. All timestamps are UTC.
const (
	moneyScale   = 8
	percentScale = 4
)

func moneyString(d decimal.Decimal) string   { return d.StringFixed(moneyScale) }
func percentString(d decimal.Decimal) string { return d.StringFixed(percentScale) }

func parseMoney(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

type configurationModel struct {
	ID                 string `gorm:"primaryKey;size:36"`
	OperatorID         string `gorm:"size:64;index"`
	EnabledPairs       string `gorm:"type:text"` // JSON array
	MaxPurchaseAmount  string `gorm:"size:32"`
	PriceToleranceBps  int64
	DailySpendingLimit string `gorm:"size:32"`
	MaxTradesPerHour   int
	PollingIntervalMs  int64
	OrderTimeoutMs     int64
	RecvWindowMs       int64
	ProfitTargetBps    int64
	StopLossBps        int64
	TimeBasedExitMin   int
	TrailingStopBps    *int64
	SellStrategy       string `gorm:"size:24"`
	SafetyEnabled      bool
	IsActive           bool `gorm:"index"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (configurationModel) TableName() string { return "trading_configurations" }

func configToModel(c *types.TradingConfiguration) *configurationModel {
	pairs, _ := json.Marshal(c.EnabledPairs)
	return &configurationModel{
		ID:                 c.ID,
		OperatorID:         c.OperatorID,
		EnabledPairs:       string(pairs),
		MaxPurchaseAmount:  moneyString(c.MaxPurchaseAmount),
		PriceToleranceBps:  c.PriceToleranceBps,
		DailySpendingLimit: moneyString(c.DailySpendingLimit),
		MaxTradesPerHour:   c.MaxTradesPerHour,
		PollingIntervalMs:  c.PollingIntervalMs,
		OrderTimeoutMs:     c.OrderTimeoutMs,
		RecvWindowMs:       c.RecvWindowMs,
		ProfitTargetBps:    c.ProfitTargetBps,
		StopLossBps:        c.StopLossBps,
		TimeBasedExitMin:   c.TimeBasedExitMin,
		TrailingStopBps:    c.TrailingStopBps,
		SellStrategy:       string(c.SellStrategy),
		SafetyEnabled:      c.SafetyEnabled,
		IsActive:           c.IsActive,
		CreatedAt:          c.CreatedAt.UTC(),
		UpdatedAt:          c.UpdatedAt.UTC(),
	}
}

func (m *configurationModel) toDomain() *types.TradingConfiguration {
	var pairs []string
	_ = json.Unmarshal([]byte(m.EnabledPairs), &pairs)
	return &types.TradingConfiguration{
		ID:                 m.ID,
		OperatorID:         m.OperatorID,
		EnabledPairs:       pairs,
		MaxPurchaseAmount:  parseMoney(m.MaxPurchaseAmount),
		PriceToleranceBps:  m.PriceToleranceBps,
		DailySpendingLimit: parseMoney(m.DailySpendingLimit),
		MaxTradesPerHour:   m.MaxTradesPerHour,
		PollingIntervalMs:  m.PollingIntervalMs,
		OrderTimeoutMs:     m.OrderTimeoutMs,
		RecvWindowMs:       m.RecvWindowMs,
		ProfitTargetBps:    m.ProfitTargetBps,
		StopLossBps:        m.StopLossBps,
		TimeBasedExitMin:   m.TimeBasedExitMin,
		TrailingStopBps:    m.TrailingStopBps,
		SellStrategy:       types.SellStrategy(m.SellStrategy),
		SafetyEnabled:      m.SafetyEnabled,
		IsActive:           m.IsActive,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

type listingEventModel struct {
	ID                string `gorm:"primaryKey;size:36"`
	Symbol            string `gorm:"size:32;index:idx_listing_symbol_detected"`
	VcoinID           string `gorm:"size:64;index"`
	DetectionSource   string `gorm:"size:24"`
	Confidence        string `gorm:"size:12"`
	ListingTime       time.Time
	DetectedAt        time.Time `gorm:"index:idx_listing_symbol_detected"`
	FreshnessDeadline time.Time
	Processed         bool `gorm:"index"`
	CreatedAt         time.Time
}

func (listingEventModel) TableName() string { return "listing_events" }

func listingToModel(e *types.ListingEvent) *listingEventModel {
	return &listingEventModel{
		ID:                e.ID,
		Symbol:            e.Symbol,
		VcoinID:           e.VcoinID,
		DetectionSource:   string(e.DetectionSource),
		Confidence:        string(e.Confidence),
		ListingTime:       e.ListingTime.UTC(),
		DetectedAt:        e.DetectedAt.UTC(),
		FreshnessDeadline: e.FreshnessDeadline.UTC(),
		Processed:         e.Processed,
	}
}

func (m *listingEventModel) toDomain() *types.ListingEvent {
	return &types.ListingEvent{
		ID:                m.ID,
		Symbol:            m.Symbol,
		VcoinID:           m.VcoinID,
		DetectionSource:   types.DetectionSource(m.DetectionSource),
		Confidence:        types.Confidence(m.Confidence),
		ListingTime:       m.ListingTime,
		DetectedAt:        m.DetectedAt,
		FreshnessDeadline: m.FreshnessDeadline,
		Processed:         m.Processed,
	}
}

type tradeAttemptModel struct {
	ID                    string `gorm:"primaryKey;size:36"`
	ListingEventID        string `gorm:"size:36;index"`
	ConfigurationID       string `gorm:"size:36;index"`
	Symbol                string `gorm:"size:32;index"`
	Side                  string `gorm:"size:8;index"`
	Type                  string `gorm:"size:8"`
	Quantity              string `gorm:"size:32"`
	Price                 string `gorm:"size:32"`
	Status                string `gorm:"size:12;index"`
	OrderID               string `gorm:"size:64"`
	ExecutedQuantity      string `gorm:"size:32"`
	ExecutedPrice         string `gorm:"size:32"`
	Commission            string `gorm:"size:32"`
	DetectedAt            time.Time
	SubmittedAt           time.Time `gorm:"index"`
	CompletedAt           *time.Time
	LatencyMs             int64
	ErrorCode             string `gorm:"size:40"`
	ErrorMessage          string `gorm:"type:text"`
	RetryCount            int
	ParentTradeID         string    `gorm:"size:36;index"`
	PositionID            string    `gorm:"size:36"`
	SellReason            string    `gorm:"size:24"`
	RealizedPnL           string    `gorm:"size:32"`
	ConfigurationSnapshot string    `gorm:"type:text"`
	CreatedAt             time.Time `gorm:"index"`
}

func (tradeAttemptModel) TableName() string { return "trade_attempts" }

func attemptToModel(a *types.TradeAttempt) *tradeAttemptModel {
	m := &tradeAttemptModel{
		ID:                    a.ID,
		ListingEventID:        a.ListingEventID,
		ConfigurationID:       a.ConfigurationID,
		Symbol:                a.Symbol,
		Side:                  string(a.Side),
		Type:                  string(a.Type),
		Quantity:              moneyString(a.Quantity),
		Price:                 moneyString(a.Price),
		Status:                string(a.Status),
		OrderID:               a.OrderID,
		ExecutedQuantity:      moneyString(a.ExecutedQuantity),
		ExecutedPrice:         moneyString(a.ExecutedPrice),
		Commission:            moneyString(a.Commission),
		DetectedAt:            a.DetectedAt.UTC(),
		SubmittedAt:           a.SubmittedAt.UTC(),
		LatencyMs:             a.LatencyMs,
		ErrorCode:             a.ErrorCode,
		ErrorMessage:          a.ErrorMessage,
		RetryCount:            a.RetryCount,
		ParentTradeID:         a.ParentTradeID,
		PositionID:            a.PositionID,
		SellReason:            string(a.SellReason),
		RealizedPnL:           moneyString(a.RealizedPnL),
		ConfigurationSnapshot: a.ConfigurationSnapshot,
	}
	if !a.CompletedAt.IsZero() {
		t := a.CompletedAt.UTC()
		m.CompletedAt = &t
	}
	return m
}

func (m *tradeAttemptModel) toDomain() *types.TradeAttempt {
	a := &types.TradeAttempt{
		ID:                    m.ID,
		ListingEventID:        m.ListingEventID,
		ConfigurationID:       m.ConfigurationID,
		Symbol:                m.Symbol,
		Side:                  types.Side(m.Side),
		Type:                  types.OrderType(m.Type),
		Quantity:              parseMoney(m.Quantity),
		Price:                 parseMoney(m.Price),
		Status:                types.TradeStatus(m.Status),
		OrderID:               m.OrderID,
		ExecutedQuantity:      parseMoney(m.ExecutedQuantity),
		ExecutedPrice:         parseMoney(m.ExecutedPrice),
		Commission:            parseMoney(m.Commission),
		DetectedAt:            m.DetectedAt,
		SubmittedAt:           m.SubmittedAt,
		LatencyMs:             m.LatencyMs,
		ErrorCode:             m.ErrorCode,
		ErrorMessage:          m.ErrorMessage,
		RetryCount:            m.RetryCount,
		ParentTradeID:         m.ParentTradeID,
		PositionID:            m.PositionID,
		SellReason:            types.SellReason(m.SellReason),
		RealizedPnL:           parseMoney(m.RealizedPnL),
		ConfigurationSnapshot: m.ConfigurationSnapshot,
	}
	if m.CompletedAt != nil {
		a.CompletedAt = *m.CompletedAt
	}
	return a
}

type tradeLogModel struct {
	ID               string `gorm:"primaryKey;size:36"`
	TradeAttemptID   string `gorm:"size:36;index"`
	OrderID          string `gorm:"size:64;uniqueIndex"`
	Symbol           string `gorm:"size:32"`
	QuoteQty         string `gorm:"size:32"`
	Fees             string `gorm:"size:32"`
	ExchangeResponse string `gorm:"type:text"`
	CreatedAt        time.Time
}

func (tradeLogModel) TableName() string { return "trade_logs" }

type botRunModel struct {
	ID              string `gorm:"primaryKey;size:36"`
	ConfigurationID string `gorm:"size:36;index"`
	OperatorID      string `gorm:"size:64"`
	Status          string `gorm:"size:12;index"`
	StartedAt       time.Time
	StoppedAt       *time.Time
	LastHeartbeat   time.Time
	ErrorMessage    string `gorm:"type:text"`
}

func (botRunModel) TableName() string { return "bot_runs" }

func runToModel(r *types.BotRun) *botRunModel {
	m := &botRunModel{
		ID:              r.ID,
		ConfigurationID: r.ConfigurationID,
		OperatorID:      r.OperatorID,
		Status:          string(r.Status),
		StartedAt:       r.StartedAt.UTC(),
		LastHeartbeat:   r.LastHeartbeat.UTC(),
		ErrorMessage:    r.ErrorMessage,
	}
	if !r.StoppedAt.IsZero() {
		t := r.StoppedAt.UTC()
		m.StoppedAt = &t
	}
	return m
}

func (m *botRunModel) toDomain() *types.BotRun {
	r := &types.BotRun{
		ID:              m.ID,
		ConfigurationID: m.ConfigurationID,
		OperatorID:      m.OperatorID,
		Status:          types.RunStatus(m.Status),
		StartedAt:       m.StartedAt,
		LastHeartbeat:   m.LastHeartbeat,
		ErrorMessage:    m.ErrorMessage,
	}
	if m.StoppedAt != nil {
		r.StoppedAt = *m.StoppedAt
	}
	return r
}

type botStatusModel struct {
	ID                string `gorm:"primaryKey;size:36"`
	IsRunning         bool
	LastHeartbeat     time.Time
	ExchangeAPIStatus string `gorm:"size:24"`
	APIResponseTimeMs int64
	ConsecutiveErrors int
	LastErrorMessage  string `gorm:"type:text"`
	UpdatedAt         time.Time
}

func (botStatusModel) TableName() string { return "bot_statuses" }
