// Package storage is the persistence adapter over GORM. Postgres in
// production via DATABASE_URL, sqlite for local runs and tests. It owns every
// durable write; in-memory caches elsewhere are projections of these tables.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mexc-sniper/trading-backend/pkg/types"
)

// Store is the durable-state surface consumed by the trading core.
// All queries are bounded and all timestamps are UTC.
type Store interface {
	// Configurations
	SaveConfiguration(ctx context.Context, cfg *types.TradingConfiguration) error
	SelectActiveConfig(ctx context.Context) (*types.TradingConfiguration, error)
	GetConfiguration(ctx context.Context, id string) (*types.TradingConfiguration, error)

	// Listing signals
	AppendListingEvent(ctx context.Context, e *types.ListingEvent) error
	MarkSignalProcessed(ctx context.Context, id string) error
	UnprocessedSignals(ctx context.Context, now time.Time) ([]*types.ListingEvent, error)
	RecentListingEvents(ctx context.Context, symbol string, since time.Time) ([]*types.ListingEvent, error)
	ListingEventsSince(ctx context.Context, since time.Time, symbol string, limit int) ([]*types.ListingEvent, error)
	UpcomingListings(ctx context.Context, now time.Time, horizon time.Duration, limit int) ([]*types.ListingEvent, error)

	// Trade attempts
	InsertTradeAttempt(ctx context.Context, a *types.TradeAttempt) error
	FinalizeTradeAttempt(ctx context.Context, a *types.TradeAttempt) error
	GetTradeAttempt(ctx context.Context, id string) (*types.TradeAttempt, error)
	SelectOpenBuyOrders(ctx context.Context, limit int) ([]*types.TradeAttempt, error)
	LatestSuccessBuy(ctx context.Context, symbol string) (*types.TradeAttempt, error)
	TradeHistory(ctx context.Context, limit int) ([]*types.TradeAttempt, error)
	CountTradesSince(ctx context.Context, since time.Time) (int64, error)
	SpentSince(ctx context.Context, since time.Time) (decimal.Decimal, error)

	// Trade logs
	AppendTradeLog(ctx context.Context, l *types.TradeLog) error

	// Bot runs
	ClaimBotRun(ctx context.Context, run *types.BotRun) error
	UpdateBotRun(ctx context.Context, run *types.BotRun) error
	ActiveBotRun(ctx context.Context, configurationID string) (*types.BotRun, error)
	GetBotRun(ctx context.Context, id string) (*types.BotRun, error)

	// Bot status
	UpdateBotStatus(ctx context.Context, s *types.BotStatus) error
	GetBotStatus(ctx context.Context) (*types.BotStatus, error)

	Ping(ctx context.Context) error
}

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// GormStore implements Store on a GORM connection.
type GormStore struct {
	logger       *zap.Logger
	db           *gorm.DB
	queryTimeout time.Duration
}

// Open connects to the database named by url (postgres:// or a sqlite path)
// and migrates the schema.
func Open(log *zap.Logger, url string, queryTimeout time.Duration) (*GormStore, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		dialector = postgres.Open(url)
	} else {
		dialector = sqlite.Open(url)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(
		&configurationModel{},
		&listingEventModel{},
		&tradeAttemptModel{},
		&tradeLogModel{},
		&botRunModel{},
		&botStatusModel{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	// At most one non-terminal run per configuration, enforced by the
	// database so concurrent claims from separate processes cannot both win.
	if err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_bot_runs_one_active
		ON bot_runs (configuration_id)
		WHERE status IN ('starting', 'running', 'stopping')`).Error; err != nil {
		return nil, fmt.Errorf("create active-run index: %w", err)
	}

	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}
	log.Named("storage").Info("database connected")
	return &GormStore{logger: log.Named("storage"), db: db, queryTimeout: queryTimeout}, nil
}

func (s *GormStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}

// Ping verifies connectivity; main maps a failure at startup to exit code 3.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// SaveConfiguration upserts a configuration. Activating one deactivates the
// operator's other configurations in the same transaction, preserving the
// one-active-config-per-operator invariant.
func (s *GormStore) SaveConfiguration(ctx context.Context, cfg *types.TradingConfiguration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	m := configToModel(cfg)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if cfg.IsActive {
			if err := tx.Model(&configurationModel{}).
				Where("operator_id = ? AND id <> ?", cfg.OperatorID, cfg.ID).
				Update("is_active", false).Error; err != nil {
				return err
			}
		}
		return tx.Save(m).Error
	})
}

// SelectActiveConfig returns the single active configuration.
func (s *GormStore) SelectActiveConfig(ctx context.Context) (*types.TradingConfiguration, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var m configurationModel
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("updated_at DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m.toDomain(), nil
}

// GetConfiguration loads one configuration by id.
func (s *GormStore) GetConfiguration(ctx context.Context, id string) (*types.TradingConfiguration, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var m configurationModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m.toDomain(), nil
}

// AppendListingEvent persists a new signal.
func (s *GormStore) AppendListingEvent(ctx context.Context, e *types.ListingEvent) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.db.WithContext(ctx).Create(listingToModel(e)).Error
}

// MarkSignalProcessed sets processed=true exactly once; already-processed
// rows are untouched.
func (s *GormStore) MarkSignalProcessed(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.db.WithContext(ctx).
		Model(&listingEventModel{}).
		Where("id = ? AND processed = ?", id, false).
		Update("processed", true).Error
}

// UnprocessedSignals returns the 100 newest unprocessed signals that are
// still fresh, newest first.
func (s *GormStore) UnprocessedSignals(ctx context.Context, now time.Time) ([]*types.ListingEvent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var models []listingEventModel
	err := s.db.WithContext(ctx).
		Where("processed = ? AND freshness_deadline > ?", false, now.UTC()).
		Order("detected_at DESC").
		Limit(100).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return listingDomains(models), nil
}

// RecentListingEvents returns events for symbol detected at or after since,
// used by the detector's dedup window.
func (s *GormStore) RecentListingEvents(ctx context.Context, symbol string, since time.Time) ([]*types.ListingEvent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var models []listingEventModel
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND detected_at >= ?", symbol, since.UTC()).
		Order("detected_at DESC").
		Limit(50).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return listingDomains(models), nil
}

// ListingEventsSince serves the recent-listings API; symbol is optional.
func (s *GormStore) ListingEventsSince(ctx context.Context, since time.Time, symbol string, limit int) ([]*types.ListingEvent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	q := s.db.WithContext(ctx).Where("detected_at >= ?", since.UTC())
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	var models []listingEventModel
	if err := q.Order("detected_at DESC").Limit(boundedLimit(limit)).Find(&models).Error; err != nil {
		return nil, err
	}
	return listingDomains(models), nil
}

// UpcomingListings serves the upcoming-listings API: calendar signals whose
// listing time falls within the horizon.
func (s *GormStore) UpcomingListings(ctx context.Context, now time.Time, horizon time.Duration, limit int) ([]*types.ListingEvent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var models []listingEventModel
	err := s.db.WithContext(ctx).
		Where("detection_source = ? AND listing_time BETWEEN ? AND ?",
			string(types.SourceCalendar), now.UTC(), now.Add(horizon).UTC()).
		Order("listing_time ASC").
		Limit(boundedLimit(limit)).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return listingDomains(models), nil
}

func listingDomains(models []listingEventModel) []*types.ListingEvent {
	out := make([]*types.ListingEvent, 0, len(models))
	for i := range models {
		out = append(out, models[i].toDomain())
	}
	return out
}

// InsertTradeAttempt appends a new attempt row.
func (s *GormStore) InsertTradeAttempt(ctx context.Context, a *types.TradeAttempt) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.db.WithContext(ctx).Create(attemptToModel(a)).Error
}

// FinalizeTradeAttempt moves a PENDING attempt to its terminal state.
// Terminal rows are never rewritten.
func (s *GormStore) FinalizeTradeAttempt(ctx context.Context, a *types.TradeAttempt) error {
	if a.Status != types.TradeStatusSuccess && a.Status != types.TradeStatusFailed && a.Status != types.TradeStatusCanceled {
		return types.NewError(types.ErrKindInternal, types.CodeInvalidTransition,
			fmt.Sprintf("cannot finalize trade attempt to %s", a.Status))
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	m := attemptToModel(a)
	res := s.db.WithContext(ctx).
		Model(&tradeAttemptModel{}).
		Where("id = ? AND status = ?", a.ID, string(types.TradeStatusPending)).
		Updates(map[string]interface{}{
			"status":            m.Status,
			"order_id":          m.OrderID,
			"executed_quantity": m.ExecutedQuantity,
			"executed_price":    m.ExecutedPrice,
			"commission":        m.Commission,
			"submitted_at":      m.SubmittedAt,
			"completed_at":      m.CompletedAt,
			"latency_ms":        m.LatencyMs,
			"error_code":        m.ErrorCode,
			"error_message":     m.ErrorMessage,
			"retry_count":       m.RetryCount,
			"realized_pn_l":     m.RealizedPnL,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.NewError(types.ErrKindInternal, types.CodeInvalidTransition,
			fmt.Sprintf("trade attempt %s is not pending", a.ID))
	}
	return nil
}

// GetTradeAttempt loads one attempt by id.
func (s *GormStore) GetTradeAttempt(ctx context.Context, id string) (*types.TradeAttempt, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var m tradeAttemptModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m.toDomain(), nil
}

// SelectOpenBuyOrders returns SUCCESS BUY rows, newest first, for the
// position tracker rebuild.
func (s *GormStore) SelectOpenBuyOrders(ctx context.Context, limit int) ([]*types.TradeAttempt, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var models []tradeAttemptModel
	err := s.db.WithContext(ctx).
		Where("side = ? AND status = ?", string(types.SideBuy), string(types.TradeStatusSuccess)).
		Order("created_at DESC").
		Limit(boundedLimit(limit)).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return attemptDomains(models), nil
}

// LatestSuccessBuy returns the most recent filled buy for symbol.
func (s *GormStore) LatestSuccessBuy(ctx context.Context, symbol string) (*types.TradeAttempt, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var m tradeAttemptModel
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND side = ? AND status = ?",
			symbol, string(types.SideBuy), string(types.TradeStatusSuccess)).
		Order("created_at DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m.toDomain(), nil
}

// TradeHistory returns recent attempts, newest first.
func (s *GormStore) TradeHistory(ctx context.Context, limit int) ([]*types.TradeAttempt, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var models []tradeAttemptModel
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(boundedLimit(limit)).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return attemptDomains(models), nil
}

// CountTradesSince counts attempts submitted after since (hourly rate gate).
func (s *GormStore) CountTradesSince(ctx context.Context, since time.Time) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int64
	err := s.db.WithContext(ctx).
		Model(&tradeAttemptModel{}).
		Where("submitted_at > ?", since.UTC()).
		Count(&n).Error
	return n, err
}

// SpentSince sums executedQuantity*executedPrice over SUCCESS BUY rows
// submitted at or after since (daily spend gate). Day boundaries are UTC.
func (s *GormStore) SpentSince(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var models []tradeAttemptModel
	err := s.db.WithContext(ctx).
		Select("executed_quantity", "executed_price").
		Where("side = ? AND status = ? AND submitted_at >= ?",
			string(types.SideBuy), string(types.TradeStatusSuccess), since.UTC()).
		Limit(10000).
		Find(&models).Error
	if err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for i := range models {
		total = total.Add(parseMoney(models[i].ExecutedQuantity).Mul(parseMoney(models[i].ExecutedPrice)))
	}
	return total, nil
}

// AppendTradeLog records an exchange fill response, one row per filled order.
func (s *GormStore) AppendTradeLog(ctx context.Context, l *types.TradeLog) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.db.WithContext(ctx).Create(&tradeLogModel{
		ID:               l.ID,
		TradeAttemptID:   l.TradeAttemptID,
		OrderID:          l.OrderID,
		Symbol:           l.Symbol,
		QuoteQty:         moneyString(l.QuoteQty),
		Fees:             moneyString(l.Fees),
		ExchangeResponse: l.ExchangeResponse,
	}).Error
}

// ClaimBotRun inserts a run in a transaction that first verifies no other
// run for the configuration is in a non-terminal state. Exactly one of two
// concurrent claims succeeds.
func (s *GormStore) ClaimBotRun(ctx context.Context, run *types.BotRun) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		err := tx.Model(&botRunModel{}).
			Where("configuration_id = ? AND status IN ?", run.ConfigurationID,
				[]string{string(types.RunStatusStarting), string(types.RunStatusRunning), string(types.RunStatusStopping)}).
			Count(&n).Error
		if err != nil {
			return err
		}
		if n > 0 {
			return types.NewError(types.ErrKindConfig, types.CodeBotAlreadyRunning,
				"a bot run is already active for this configuration")
		}
		if err := tx.Create(runToModel(run)).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return types.NewError(types.ErrKindConfig, types.CodeBotAlreadyRunning,
					"a bot run is already active for this configuration")
			}
			return err
		}
		return nil
	})
}

// UpdateBotRun persists run state changes.
func (s *GormStore) UpdateBotRun(ctx context.Context, run *types.BotRun) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.db.WithContext(ctx).Save(runToModel(run)).Error
}

// ActiveBotRun returns the non-terminal run for a configuration, if any.
// Empty configurationID matches any configuration.
func (s *GormStore) ActiveBotRun(ctx context.Context, configurationID string) (*types.BotRun, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	q := s.db.WithContext(ctx).
		Where("status IN ?", []string{
			string(types.RunStatusStarting), string(types.RunStatusRunning), string(types.RunStatusStopping)})
	if configurationID != "" {
		q = q.Where("configuration_id = ?", configurationID)
	}
	var m botRunModel
	err := q.Order("started_at DESC").First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m.toDomain(), nil
}

// GetBotRun loads one run by id.
func (s *GormStore) GetBotRun(ctx context.Context, id string) (*types.BotRun, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var m botRunModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m.toDomain(), nil
}

// UpdateBotStatus upserts the process-wide status snapshot.
func (s *GormStore) UpdateBotStatus(ctx context.Context, st *types.BotStatus) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.db.WithContext(ctx).Save(&botStatusModel{
		ID:                st.ID,
		IsRunning:         st.IsRunning,
		LastHeartbeat:     st.LastHeartbeat.UTC(),
		ExchangeAPIStatus: st.ExchangeAPIStatus,
		APIResponseTimeMs: st.APIResponseTime.Milliseconds(),
		ConsecutiveErrors: st.ConsecutiveErrors,
		LastErrorMessage:  st.LastErrorMessage,
	}).Error
}

// GetBotStatus loads the latest status snapshot.
func (s *GormStore) GetBotStatus(ctx context.Context) (*types.BotStatus, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var m botStatusModel
	err := s.db.WithContext(ctx).Order("updated_at DESC").First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &types.BotStatus{
		ID:                m.ID,
		IsRunning:         m.IsRunning,
		LastHeartbeat:     m.LastHeartbeat,
		ExchangeAPIStatus: m.ExchangeAPIStatus,
		APIResponseTime:   time.Duration(m.APIResponseTimeMs) * time.Millisecond,
		ConsecutiveErrors: m.ConsecutiveErrors,
		LastErrorMessage:  m.LastErrorMessage,
	}, nil
}

func attemptDomains(models []tradeAttemptModel) []*types.TradeAttempt {
	out := make([]*types.TradeAttempt, 0, len(models))
	for i := range models {
		out = append(out, models[i].toDomain())
	}
	return out
}

func boundedLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 500
	}
	return limit
}
