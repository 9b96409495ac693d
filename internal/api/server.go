// Package api provides the HTTP control plane for the sniper bot.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mexc-sniper/trading-backend/internal/exchange"
	"github.com/mexc-sniper/trading-backend/internal/orchestrator"
	"github.com/mexc-sniper/trading-backend/internal/storage"
	"github.com/mexc-sniper/trading-backend/internal/tracker"
	"github.com/mexc-sniper/trading-backend/pkg/types"
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// DefaultServerConfig returns the listener defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:           "0.0.0.0",
		Port:           8080,
		AllowedOrigins: []string{"*"},
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
	}
}

// Server is the control API.
type Server struct {
	logger     *zap.Logger
	config     ServerConfig
	router     *mux.Router
	httpServer *http.Server

	orch      *orchestrator.Orchestrator
	store     storage.Store
	positions *tracker.Tracker
	exchange  exchange.API
}

// NewServer wires the routes.
func NewServer(logger *zap.Logger, config ServerConfig, orch *orchestrator.Orchestrator,
	store storage.Store, positions *tracker.Tracker, api exchange.API) *Server {
	s := &Server{
		logger:    logger.Named("api"),
		config:    config,
		router:    mux.NewRouter(),
		orch:      orch,
		store:     store,
		positions: positions,
		exchange:  api,
	}
	registerCollectors(orch, positions)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.metricsMiddleware)

	s.router.HandleFunc("/bot/start", s.handleBotStart).Methods("POST")
	s.router.HandleFunc("/bot/stop", s.handleBotStop).Methods("POST")
	s.router.HandleFunc("/bot/status", s.handleBotStatus).Methods("GET")

	s.router.HandleFunc("/trading/execute-manual-trade", s.handleManualTrade).Methods("POST")
	s.router.HandleFunc("/trading/close-position", s.handleClosePosition).Methods("POST")
	s.router.HandleFunc("/trading/history", s.handleTradeHistory).Methods("GET")
	s.router.HandleFunc("/trading/recent-listings", s.handleRecentListings).Methods("GET")
	s.router.HandleFunc("/trading/upcoming-listings", s.handleUpcomingListings).Methods("GET")

	s.router.HandleFunc("/monitoring/system-status", s.handleSystemStatus).Methods("GET")

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// Start blocks serving HTTP until Stop or a listener error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("api server listening", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

type startRequest struct {
	ConfigurationID string `json:"configurationId"`
	OperatorID      string `json:"operatorId"`
}

func (s *Server) handleBotStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConfigurationID == "" {
		s.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "configurationId is required")
		return
	}

	run, err := s.orch.StartTradingBot(r.Context(), req.ConfigurationID, req.OperatorID)
	if err != nil {
		s.writeTradeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"run":     run,
		"message": "trading bot started",
	})
}

func (s *Server) handleBotStop(w http.ResponseWriter, r *http.Request) {
	run, err := s.orch.StopTradingBot(r.Context())
	if err != nil {
		s.writeTradeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"run":     run,
		"message": "trading bot stopped",
	})
}

func (s *Server) handleBotStatus(w http.ResponseWriter, r *http.Request) {
	st := s.orch.Status()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"run":       st.Run,
		"isRunning": st.IsRunning,
		"metrics": map[string]interface{}{
			"consecutiveErrors": st.ConsecutiveErrors,
			"lastErrorMessage":  st.LastErrorMessage,
			"dailyPnl":          st.DailyPnL,
			"workers":           st.WorkerStats,
		},
	})
}

type manualTradeRequest struct {
	Symbol   string `json:"symbol"`
	Strategy string `json:"strategy"`
}

func (s *Server) handleManualTrade(w http.ResponseWriter, r *http.Request) {
	var req manualTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Symbol == "" {
		s.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "symbol is required")
		return
	}

	orderType := types.OrderTypeMarket
	if req.Strategy == string(types.OrderTypeLimit) {
		orderType = types.OrderTypeLimit
	}

	result, err := s.orch.ExecuteManualTrade(r.Context(), req.Symbol, orderType)
	if err != nil {
		if types.ErrCodeOf(err) == types.CodeBotNotRunning {
			s.writeError(w, http.StatusPreconditionFailed, types.CodeBotNotRunning, err.Error())
			return
		}
		// Gate rejections still produced a recorded attempt worth returning.
		if result != nil {
			s.writeJSON(w, http.StatusOK, result)
			return
		}
		s.writeTradeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

type closePositionRequest struct {
	Symbol   string `json:"symbol"`
	Quantity string `json:"quantity,omitempty"`
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	var req closePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Symbol == "" {
		s.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "symbol is required")
		return
	}

	var qty decimal.Decimal
	if req.Quantity != "" {
		parsed, err := decimal.NewFromString(req.Quantity)
		if err != nil || !parsed.IsPositive() {
			s.writeError(w, http.StatusBadRequest, types.CodeInvalidParams, "quantity must be a positive number")
			return
		}
		qty = parsed
	} else {
		// No quantity means a full exit.
		pos, ok := s.positions.GetPosition(r.Context(), req.Symbol)
		if !ok {
			s.writeError(w, http.StatusNotFound, types.CodeNoPosition, "no open position for "+req.Symbol)
			return
		}
		qty = pos.Quantity
	}

	result, err := s.orch.ExecuteManualSell(r.Context(), req.Symbol, qty)
	if err != nil {
		if types.ErrCodeOf(err) == types.CodeBotNotRunning {
			s.writeError(w, http.StatusPreconditionFailed, types.CodeBotNotRunning, err.Error())
			return
		}
		if result != nil {
			s.writeJSON(w, http.StatusOK, result)
			return
		}
		s.writeTradeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTradeHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	trades, err := s.store.TradeHistory(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"trades": trades,
		"total":  len(trades),
	})
}

func (s *Server) handleRecentListings(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "hours", 24)
	symbol := r.URL.Query().Get("symbol")
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	listings, err := s.store.ListingEventsSince(r.Context(), since, symbol, 200)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"listings": listings,
		"total":    len(listings),
	})
}

func (s *Server) handleUpcomingListings(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "hours", 48)
	listings, err := s.store.UpcomingListings(r.Context(), time.Now().UTC(),
		time.Duration(hours)*time.Hour, 200)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"listings": listings,
		"total":    len(listings),
	})
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	status := s.orch.Status()

	dbStatus := "ok"
	if err := s.store.Ping(r.Context()); err != nil {
		dbStatus = "unreachable"
	}

	exchangeStatus := "ok"
	var latencyMs int64
	start := time.Now()
	if _, err := s.exchange.GetServerTime(r.Context()); err != nil {
		exchangeStatus = "unreachable"
	} else {
		latencyMs = time.Since(start).Milliseconds()
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"bot":      status,
		"database": dbStatus,
		"exchange": map[string]interface{}{
			"status":    exchangeStatus,
			"latencyMs": latencyMs,
		},
		"openPositions": len(s.positions.Snapshot(r.Context())),
		"timestamp":     time.Now().UTC(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().UTC(),
	})
}

// writeTradeError maps the error taxonomy to HTTP statuses.
func (s *Server) writeTradeError(w http.ResponseWriter, err error) {
	code := types.ErrCodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case types.CodeBotAlreadyRunning:
		status = http.StatusConflict
	case types.CodeBotNotRunning:
		status = http.StatusNotFound
	case types.CodeNoConfiguration, types.CodeNoPosition:
		status = http.StatusNotFound
	case types.CodeSymbolNotEnabled, types.CodeInvalidParams, types.CodeInsufficientQty:
		status = http.StatusBadRequest
	case types.CodeServiceUnavailable, types.CodeRateLimited:
		status = http.StatusServiceUnavailable
	default:
		var te *types.TradeError
		if errors.As(err, &te) {
			switch te.Kind {
			case types.ErrKindValidation, types.ErrKindRisk, types.ErrKindSafety, types.ErrKindConfig:
				status = http.StatusUnprocessableEntity
			}
		}
	}
	s.writeError(w, status, code, err.Error())
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
