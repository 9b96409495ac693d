// Package main is the entry point for the MEXC listing sniper backend.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mexc-sniper/trading-backend/internal/api"
	"github.com/mexc-sniper/trading-backend/internal/config"
	"github.com/mexc-sniper/trading-backend/internal/detector"
	"github.com/mexc-sniper/trading-backend/internal/exchange"
	"github.com/mexc-sniper/trading-backend/internal/execution"
	"github.com/mexc-sniper/trading-backend/internal/monitor"
	"github.com/mexc-sniper/trading-backend/internal/orchestrator"
	"github.com/mexc-sniper/trading-backend/internal/storage"
	"github.com/mexc-sniper/trading-backend/internal/tracker"
	"github.com/mexc-sniper/trading-backend/internal/workers"
	"github.com/mexc-sniper/trading-backend/pkg/types"
)

// Exit codes: 0 normal, 1 uncaught error, 2 config validation failure,
// 3 database unreachable at startup.
const (
	exitOK           = 0
	exitError        = 1
	exitConfig       = 2
	exitDatabaseDown = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	// A .env file is optional; the environment wins either way.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Error("configuration invalid", zap.Error(err))
		return exitConfig
	}

	logger := setupLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting sniper backend",
		zap.String("baseUrl", cfg.BaseURL),
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port))

	store, err := storage.Open(logger, cfg.DatabaseURL, cfg.DBQueryTimeout)
	if err != nil {
		logger.Error("database open failed", zap.Error(err))
		return exitDatabaseDown
	}
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 10*time.Second)
	err = store.Ping(pingCtx)
	cancelPing()
	if err != nil {
		logger.Error("database unreachable", zap.Error(err))
		return exitDatabaseDown
	}

	clientCfg := exchange.DefaultClientConfig()
	clientCfg.BaseURL = cfg.BaseURL
	clientCfg.APIKey = cfg.APIKey
	clientCfg.SecretKey = cfg.SecretKey
	clientCfg.RecvWindow = cfg.RecvWindow
	clientCfg.Timeout = cfg.APITimeout
	client := exchange.NewClient(logger, clientCfg)

	rules := exchange.NewRulesCache(logger, client)
	validator := execution.NewOrderValidator(logger, rules)
	risk := execution.NewRiskManager(logger, execution.DefaultRiskConfig())
	safety := execution.NewSafetyChecker(logger, store)
	positions := tracker.NewTracker(logger, client, store)
	executor := execution.NewExecutor(logger, client, store, validator, risk, safety, positions)

	det := detector.NewDetector(logger, client, store, cfg.PollingInterval)
	pool := workers.NewPool(logger, workers.DefaultPoolConfig("snipe-dispatch"))

	// The monitor's sell path runs through the orchestrator so failures land
	// in the run's error accounting.
	var orch *orchestrator.Orchestrator
	mon := monitor.NewMonitor(logger, client, store, positions, func(ctx context.Context, intent monitor.SellIntent) error {
		return orch.SellPosition(ctx, intent)
	})
	orch = orchestrator.NewOrchestrator(logger, store, det, mon, executor, risk, pool)

	stream := exchange.NewTickerStream(logger, cfg.WSURL, func(t types.Ticker) {
		positions.UpdatePosition(t.Symbol, nil, &t.Price)
	})
	mon.AttachStream(stream)
	stream.Start(context.Background())
	defer stream.Stop()

	serverCfg := api.DefaultServerConfig()
	serverCfg.Host = cfg.Host
	serverCfg.Port = cfg.Port
	serverCfg.AllowedOrigins = cfg.AllowedOrigins
	server := api.NewServer(logger, serverCfg, orch, store, positions, client)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("api server failed", zap.Error(err))
		return exitError
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := orch.StopTradingBot(shutdownCtx); err != nil {
		logger.Debug("no bot run to stop", zap.Error(err))
	}
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
		return exitError
	}

	logger.Info("shutdown complete")
	return exitOK
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
