package api

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mexc-sniper/trading-backend/internal/orchestrator"
	"github.com/mexc-sniper/trading-backend/internal/tracker"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sniper_http_requests_total",
		Help: "Control API requests by path, method and status.",
	}, []string{"path", "method", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sniper_http_request_duration_seconds",
		Help:    "Control API request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})
)

var collectorsOnce sync.Once

// registerCollectors exposes live bot state as gauges. Guarded so tests that
// build multiple servers do not double-register.
func registerCollectors(orch *orchestrator.Orchestrator, positions *tracker.Tracker) {
	collectorsOnce.Do(func() {
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "sniper_bot_running",
			Help: "1 when a bot run is in the running state.",
		}, func() float64 {
			if orch.Status().IsRunning {
				return 1
			}
			return 0
		})

		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "sniper_open_positions",
			Help: "Number of open positions in the tracker.",
		}, func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return float64(len(positions.Snapshot(ctx)))
		})
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		httpRequests.WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(r.URL.Path).Observe(time.Since(start).Seconds())
	})
}
