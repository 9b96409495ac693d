package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var loopErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sniper_loop_errors_total",
	Help: "Errors surfaced by the trading loop, by error code.",
}, []string{"code"})
