package execution

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var tradeAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sniper_trades_total",
	Help: "Trade attempts by side and terminal status.",
}, []string{"side", "status"})
