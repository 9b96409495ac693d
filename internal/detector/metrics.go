package detector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var listingSignals = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sniper_listing_signals_total",
	Help: "Persisted listing signals by detection source.",
}, []string{"source"})
