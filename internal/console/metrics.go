package console

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	statementsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "strikenet_console_statements_total",
		Help: "Console statements terminated and submitted",
	})
	roundTrip = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "strikenet_console_round_trip_seconds",
		Help:    "Time from statement terminator to ready prompt",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})
	abortsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "strikenet_console_aborts_total",
		Help: "Exchanges that left the console in an unknown state",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(statementsTotal, roundTrip, abortsTotal)
}

func abortKind(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrFraming):
		return "framing"
	default:
		return "io"
	}
}
