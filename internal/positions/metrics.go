package positions

import "github.com/prometheus/client_golang/prometheus"

const (
	outcomeRestored   = "restored"
	outcomeSuperseded = "superseded"
)

var (
	optimisticWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "positions",
		Name:      "optimistic_writes_total",
		Help:      "Provisional position writes applied before server confirmation.",
	})

	confirmedWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "positions",
		Name:      "confirmed_writes_total",
		Help:      "Server-confirmed position writes applied to the store.",
	})

	rollbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "positions",
		Name:      "rollbacks_total",
		Help:      "Rollback attempts by outcome.",
	}, []string{"outcome"})

	actionLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "positions",
		Name:      "action_seconds",
		Help:      "Latency of roster actions by action and path.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"action", "path"})
)

func init() {
	prometheus.MustRegister(optimisticWrites, confirmedWrites, rollbacks, actionLatency)
}
