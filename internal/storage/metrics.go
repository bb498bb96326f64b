package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	queryLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "storage",
		Name:      "query_seconds",
		Help:      "Latency of repository operations.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"op"})

	queryRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storage",
		Name:      "retries_total",
		Help:      "Repository operations retried after a transient failure.",
	}, []string{"op"})

	tracer = otel.Tracer("github.com/example/roster-sync/storage")
)

func init() {
	prometheus.MustRegister(queryLatency, queryRetries)
}
