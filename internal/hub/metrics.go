package hub

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	negotiateLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hub",
		Name:      "negotiate_seconds",
		Help:      "Latency of negotiate requests.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"hub"})

	hubSessions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hub",
		Name:      "sessions",
		Help:      "Negotiated sessions per hub.",
	}, []string{"hub"})

	transportAttachments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hub",
		Name:      "transport_attachments_total",
		Help:      "Sessions bound to a transport, by transport.",
	}, []string{"hub", "transport"})

	sendQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hub",
		Name:      "send_queue_depth",
		Help:      "Buffered outbound records of the most recent send per hub.",
	}, []string{"hub"})

	backpressureCloses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hub",
		Name:      "backpressure_closes_total",
		Help:      "Sessions closed because their send buffer filled.",
	}, []string{"hub"})

	invocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hub",
		Name:      "invocations_total",
		Help:      "Client invocations by method and outcome.",
	}, []string{"hub", "method", "result"})

	invocationLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hub",
		Name:      "invocation_seconds",
		Help:      "Time spent serving client invocations.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"hub", "method"})

	broadcasts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hub",
		Name:      "broadcasts_total",
		Help:      "Group broadcasts delivered to local sessions.",
	}, []string{"hub"})

	once sync.Once
)

func init() {
	once.Do(func() {
		prometheus.MustRegister(negotiateLatency, hubSessions, transportAttachments, sendQueueDepth,
			backpressureCloses, invocations, invocationLatency, broadcasts)
	})
}

var tracer = otel.Tracer("github.com/example/roster-sync/hub")
