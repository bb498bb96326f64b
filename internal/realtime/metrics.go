package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	reconnectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "realtime",
		Name:      "reconnect_attempts_total",
		Help:      "Automatic reconnect attempts per hub.",
	}, []string{"hub"})

	managedConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "realtime",
		Name:      "connections",
		Help:      "Hub connections currently tracked by the connection manager.",
	}, []string{"hub"})

	restartsScheduled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "realtime",
		Name:      "restarts_scheduled_total",
		Help:      "Restarts scheduled after a connection closed with an error.",
	}, []string{"hub"})
)

func init() {
	prometheus.MustRegister(reconnectAttempts, managedConnections, restartsScheduled)
}
