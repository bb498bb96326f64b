package readtracker

import "github.com/prometheus/client_golang/prometheus"

const (
	resultOK    = "ok"
	resultError = "error"
)

var (
	flushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "readtracker",
		Name:      "flushes_total",
		Help:      "Mark-as-read flushes by result.",
	}, []string{"result"})

	watermarkAdvances = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "readtracker",
		Name:      "watermark_advances_total",
		Help:      "Times a visible message moved a read watermark forward.",
	})
)

func init() {
	prometheus.MustRegister(flushes, watermarkAdvances)
}
