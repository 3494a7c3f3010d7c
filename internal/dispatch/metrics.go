package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DispatchesTotal counts dispatches per service and outcome.
	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_dispatches_total",
			Help: "Total number of dispatches by service and outcome",
		},
		[]string{"service", "outcome"},
	)

	// DispatchDuration observes end-to-end dispatch latency per service.
	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_dispatch_duration_seconds",
			Help:    "Dispatch duration in seconds, measured from client acquisition",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)
)

// RecordDispatch records one dispatch outcome.
func RecordDispatch(service, outcome string, duration time.Duration) {
	DispatchesTotal.WithLabelValues(service, outcome).Inc()
	if duration > 0 {
		DispatchDuration.WithLabelValues(service).Observe(duration.Seconds())
	}
}
