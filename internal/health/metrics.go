package health

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HealthProbesTotal counts probe outcomes per service.
	HealthProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_health_probes_total",
			Help: "Total number of health probes by outcome",
		},
		[]string{"service", "result"},
	)

	// HealthProbeDuration observes probe latency per service.
	HealthProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_health_probe_duration_seconds",
			Help:    "Health probe duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)
)

// RecordProbe records one probe outcome.
func RecordProbe(service, result string, duration time.Duration) {
	HealthProbesTotal.WithLabelValues(service, result).Inc()
	HealthProbeDuration.WithLabelValues(service).Observe(duration.Seconds())
}
