package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recommendation_service",
		Subsystem: "pipeline",
		Name:      "outcomes_total",
		Help:      "Deliveries processed partitioned by outcome.",
	}, []string{"outcome"})
	handleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "recommendation_service",
		Subsystem: "pipeline",
		Name:      "handle_duration_seconds",
		Help:      "Time spent analysing and storing one delivery.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(outcomes, handleDuration)
}

func recordOutcome(kind Kind, elapsed time.Duration) {
	label := kind.String()
	outcomes.WithLabelValues(label).Inc()
	handleDuration.WithLabelValues(label).Observe(elapsed.Seconds())
}
