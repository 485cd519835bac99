package cache

import "github.com/prometheus/client_golang/prometheus"

var lookups = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "recommendation_service",
	Subsystem: "cache",
	Name:      "operations_total",
	Help:      "Recommendation cache operations partitioned by result.",
}, []string{"result"})

func init() {
	prometheus.MustRegister(lookups)
}

func recordCache(result string) {
	lookups.WithLabelValues(result).Inc()
}
