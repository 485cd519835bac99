// Package observability holds process-wide metrics and the metrics endpoint.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	recommendationPersistGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "recommendation_service",
		Subsystem: "persistence",
		Name:      "last_recommendation_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent recommendation written to the store.",
	})
	deadLetterGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "recommendation_service",
		Subsystem: "persistence",
		Name:      "last_dead_letter_timestamp_seconds",
		Help:      "Unix timestamp of the most recent activity routed to the dead-letter destination.",
	})
)

func init() {
	prometheus.MustRegister(recommendationPersistGauge, deadLetterGauge)
}

// RecordRecommendationPersisted updates the persistence watermark gauge.
func RecordRecommendationPersisted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	recommendationPersistGauge.Set(float64(ts.Unix()))
}

// RecordDeadLetter updates the dead-letter watermark gauge.
func RecordDeadLetter(ts time.Time) {
	if ts.IsZero() {
		return
	}
	deadLetterGauge.Set(float64(ts.Unix()))
}

// NewMetricsServer exposes /metrics and /healthz on addr.
func NewMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
