package analyzer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	gobreaker "github.com/sony/gobreaker/v2"
)

var (
	analyzerCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recommendation_service",
		Subsystem: "analyzer",
		Name:      "calls_total",
		Help:      "Analyzer invocations partitioned by outcome.",
	}, []string{"outcome"})
	analyzerLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "recommendation_service",
		Subsystem: "analyzer",
		Name:      "call_duration_seconds",
		Help:      "Latency of calls to the model endpoint.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
	breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "recommendation_service",
		Subsystem: "analyzer",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open).",
	}, []string{"name"})
)

func init() {
	prometheus.MustRegister(analyzerCalls, analyzerLatency, breakerState)
}

func recordAnalyzerCall(outcome string, elapsed time.Duration) {
	analyzerCalls.WithLabelValues(outcome).Inc()
	if outcome != "rejected" {
		analyzerLatency.Observe(elapsed.Seconds())
	}
}

func setBreakerState(name string, state gobreaker.State) {
	var v float64
	switch state {
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	breakerState.WithLabelValues(name).Set(v)
}
