package natsjs

import "github.com/prometheus/client_golang/prometheus"

var (
	processedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recommendation_service",
		Subsystem: "jetstream",
		Name:      "messages_processed_total",
		Help:      "Number of JetStream messages settled, grouped by subject and outcome.",
	}, []string{"subject", "outcome"})

	decodeErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recommendation_service",
		Subsystem: "jetstream",
		Name:      "decode_errors_total",
		Help:      "Number of undecodable activity payloads per subject.",
	}, []string{"subject"})
)

func init() {
	prometheus.MustRegister(processedCounter, decodeErrorCounter)
}

func recordProcessed(subject, outcome string) {
	processedCounter.WithLabelValues(subject, outcome).Inc()
}

func recordDecodeError(subject string) {
	decodeErrorCounter.WithLabelValues(subject).Inc()
}
