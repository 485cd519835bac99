package consumer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	processedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recommendation_service",
		Subsystem: "consumer",
		Name:      "messages_processed_total",
		Help:      "Number of Kafka messages settled, grouped by topic and outcome.",
	}, []string{"topic", "outcome"})

	decodeErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recommendation_service",
		Subsystem: "consumer",
		Name:      "decode_errors_total",
		Help:      "Number of undecodable activity payloads per topic.",
	}, []string{"topic"})

	publishErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recommendation_service",
		Subsystem: "consumer",
		Name:      "republish_errors_total",
		Help:      "Number of failed retry or dead-letter publications per destination topic.",
	}, []string{"topic"})

	lastMessageGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "recommendation_service",
		Subsystem: "consumer",
		Name:      "last_message_timestamp_seconds",
		Help:      "Unix timestamp of the most recent committed message per topic.",
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(processedCounter, decodeErrorCounter, publishErrorCounter, lastMessageGauge)
}

func recordProcessed(topic, outcome string, ts time.Time) {
	processedCounter.WithLabelValues(topic, outcome).Inc()
	if !ts.IsZero() {
		lastMessageGauge.WithLabelValues(topic).Set(float64(ts.Unix()))
	}
}

func recordDecodeError(topic string) {
	decodeErrorCounter.WithLabelValues(topic).Inc()
}

func recordPublishError(topic string) {
	publishErrorCounter.WithLabelValues(topic).Inc()
}
