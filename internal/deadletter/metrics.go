package deadletter

import "github.com/prometheus/client_golang/prometheus"

var (
	writtenCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recommendation_service",
		Subsystem: "dlq",
		Name:      "messages_written_total",
		Help:      "Number of deliveries recorded in the dead-letter table.",
	}, []string{"source"})

	replayedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recommendation_service",
		Subsystem: "dlq",
		Name:      "messages_replayed_total",
		Help:      "Number of dead letters republished to their original topic.",
	}, []string{"source", "topic"})

	quarantinedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recommendation_service",
		Subsystem: "dlq",
		Name:      "messages_quarantined_total",
		Help:      "Number of dead letters quarantined after exhausting replays.",
	}, []string{"source", "topic"})

	retryCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recommendation_service",
		Subsystem: "dlq",
		Name:      "retry_scheduled_total",
		Help:      "Number of times a dead letter replay was rescheduled.",
	}, []string{"source", "topic"})

	backlogGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "recommendation_service",
		Subsystem: "dlq",
		Name:      "queued_messages",
		Help:      "Current number of dead letters that are not quarantined.",
	})
)

func init() {
	prometheus.MustRegister(writtenCounter, replayedCounter, quarantinedCounter, retryCounter, backlogGauge)
}

func recordWritten(source string) {
	writtenCounter.WithLabelValues(source).Inc()
}

func recordReplayed(entry Entry) {
	replayedCounter.WithLabelValues(entry.Source, entry.Topic).Inc()
}

func recordQuarantined(entry Entry) {
	quarantinedCounter.WithLabelValues(entry.Source, entry.Topic).Inc()
}

func recordRetryScheduled(entry Entry) {
	retryCounter.WithLabelValues(entry.Source, entry.Topic).Inc()
}

func setBacklog(count int) {
	backlogGauge.Set(float64(count))
}
