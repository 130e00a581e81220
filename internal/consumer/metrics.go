package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultProcessed    = "processed"
	resultHandlerError = "handler_error"
	resultDecodeError  = "decode_error"
)

var (
	messagesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "progress_service",
		Subsystem: "consumer",
		Name:      "messages_total",
		Help:      "Kafka messages read by the consumer, by topic, event type and result.",
	}, []string{"topic", "event_type", "result"})

	lastMessageGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "progress_service",
		Subsystem: "consumer",
		Name:      "last_message_timestamp_seconds",
		Help:      "Unix timestamp of the most recent successfully processed message per topic.",
	}, []string{"topic"})

	awardsObservedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "progress_service",
		Subsystem: "consumer",
		Name:      "badge_awards_observed_total",
		Help:      "Number of badge.awarded events consumed, by badge id.",
	}, []string{"badge_id"})
)

func init() {
	prometheus.MustRegister(messagesCounter, lastMessageGauge, awardsObservedCounter)
}

func recordProcessed(msg Message) {
	messagesCounter.WithLabelValues(msg.Topic, msg.EventType, resultProcessed).Inc()
	if !msg.Timestamp.IsZero() {
		lastMessageGauge.WithLabelValues(msg.Topic).Set(float64(msg.Timestamp.Unix()))
	}
}

func recordHandlerError(msg Message) {
	messagesCounter.WithLabelValues(msg.Topic, msg.EventType, resultHandlerError).Inc()
}

// Undecodable frames carry no trustworthy event type.
func recordDecodeError(topic string) {
	messagesCounter.WithLabelValues(topic, "", resultDecodeError).Inc()
}

func recordAwardObserved(badgeID string) {
	awardsObservedCounter.WithLabelValues(badgeID).Inc()
}
