package kafka

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Publish results recorded on kafka_producer_messages_total.
const (
	resultPublished = "published"
	resultFailed    = "failed"
)

var (
	producerMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_producer_messages_total",
			Help: "Kafka messages handed to the writer, by topic and result",
		},
		[]string{"topic", "result"},
	)

	producerPublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_producer_publish_duration_seconds",
			Help:    "Time spent in WriteMessages per publish",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5},
		},
		[]string{"topic"},
	)
)

// observePublish records one WriteMessages call that started at start.
func observePublish(topic string, start time.Time, err error) {
	producerPublishDuration.WithLabelValues(topic).Observe(time.Since(start).Seconds())
	result := resultPublished
	if err != nil {
		result = resultFailed
	}
	producerMessages.WithLabelValues(topic, result).Inc()
}
