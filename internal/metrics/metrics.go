package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsLeased = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_leased_total",
			Help: "Jobs handed out by the job store to delivery workers",
		},
	)

	deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deliveries_total",
			Help: "Delivery attempts partitioned by channel and resolved outcome",
		},
		[]string{"channel", "outcome"},
	)

	deadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dead_letters_total",
			Help: "Jobs moved to the dead-letter surface",
		},
		[]string{"channel"},
	)

	deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "delivery_duration_seconds",
			Help:    "Channel adapter send latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	leasesReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "leases_reaped_total",
			Help: "Expired leases turned into implicit nacks by the reaper",
		},
	)

	webhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Webhook events partitioned by source and result",
		},
		[]string{"source", "result"},
	)
)

func JobsLeased(n int) {
	jobsLeased.Add(float64(n))
}

func Delivery(channel, outcome string, took time.Duration) {
	deliveries.WithLabelValues(channel, outcome).Inc()
	deliveryDuration.WithLabelValues(channel).Observe(took.Seconds())
}

func DeadLettered(channel string) {
	deadLetters.WithLabelValues(channel).Inc()
}

func LeasesReaped(n int) {
	leasesReaped.Add(float64(n))
}

func WebhookEvent(source, result string) {
	webhookEvents.WithLabelValues(source, result).Inc()
}
