package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsFanoutTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhook_events_fanout_total",
			Help: "Total number of domain events fanned out to webhook deliveries.",
		},
		[]string{"event_type"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhook_deliveries_total",
			Help: "Total number of finalized delivery attempts by resulting status.",
		},
		[]string{"status"}, // sent, retry, failed
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhook_retries_total",
			Help: "Total number of delivery retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, other
	)

	DeliveryLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailhook_delivery_latency_seconds",
			Help:    "Outbound webhook HTTP attempt latency.",
			Buckets: prometheus.DefBuckets,
		},
	)

	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailhook_sweep_duration_seconds",
			Help:    "Retry scheduler sweep duration.",
			Buckets: prometheus.DefBuckets,
		},
	)

	SweepBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailhook_sweep_batch_size",
			Help:    "Number of due deliveries picked up per sweep.",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
		},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(EventsFanoutTotal, DeliveriesTotal, RetriesTotal, DeliveryLatency, SweepDuration, SweepBatchSize)
}

// RecordFanout increments the fan-out counter for one event.
func RecordFanout(eventType string) {
	EventsFanoutTotal.WithLabelValues(eventType).Inc()
}

// RecordDelivery records one finalized attempt and its HTTP latency.
func RecordDelivery(status string, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(status).Inc()
	if latency > 0 {
		DeliveryLatency.Observe(latency.Seconds())
	}
}

// RecordRetry increments the retry counter for a failure reason.
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordSweep records one scheduler sweep.
func RecordSweep(d time.Duration, picked int) {
	SweepDuration.Observe(d.Seconds())
	SweepBatchSize.Observe(float64(picked))
}
