package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingress metrics
	WebhooksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_ingress_webhooks_total",
			Help: "Total number of webhook requests received",
		},
		[]string{"source", "status"},
	)

	WebhookBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_ingress_webhook_bytes_total",
			Help: "Total bytes of webhook bodies received",
		},
	)

	SignatureFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_ingress_signature_failures_total",
			Help: "Total number of signature verification failures",
		},
		[]string{"source", "kind"},
	)

	// Queue metrics
	EnqueueDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_queue_enqueue_duration_seconds",
			Help:    "Duration of queue enqueue operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	EnqueueErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_queue_enqueue_errors_total",
			Help: "Total number of failed enqueue operations",
		},
	)

	QueueVisible = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_queue_visible",
			Help: "Approximate number of visible messages in the queue",
		},
	)

	QueueInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_queue_in_flight",
			Help: "Approximate number of in-flight messages",
		},
	)

	// Forwarder metrics
	ForwardsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_forwards_total",
			Help: "Total number of downstream forward attempts",
		},
		[]string{"source", "outcome"},
	)

	ForwardDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_forward_duration_seconds",
			Help:    "Duration of downstream forwards in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DeadLettersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_dead_letters_total",
			Help: "Total number of messages sent to the dead letter stream",
		},
	)

	// Rate limiting metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_ingress_rate_limit_hits_total",
			Help: "Total number of rate limit hits",
		},
		[]string{"source"},
	)
)
