package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Webhook metrics
	WebhookRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salonhub_bridge_webhook_requests_total",
			Help: "Total number of webhook requests by outcome",
		},
		[]string{"status"},
	)

	WebhookBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "salonhub_bridge_webhook_bytes_total",
			Help: "Total bytes of webhook payloads received",
		},
	)

	EventsBuffered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salonhub_bridge_events_buffered_total",
			Help: "Total number of events appended to the buffer",
		},
		[]string{"kind"},
	)

	// Buffer metrics
	BufferDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "salonhub_bridge_buffer_depth",
			Help: "Number of unprocessed events in the buffer",
		},
	)

	StorageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "salonhub_bridge_storage_duration_seconds",
			Help:    "Duration of buffer operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	StorageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salonhub_bridge_storage_errors_total",
			Help: "Total number of buffer errors",
		},
		[]string{"op"},
	)

	// Sync cycle metrics
	SyncCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salonhub_bridge_sync_cycles_total",
			Help: "Total number of sync cycles by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "salonhub_bridge_sync_duration_seconds",
			Help:    "Duration of sync cycles in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		},
	)

	SyncGroups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salonhub_bridge_sync_groups_total",
			Help: "Total number of customer groups by outcome",
		},
		[]string{"outcome"},
	)

	SyncInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "salonhub_bridge_sync_in_flight",
			Help: "1 while a sync cycle is running",
		},
	)

	GuardRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "salonhub_bridge_sync_guard_rejections_total",
			Help: "Total number of sync requests rejected or collapsed by the concurrency guard",
		},
	)

	LastSuccessTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "salonhub_bridge_last_success_timestamp_seconds",
			Help: "Unix time of the last cycle that processed every group",
		},
	)

	// Remote API metrics
	KlaviyoRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salonhub_bridge_klaviyo_requests_total",
			Help: "Total number of remote API requests by operation and status class",
		},
		[]string{"operation", "status"},
	)

	KlaviyoDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "salonhub_bridge_klaviyo_request_duration_seconds",
			Help:    "Duration of remote API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	KlaviyoRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salonhub_bridge_klaviyo_retries_total",
			Help: "Total number of retried remote API requests",
		},
		[]string{"operation"},
	)

	// Rate limiting metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salonhub_bridge_rate_limit_hits_total",
			Help: "Total number of outbound requests delayed by the rate limiter",
		},
		[]string{"key"},
	)

	// Dead letter metrics
	DLQPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "salonhub_bridge_dlq_published_total",
			Help: "Total number of permanently rejected groups written to the dead letter stream",
		},
	)

	DLQErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "salonhub_bridge_dlq_errors_total",
			Help: "Total number of dead letter writes that failed",
		},
	)
)
