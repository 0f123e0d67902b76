package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bugs_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bugs_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
		[]string{"method", "path"},
	)

	// Ingestion metrics
	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bugs_sync_runs_total",
			Help: "Total ingestion runs by outcome",
		},
		[]string{"outcome"}, // "succeeded", "failed", "skipped"
	)

	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bugs_sync_duration_seconds",
			Help:    "Ingestion run duration",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bugs_messages_processed_total",
			Help: "Candidate messages processed by result",
		},
		[]string{"result"}, // "created", "existing", "error"
	)

	// Notification metrics
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bugs_notify_connections",
			Help: "Live notification connections",
		},
	)

	ConnectionsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bugs_notify_connections_rejected_total",
			Help: "Connections refused at authentication",
		},
	)

	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bugs_notify_events_delivered_total",
			Help: "Envelopes queued to live connections",
		},
		[]string{"type"}, // "notification", "broadcast"
	)

	ConnectionsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bugs_notify_connections_dropped_total",
			Help: "Connections unregistered by the server",
		},
		[]string{"reason"}, // "backpressure", "send_failed", "heartbeat"
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bugs_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)
)
