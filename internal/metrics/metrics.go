package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guildscope_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "guildscope_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Query metrics
	MessageQueries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "guildscope_message_queries_total",
			Help: "Total message range queries",
		},
	)

	GuildScans = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "guildscope_guild_scans_total",
			Help: "Total full keyspace scans for guild discovery",
		},
	)

	// Export metrics
	ExportsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guildscope_exports_created_total",
			Help: "Total export jobs created",
		},
		[]string{"format"},
	)

	ExportDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "guildscope_export_duration_seconds",
			Help:    "Export job processing duration",
			Buckets: []float64{.05, .1, .5, 1, 5, 15, 60},
		},
	)

	// WebSocket metrics
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "guildscope_ws_connections",
			Help: "Open WebSocket connections",
		},
	)

	WSSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "guildscope_ws_subscriptions",
			Help: "Active WebSocket subscriptions",
		},
	)

	WSDeliveredEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "guildscope_ws_delivered_events_total",
			Help: "Live message events delivered to subscribers",
		},
	)

	WSDroppedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "guildscope_ws_dropped_frames_total",
			Help: "Frames dropped because a connection's send buffer was full",
		},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guildscope_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "guildscope_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)
)
