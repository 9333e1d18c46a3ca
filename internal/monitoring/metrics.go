package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the broker. Scraped from /metrics; the plain
// counters in types.Stats mirror these for the /stats JSON snapshot.
var (
	// Connection metrics
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_connections_total",
		Help: "Total number of subscriber connections established",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "courier_connections_active",
		Help: "Current number of active subscriber connections",
	})

	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_connections_rejected_total",
		Help: "Subscriber connections rejected before entering the registry",
	}, []string{"reason"})

	DisconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_disconnects_total",
		Help: "Total disconnections by reason and who initiated",
	}, []string{"reason", "initiated_by"})

	ConnectionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "courier_connection_duration_seconds",
		Help:    "Connection duration before disconnect",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
	}, []string{"reason"})

	// Publish path metrics
	PublishesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_publishes_total",
		Help: "Publish requests accepted, by channel",
	}, []string{"channel"})

	ClientsReached = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "courier_publish_clients_reached",
		Help:    "Distribution of subscribers reached per publish",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500},
	})

	ValidationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_validation_failures_total",
		Help: "Publish requests rejected by envelope validation",
	})

	RateLimitDenials = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_rate_limit_denials_total",
		Help: "Publish requests rejected by the rate limiter",
	})

	// Subscriber stream metrics
	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_messages_sent_total",
		Help: "Total frames written to subscribers",
	})

	MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_messages_received_total",
		Help: "Total frames read from subscribers",
	})

	BytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_bytes_sent_total",
		Help: "Total bytes written to subscribers",
	})

	BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_bytes_received_total",
		Help: "Total bytes read from subscribers",
	})

	FrameValidationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_frame_validation_failures_total",
		Help: "Client frames rejected by the message validator",
	})

	SlowConsumerEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_slow_consumer_evictions_total",
		Help: "Subscribers evicted because their outbound queue overflowed",
	})

	QueueDepth = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "courier_outbound_queue_depth",
		Help:    "Sampled outbound queue depth at enqueue time",
		Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024},
	})

	// Channel registry metrics
	ChannelsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "courier_channels_active",
		Help: "Current number of registered channels",
	})

	// Process self-observation (fed by the gopsutil probe)
	ProcessCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "courier_process_cpu_percent",
		Help: "Broker process CPU usage percent",
	})

	ProcessMemoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "courier_process_memory_bytes",
		Help: "Broker process resident memory in bytes",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsRejected,
		DisconnectsTotal,
		ConnectionDuration,
		PublishesTotal,
		ClientsReached,
		ValidationFailures,
		RateLimitDenials,
		MessagesSent,
		MessagesReceived,
		BytesSent,
		BytesReceived,
		FrameValidationFailures,
		SlowConsumerEvictions,
		QueueDepth,
		ChannelsActive,
		ProcessCPUPercent,
		ProcessMemoryBytes,
	)
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordDisconnect updates the disconnect counter and duration histogram.
func RecordDisconnect(reason, initiatedBy string, durationSeconds float64) {
	DisconnectsTotal.WithLabelValues(reason, initiatedBy).Inc()
	ConnectionDuration.WithLabelValues(reason).Observe(durationSeconds)
}
