package broker

import (
	"net/http"
	"sync/atomic"
	"time"
)

// healthResponse is the /health body. shutting_down flips the status
// code to 503 so probes route traffic elsewhere during drain.
type healthResponse struct {
	Status            string            `json:"status"`
	UptimeSeconds     float64           `json:"uptime_seconds"`
	ActiveConnections int64             `json:"active_connections"`
	ActiveChannels    int               `json:"active_channels"`
	Components        map[string]string `json:"components"`
	Timestamp         string            `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK

	components := map[string]string{
		"registry":     "ok",
		"rate_limiter": "ok",
		"transport":    "ok",
	}
	if s.natsSource != nil {
		if s.natsSource.connected() {
			components["nats_source"] = "ok"
		} else {
			components["nats_source"] = "disconnected"
			status = "degraded"
		}
	}
	if s.probe != nil && s.probe.Degraded() {
		components["resources"] = "over_watermark"
		status = "degraded"
	}

	if s.ShuttingDown() {
		status = "shutting_down"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, healthResponse{
		Status:            status,
		UptimeSeconds:     time.Since(s.stats.StartTime).Seconds(),
		ActiveConnections: atomic.LoadInt64(&s.stats.CurrentConnections),
		ActiveChannels:    s.registry.ChannelCount(),
		Components:        components,
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
	})
}

// statsResponse is the /stats body: plain counters and gauges mirroring
// the Prometheus metrics, plus per-channel membership.
type statsResponse struct {
	UptimeSeconds           float64          `json:"uptime_seconds"`
	TotalConnections        int64            `json:"total_connections"`
	CurrentConnections      int64            `json:"current_connections"`
	MessagesPublished       int64            `json:"messages_published"`
	MessagesSent            int64            `json:"messages_sent"`
	MessagesReceived        int64            `json:"messages_received"`
	BytesSent               int64            `json:"bytes_sent"`
	BytesReceived           int64            `json:"bytes_received"`
	ValidationFailures      int64            `json:"validation_failures"`
	FrameValidationFailures int64            `json:"frame_validation_failures"`
	RateLimitDenials        int64            `json:"rate_limit_denials"`
	SlowConsumerEvictions   int64            `json:"slow_consumer_evictions"`
	DisconnectsByReason     map[string]int64 `json:"disconnects_by_reason"`
	PublishesByChannel      map[string]int64 `json:"publishes_by_channel"`
	Channels                []channelStats   `json:"channels"`
}

type channelStats struct {
	Name        string `json:"name"`
	Subscribers int    `json:"subscribers"`
	Ephemeral   bool   `json:"ephemeral"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	infos := s.registry.List()
	channels := make([]channelStats, 0, len(infos))
	for _, info := range infos {
		channels = append(channels, channelStats{
			Name:        info.Name,
			Subscribers: info.Subscribers,
			Ephemeral:   info.Ephemeral,
		})
	}

	writeJSON(w, http.StatusOK, statsResponse{
		UptimeSeconds:           time.Since(s.stats.StartTime).Seconds(),
		TotalConnections:        atomic.LoadInt64(&s.stats.TotalConnections),
		CurrentConnections:      atomic.LoadInt64(&s.stats.CurrentConnections),
		MessagesPublished:       atomic.LoadInt64(&s.stats.MessagesPublished),
		MessagesSent:            atomic.LoadInt64(&s.stats.MessagesSent),
		MessagesReceived:        atomic.LoadInt64(&s.stats.MessagesReceived),
		BytesSent:               atomic.LoadInt64(&s.stats.BytesSent),
		BytesReceived:           atomic.LoadInt64(&s.stats.BytesReceived),
		ValidationFailures:      atomic.LoadInt64(&s.stats.ValidationFailures),
		FrameValidationFailures: atomic.LoadInt64(&s.stats.FrameValidationFailures),
		RateLimitDenials:        atomic.LoadInt64(&s.stats.RateLimitDenials),
		SlowConsumerEvictions:   atomic.LoadInt64(&s.stats.SlowConsumerEvictions),
		DisconnectsByReason:     s.stats.DisconnectsSnapshot(),
		PublishesByChannel:      s.stats.PublishesSnapshot(),
		Channels:                channels,
	})
}
