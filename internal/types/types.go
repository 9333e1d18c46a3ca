package types

import (
	"sync"
	"time"
)

// LogLevel represents log verbosity level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat represents log output format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // JSON format for log aggregation
	LogFormatPretty LogFormat = "pretty" // Human-readable for local dev
)

// Disconnect reasons. Every terminal transition records exactly one of
// these so /stats can break disconnects down by cause.
const (
	DisconnectReasonReadError      = "read_error"
	DisconnectReasonWriteError     = "write_error"
	DisconnectReasonHeartbeat      = "heartbeat_timeout"
	DisconnectReasonSlowConsumer   = "slow_consumer"
	DisconnectReasonServerShutdown = "server_shutdown"
	DisconnectReasonUnauthorized   = "unauthorized"
	DisconnectReasonProtocolAbuse  = "protocol_abuse"
	DisconnectReasonCapacity       = "capacity"
	DisconnectReasonBadChannel     = "invalid_channel"
	DisconnectReasonClientClose    = "client_close"
)

// Who initiated a disconnect (for metrics labels).
const (
	DisconnectInitiatedByClient = "client"
	DisconnectInitiatedByServer = "server"
)

// Stats tracks broker counters backing the /stats endpoint.
// Scalar fields are updated with sync/atomic; maps take their own lock.
type Stats struct {
	StartTime time.Time

	TotalConnections   int64
	CurrentConnections int64
	MessagesSent       int64
	MessagesReceived   int64
	BytesSent          int64
	BytesReceived      int64

	MessagesPublished       int64
	ValidationFailures      int64
	RateLimitDenials        int64
	SlowConsumerEvictions   int64
	FrameValidationFailures int64

	DisconnectsByReason map[string]int64
	DisconnectsMu       sync.RWMutex

	PublishesByChannel map[string]int64
	PublishesMu        sync.RWMutex
}

// NewStats returns a Stats with maps initialized and the start time set.
func NewStats() *Stats {
	return &Stats{
		StartTime:           time.Now(),
		DisconnectsByReason: make(map[string]int64),
		PublishesByChannel:  make(map[string]int64),
	}
}

// RecordDisconnect bumps the per-reason disconnect counter.
func (s *Stats) RecordDisconnect(reason string) {
	s.DisconnectsMu.Lock()
	s.DisconnectsByReason[reason]++
	s.DisconnectsMu.Unlock()
}

// RecordPublish bumps the per-channel publish counter.
func (s *Stats) RecordPublish(channel string) {
	s.PublishesMu.Lock()
	s.PublishesByChannel[channel]++
	s.PublishesMu.Unlock()
}

// DisconnectsSnapshot returns a copy of the per-reason disconnect counts.
func (s *Stats) DisconnectsSnapshot() map[string]int64 {
	s.DisconnectsMu.RLock()
	defer s.DisconnectsMu.RUnlock()
	out := make(map[string]int64, len(s.DisconnectsByReason))
	for k, v := range s.DisconnectsByReason {
		out[k] = v
	}
	return out
}

// PublishesSnapshot returns a copy of the per-channel publish counts.
func (s *Stats) PublishesSnapshot() map[string]int64 {
	s.PublishesMu.RLock()
	defer s.PublishesMu.RUnlock()
	out := make(map[string]int64, len(s.PublishesByChannel))
	for k, v := range s.PublishesByChannel {
		out[k] = v
	}
	return out
}
