package broker

import (
	"encoding/json"
	"sync/atomic"

	"github.com/gobwas/ws"

	"github.com/adred-codev/courier/internal/channel"
	"github.com/adred-codev/courier/internal/monitoring"
	"github.com/adred-codev/courier/internal/types"
	"github.com/adred-codev/courier/internal/validate"
)

// outboundFrame is the message shape subscribers receive. Envelope data
// stays as raw bytes; fan-out never re-parses payloads.
type outboundFrame struct {
	Type          string          `json:"type"`
	Channel       string          `json:"channel"`
	Timestamp     string          `json:"timestamp"`
	Source        string          `json:"source,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// broadcast fans one validated envelope out to every current subscriber
// of the channel and returns how many were reached.
//
// The envelope is serialized once and the same bytes are enqueued for
// every subscriber. Iteration runs over an immutable membership snapshot,
// so subscribe/unsubscribe during fan-out cannot corrupt it: a subscriber
// in the snapshot gets the event, one who joins after does not.
//
// Enqueue never blocks. A full queue means the consumer fell behind by a
// whole queue's worth of frames; the policy is eviction, not publisher
// backpressure.
func (s *Server) broadcast(name channel.Name, env *validate.Envelope) (int, error) {
	frame, err := json.Marshal(outboundFrame{
		Type:          env.Type,
		Channel:       name.String(),
		Timestamp:     env.Timestamp,
		Source:        env.Source,
		CorrelationID: env.CorrelationID,
		Data:          env.Data,
	})
	if err != nil {
		return 0, err
	}

	subscribers := s.registry.Snapshot(name)
	reached := 0
	for _, sub := range subscribers {
		if c, ok := sub.(*Client); ok {
			monitoring.QueueDepth.Observe(float64(c.queueLen()))
		}
		if sub.Enqueue(frame) {
			reached++
			continue
		}
		// A connection already tearing down drops the frame but is not
		// reached and not slow; only a full queue on a live subscriber
		// costs the connection.
		if c, ok := sub.(*Client); ok && !c.isSubscribed() {
			continue
		}
		s.evictSlowConsumer(sub)
	}

	s.logger.Debug().
		Str("channel", name.String()).
		Str("event_type", env.Type).
		Int("subscribers", len(subscribers)).
		Int("reached", reached).
		Msg("Broadcast")

	return reached, nil
}

// evictSlowConsumer removes a subscriber whose queue overflowed. Removal
// from the registry happens before the transport close (inside
// disconnectClient), so no later publish counts this connection. The
// eviction is counted only when this call won the teardown; concurrent
// broadcasts hitting the same full queue count a single eviction.
func (s *Server) evictSlowConsumer(sub channel.Subscriber) {
	c, ok := sub.(*Client)
	if !ok {
		return
	}

	if !s.disconnectClient(c, types.DisconnectReasonSlowConsumer,
		types.DisconnectInitiatedByServer, ws.StatusPolicyViolation,
		"too slow to process messages") {
		return
	}

	atomic.AddInt64(&s.stats.SlowConsumerEvictions, 1)
	monitoring.SlowConsumerEvictions.Inc()

	s.logger.Warn().
		Int64("client_id", c.id).
		Str("channel", c.channel.String()).
		Int("queue_capacity", cap(c.send)).
		Msg("Evicted slow consumer")
}
