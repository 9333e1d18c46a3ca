package broker

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/adred-codev/courier/internal/monitoring"
	"github.com/adred-codev/courier/internal/validate"
)

// handleClientFrame processes one inbound structured frame. Control
// frames are answered locally; data frames are acknowledged and
// discarded, because Courier never routes client data to other
// subscribers. The return value reports protocol abuse, which is the
// only inbound failure that costs the client its connection.
func (s *Server) handleClientFrame(c *Client, raw []byte) (abuse bool) {
	frame, res := s.frameValidator.Validate(raw)
	if !res.OK() {
		atomic.AddInt64(&s.stats.FrameValidationFailures, 1)
		monitoring.FrameValidationFailures.Inc()

		s.logger.Debug().
			Int64("client_id", c.id).
			Strs("violations", res.Violations).
			Bool("abuse", res.Abuse).
			Msg("Client frame rejected")

		if res.Abuse {
			return true
		}
		s.sendJSON(c, map[string]any{
			"type":       "error",
			"code":       "INVALID_FRAME",
			"violations": res.Violations,
		})
		return false
	}

	switch frame.Type {
	case validate.FrameTypePing:
		s.sendJSON(c, map[string]any{
			"type": "pong",
			"ts":   time.Now().UnixMilli(),
		})

	case validate.FrameTypePong:
		// Liveness was already credited by the read pump.

	case validate.FrameTypeSubscribe, validate.FrameTypeUnsubscribe:
		// Channel assignment is fixed at connect time: acknowledge with
		// the channel this connection is bound to.
		s.sendJSON(c, map[string]any{
			"type":    frame.Type + "_ack",
			"channel": c.channel.String(),
		})

	default:
		s.sendJSON(c, map[string]any{
			"type": "ack",
		})
	}
	return false
}

// sendJSON marshals and offers a frame to the client queue, best effort.
func (s *Server) sendJSON(c *Client, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.sendRaw(c, data)
}
