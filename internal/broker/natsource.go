package broker

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/courier/internal/monitoring"
)

// natsSource is an optional ingest path: backend producers already on a
// NATS bus can publish envelopes without speaking the HTTP ingress.
// Every message runs through the same rate-limit/validate/broadcast
// pipeline as an HTTP publish. This is a local producer convenience, not
// cross-instance fan-out.
type natsSource struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	subject string
	server  *Server
	logger  zerolog.Logger
}

// natsPublish is the expected message payload on the ingest subject.
type natsPublish struct {
	Channel string          `json:"channel"`
	Source  string          `json:"source"`
	Data    json.RawMessage `json:"data"`
}

func newNATSSource(url, subject string, server *Server, logger zerolog.Logger) (*natsSource, error) {
	src := &natsSource{
		subject: subject,
		server:  server,
		logger:  logger.With().Str("component", "nats_source").Logger(),
	}

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			src.logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			src.logger.Info().Str("url", conn.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	src.conn = conn
	return src, nil
}

func (n *natsSource) start() error {
	sub, err := n.conn.Subscribe(n.subject, n.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", n.subject, err)
	}
	n.sub = sub
	n.logger.Info().Str("subject", n.subject).Msg("NATS ingest source started")
	return nil
}

func (n *natsSource) handleMessage(msg *nats.Msg) {
	if n.server.ShuttingDown() {
		return
	}

	var req natsPublish
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		n.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Bad ingest payload")
		return
	}
	if req.Source == "" {
		n.logger.Warn().Str("subject", msg.Subject).Msg("Ingest payload missing source")
		return
	}

	eventType := peekEventType(req.Data)
	if !n.server.rateLimiter.TryAcquire(req.Source, eventType) {
		atomic.AddInt64(&n.server.stats.RateLimitDenials, 1)
		monitoring.RateLimitDenials.Inc()
		n.logger.Debug().
			Str("publisher", req.Source).
			Str("event_type", eventType).
			Msg("Ingest message rate limited")
		return
	}

	result, perr := n.server.publish(req.Channel, req.Data, req.Source)
	if perr != nil {
		n.logger.Warn().
			Str("channel", req.Channel).
			Strs("violations", perr.body.Violations).
			Msg("Ingest message rejected")
		return
	}

	n.logger.Debug().
		Str("channel", result.Channel).
		Str("event_type", result.EventType).
		Int("clients_reached", result.ClientsReached).
		Msg("Ingest message published")
}

func (n *natsSource) connected() bool {
	return n.conn != nil && n.conn.IsConnected()
}

func (n *natsSource) stop() {
	if n.sub != nil {
		n.sub.Unsubscribe()
	}
	if n.conn != nil {
		n.conn.Drain()
	}
	n.logger.Info().Msg("NATS ingest source stopped")
}
