package broker

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"

	"github.com/adred-codev/courier/internal/auth"
	"github.com/adred-codev/courier/internal/channel"
	"github.com/adred-codev/courier/internal/monitoring"
	"github.com/adred-codev/courier/internal/types"
)

// handleSubscribe accepts a subscriber stream: upgrade, authenticate,
// authorize, insert into the registry, then hand the connection to its
// pumps. Policy rejections close the stream with 1008 after the upgrade
// so clients see a proper close reason instead of a failed handshake.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	clientIP := getClientIP(r)
	channelRaw := strings.TrimPrefix(r.URL.Path, "/subscribe/")
	token := r.URL.Query().Get("token")

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("client_ip", clientIP).
			Msg("WebSocket upgrade failed")
		monitoring.ConnectionsRejected.WithLabelValues("upgrade_failed").Inc()
		return
	}

	if s.ShuttingDown() {
		s.rejectStream(conn, ws.StatusGoingAway, "server shutting down", "shutdown", clientIP)
		return
	}

	name, err := channel.ParseName(channelRaw)
	if err != nil {
		s.rejectStream(conn, ws.StatusPolicyViolation, "invalid channel name", "bad_channel", clientIP)
		return
	}

	userID := ""
	if s.verifier != nil {
		if token == "" {
			s.rejectStream(conn, ws.StatusPolicyViolation, "missing token", "missing_token", clientIP)
			return
		}
		claims, err := s.verifier.Verify(token)
		if err != nil {
			reason := "invalid_token"
			switch {
			case errors.Is(err, auth.ErrTokenExpired):
				reason = "token_expired"
			case errors.Is(err, auth.ErrInvalidSignature):
				reason = "invalid_signature"
			}
			s.rejectStream(conn, ws.StatusPolicyViolation, "invalid token", reason, clientIP)
			return
		}
		userID = claims.UserID
	}

	if !s.authorizer.Allow(userID, name) {
		s.rejectStream(conn, ws.StatusPolicyViolation, "unauthorized channel", "unauthorized_channel", clientIP)
		return
	}

	client := newClient(s.nextClientID(), conn, s, name, userID, s.cfg.OutboundQueueCapacity)

	// Deliverable before visible: a broadcast snapshotting the registry
	// right after the insert must find a connection that accepts frames.
	// The queue buffers them until the pumps start.
	client.markSubscribed()

	if err := s.registry.Subscribe(name, client); err != nil {
		s.logger.Warn().
			Str("client_ip", clientIP).
			Str("channel", name.String()).
			Err(err).
			Msg("Subscribe rejected: capacity")
		s.rejectStream(conn, ws.StatusPolicyViolation, err.Error(), "capacity", clientIP)
		return
	}

	s.clients.Store(client, struct{}{})

	atomic.AddInt64(&s.stats.TotalConnections, 1)
	current := atomic.AddInt64(&s.stats.CurrentConnections, 1)
	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsActive.Inc()
	monitoring.ChannelsActive.Set(float64(s.registry.ChannelCount()))

	s.logger.Info().
		Int64("client_id", client.id).
		Str("client_ip", clientIP).
		Str("channel", name.String()).
		Str("user_id", userID).
		Int64("current_connections", current).
		Msg("Client subscribed")

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.writePump(client)
	}()
	go func() {
		defer s.wg.Done()
		s.readPump(client)
	}()
}

// rejectStream closes a just-upgraded stream that failed policy checks.
// These connections never entered the registry, so there is nothing to
// unsubscribe.
func (s *Server) rejectStream(conn net.Conn, code ws.StatusCode, text, reason, clientIP string) {
	s.logger.Warn().
		Str("client_ip", clientIP).
		Str("reason", reason).
		Uint16("close_code", uint16(code)).
		Msg("Subscriber rejected")
	monitoring.ConnectionsRejected.WithLabelValues(reason).Inc()
	switch reason {
	case "shutdown":
		// Not a policy failure; the shutdown path keeps its own count.
	case "capacity":
		s.stats.RecordDisconnect(types.DisconnectReasonCapacity)
	case "bad_channel":
		s.stats.RecordDisconnect(types.DisconnectReasonBadChannel)
	default:
		s.stats.RecordDisconnect(types.DisconnectReasonUnauthorized)
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	body := ws.NewCloseFrameBody(code, text)
	ws.WriteFrame(conn, ws.NewCloseFrame(body))
	conn.Close()
}

// getClientIP extracts the client IP, preferring X-Forwarded-For when a
// proxy sits in front of the broker.
func getClientIP(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
