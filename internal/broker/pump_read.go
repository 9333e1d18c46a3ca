package broker

import (
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/courier/internal/monitoring"
	"github.com/adred-codev/courier/internal/types"
)

// readPump drains client frames and enforces liveness. A connection is
// dead after 2x the heartbeat interval without activity in either
// direction: inbound data frames, inbound pongs, and successful outbound
// sends all count, so the read deadline is re-armed on timeout while
// lastActivity is still fresh.
//
// Control frames are handled here instead of by the wsutil defaults:
// a pong must credit liveness, and ping replies go through the write
// pump so a single goroutine owns the connection's write side.
func (s *Server) readPump(c *Client) {
	idleDeadline := 2 * s.cfg.HeartbeatInterval()

	reason := types.DisconnectReasonReadError
	initiatedBy := types.DisconnectInitiatedByClient
	closeCode := ws.StatusPolicyViolation
	closeText := ""

	defer func() {
		s.disconnectClient(c, reason, initiatedBy, closeCode, closeText)
	}()

	rd := &wsutil.Reader{
		Source:    c.conn,
		State:     ws.StateServerSide,
		CheckUTF8: true,
		OnIntermediate: func(hdr ws.Header, frame io.Reader) error {
			return s.controlFrame(c, hdr, frame)
		},
	}

	for {
		c.conn.SetReadDeadline(time.Now().Add(idleDeadline))
		hdr, err := rd.NextFrame()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				if c.idleFor() < idleDeadline {
					continue // pongs or outbound sends kept the connection alive
				}
				reason = types.DisconnectReasonHeartbeat
				initiatedBy = types.DisconnectInitiatedByServer
				closeText = "heartbeat timeout"
				return
			}
			if _, closed := err.(wsutil.ClosedError); closed {
				reason = types.DisconnectReasonClientClose
				closeCode = ws.StatusNormalClosure
				return
			}
			return // read_error, client initiated
		}

		if hdr.OpCode.IsControl() {
			err := s.controlFrame(c, hdr, rd)
			if _, closed := err.(wsutil.ClosedError); closed {
				reason = types.DisconnectReasonClientClose
				closeCode = ws.StatusNormalClosure
				return
			}
			if err != nil {
				return
			}
			continue
		}

		msg, err := io.ReadAll(rd)
		if err != nil {
			// A close frame can interleave a fragmented message; it
			// surfaces here through the intermediate handler.
			if _, closed := err.(wsutil.ClosedError); closed {
				reason = types.DisconnectReasonClientClose
				closeCode = ws.StatusNormalClosure
			}
			return
		}

		c.touch()
		atomic.AddInt64(&s.stats.MessagesReceived, 1)
		atomic.AddInt64(&s.stats.BytesReceived, int64(len(msg)))
		monitoring.MessagesReceived.Inc()
		monitoring.BytesReceived.Add(float64(len(msg)))

		switch hdr.OpCode {
		case ws.OpText, ws.OpBinary:
			// Legacy convention: bare text "ping" answered with "pong".
			// Structured frames are the preferred path.
			if s.cfg.LegacyTextPing && string(msg) == "ping" {
				s.sendRaw(c, []byte("pong"))
				continue
			}
			if abuse := s.handleClientFrame(c, msg); abuse {
				reason = types.DisconnectReasonProtocolAbuse
				initiatedBy = types.DisconnectInitiatedByServer
				closeText = "protocol abuse"
				return
			}
		}
	}
}

// controlFrame handles one inbound control frame. The payload reader is
// already unmasked by the wsutil.Reader.
func (s *Server) controlFrame(c *Client, hdr ws.Header, frame io.Reader) error {
	payload, err := io.ReadAll(frame)
	if err != nil {
		return err
	}

	switch hdr.OpCode {
	case ws.OpPing:
		c.touch()
		c.enqueuePong(payload)
	case ws.OpPong:
		c.touch()
	case ws.OpClose:
		code, text := ws.ParseCloseFrameData(payload)
		return wsutil.ClosedError{Code: code, Reason: text}
	}
	return nil
}
