package broker

import (
	"bufio"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/courier/internal/monitoring"
	"github.com/adred-codev/courier/internal/types"
)

// writePump serializes all server-to-client writes: queued frames in
// FIFO order, keepalive pings, and pong replies handed over by the read
// pump. Batches channel backlog through one bufio flush to cut syscalls
// on busy channels. Every raw write holds c.writeMu, shared with the
// close frame written during teardown, so no two frames interleave.
func (s *Server) writePump(c *Client) {
	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(s.cfg.HeartbeatInterval())
	defer ticker.Stop()

	fail := func() {
		s.disconnectClient(c, types.DisconnectReasonWriteError,
			types.DisconnectInitiatedByServer, ws.StatusPolicyViolation, "write failure")
	}

	for {
		select {
		case frame := <-c.send:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := wsutil.WriteServerMessage(writer, ws.OpText, frame)
			if err == nil {
				s.countSent(c, len(frame))
				// Drain whatever else is queued into the same flush.
				n := len(c.send)
				for i := 0; i < n && err == nil; i++ {
					frame = <-c.send
					if err = wsutil.WriteServerMessage(writer, ws.OpText, frame); err == nil {
						s.countSent(c, len(frame))
					}
				}
			}
			if err == nil {
				err = writer.Flush()
			}
			c.writeMu.Unlock()
			if err != nil {
				fail()
				return
			}
			c.touch()

		case payload := <-c.pongs:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := wsutil.WriteServerMessage(c.conn, ws.OpPong, payload)
			c.writeMu.Unlock()
			if err != nil {
				fail()
				return
			}

		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil)
			c.writeMu.Unlock()
			if err != nil {
				fail()
				return
			}

		case <-c.done:
			return
		}
	}
}

func (s *Server) countSent(c *Client, n int) {
	atomic.AddInt64(&s.stats.MessagesSent, 1)
	atomic.AddInt64(&s.stats.BytesSent, int64(n))
	monitoring.MessagesSent.Inc()
	monitoring.BytesSent.Add(float64(n))
}

// sendRaw offers a frame directly to the client queue, best effort. Used
// for acks and error frames where dropping is preferable to evicting.
func (s *Server) sendRaw(c *Client, frame []byte) {
	select {
	case c.send <- frame:
	default:
		// Queue full; the client will be evicted by the next broadcast.
	}
}
