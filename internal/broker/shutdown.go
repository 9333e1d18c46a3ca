package broker

import (
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"

	"github.com/adred-codev/courier/internal/types"
)

// Shutdown drains and stops the broker:
//
//  1. Flip the shutting-down flag: health answers 503, new publishes get
//     503, new subscribe attempts are closed with 1001.
//  2. Stop the listeners and the NATS source (no new work arrives).
//  3. Let in-flight envelopes drain out of subscriber queues, bounded by
//     the shutdown deadline.
//  4. Close every subscriber stream with 1001 "going away".
//  5. Release the rest.
//
// Connections still holding queued frames when the deadline expires are
// terminated without drain.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	atomic.StoreInt32(&s.shuttingDown, 1)

	if s.listener != nil {
		s.logger.Info().Msg("Closing listener (no new connections accepted)")
		s.listener.Close()
	}
	if s.natsSource != nil {
		s.natsSource.stop()
	}

	current := atomic.LoadInt64(&s.stats.CurrentConnections)
	s.logger.Info().
		Int64("active_connections", current).
		Dur("deadline", s.cfg.ShutdownDeadline()).
		Msg("Draining subscriber queues")

	s.drainQueues(s.cfg.ShutdownDeadline())

	// Close every remaining subscriber with a going-away status.
	s.clients.Range(func(key, _ any) bool {
		if client, ok := key.(*Client); ok {
			s.disconnectClient(client, types.DisconnectReasonServerShutdown,
				types.DisconnectInitiatedByServer, ws.StatusGoingAway, "server shutting down")
		}
		return true
	})

	s.cancel()
	s.rateLimiter.Stop()

	s.logger.Info().Msg("Waiting for all goroutines to finish")
	s.wg.Wait()

	s.logger.Info().Msg("Graceful shutdown completed")
	return nil
}

// drainQueues waits until every subscriber's outbound queue is empty or
// the deadline expires.
func (s *Server) drainQueues(deadline time.Duration) {
	timer := time.NewTimer(deadline)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer timer.Stop()
	defer ticker.Stop()

	for {
		select {
		case <-timer.C:
			remaining := s.pendingFrames()
			if remaining > 0 {
				s.logger.Warn().
					Int("pending_frames", remaining).
					Msg("Shutdown deadline expired with undrained queues")
			}
			return
		case <-ticker.C:
			if s.pendingFrames() == 0 {
				s.logger.Info().Msg("All subscriber queues drained")
				return
			}
		}
	}
}

// pendingFrames sums outbound backlog across live connections.
func (s *Server) pendingFrames() int {
	total := 0
	s.clients.Range(func(key, _ any) bool {
		if client, ok := key.(*Client); ok {
			total += client.queueLen()
		}
		return true
	})
	return total
}
