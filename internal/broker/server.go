package broker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/adred-codev/courier/internal/auth"
	"github.com/adred-codev/courier/internal/channel"
	"github.com/adred-codev/courier/internal/config"
	"github.com/adred-codev/courier/internal/limits"
	"github.com/adred-codev/courier/internal/monitoring"
	"github.com/adred-codev/courier/internal/types"
	"github.com/adred-codev/courier/internal/validate"
)

const (
	// Time allowed to write a frame to the peer before the connection is
	// considered dead.
	writeWait = 5 * time.Second
)

// Server is the broker runtime: registry, fan-out, ingress, control
// surface, and lifecycle. The supervisor in cmd/courier constructs one
// and drives Start/Shutdown.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	registry       *channel.Registry
	verifier       *auth.Verifier // nil when auth is disabled
	authorizer     *auth.Authorizer
	eventValidator *validate.EventValidator
	frameValidator *validate.FrameValidator
	rateLimiter    *limits.PublishRateLimiter
	probe          *monitoring.SystemProbe

	listener   net.Listener
	httpServer *http.Server
	natsSource *natsSource

	clients   sync.Map // map[*Client]struct{}
	clientSeq int64

	stats        *types.Stats
	shuttingDown int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer wires the dependency graph in startup order: validators,
// registry, rate limiter, then the APIs that use them.
func NewServer(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		stats:  types.NewStats(),
	}

	if cfg.AuthRequired {
		verifier, err := auth.NewVerifier(cfg.AuthSecret, cfg.AuthAlgorithm, cfg.AuthLeeway())
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create token verifier: %w", err)
		}
		s.verifier = verifier
	}
	s.authorizer = auth.NewAuthorizer(nil)

	s.eventValidator = validate.NewEventValidator(validate.EventLimits{
		MaxBytes:        cfg.MaxEventBytes,
		MaxStringLength: cfg.MaxStringLength,
		MaxArrayLength:  cfg.MaxArrayLength,
		MaxNestingDepth: cfg.MaxNestingDepth,
		AllowedTypes:    cfg.AllowedEventTypes,
	})
	s.frameValidator = validate.NewFrameValidator(validate.FrameLimits{
		MaxBytes:        cfg.MaxEventBytes,
		MaxStringLength: cfg.MaxStringLength,
		MaxArrayLength:  cfg.MaxArrayLength,
		MaxNestingDepth: cfg.MaxNestingDepth,
	})

	s.registry = channel.NewRegistry(channel.Limits{
		MaxPerChannel: cfg.MaxClientsPerChannel,
		MaxTotal:      cfg.MaxTotalClients,
	}, cfg.ChannelGrace(), logger)

	for _, raw := range cfg.PreconfiguredChannels {
		name, err := channel.ParseName(raw)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("preconfigured channel %q: %w", raw, err)
		}
		s.registry.Ensure(name, false)
	}

	overrides, err := cfg.RateOverrides()
	if err != nil {
		cancel()
		return nil, err
	}
	perType := make(map[string]limits.BucketConfig, len(overrides))
	for t, o := range overrides {
		perType[t] = limits.BucketConfig{TokensPerSecond: o.TokensPerSecond, Burst: o.Burst}
	}
	s.rateLimiter = limits.NewPublishRateLimiter(limits.PublishRateLimiterConfig{
		Default: limits.BucketConfig{TokensPerSecond: cfg.RateTokensPerSecond, Burst: cfg.RateBurst},
		PerType: perType,
		Logger:  logger,
	})

	probe, err := monitoring.NewSystemProbe(logger, cfg.MemorySoftLimitBytes)
	if err != nil {
		logger.Warn().Err(err).Msg("Process probe unavailable, health degradation disabled")
	} else {
		s.probe = probe
	}

	if cfg.NATSURL != "" {
		source, err := newNATSSource(cfg.NATSURL, cfg.NATSSubject, s, logger)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create NATS ingest source: %w", err)
		}
		s.natsSource = source
	}

	logger.Info().
		Str("addr", cfg.Addr()).
		Int("max_clients_per_channel", cfg.MaxClientsPerChannel).
		Int("outbound_queue_capacity", cfg.OutboundQueueCapacity).
		Bool("auth_required", cfg.AuthRequired).
		Int("preconfigured_channels", len(cfg.PreconfiguredChannels)).
		Msg("Broker initialized")

	return s, nil
}

// Mux returns the broker's HTTP routes. Exposed for tests.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/subscribe/", s.handleSubscribe)
	mux.HandleFunc("/publish", s.handlePublish)
	mux.HandleFunc("/publish/", s.handlePublishLegacy)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.Handle("/metrics", monitoring.MetricsHandler())
	return mux
}

// Start binds the listener and begins serving. Non-blocking; Shutdown
// tears everything down.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:        s.Mux(),
		ReadTimeout:    0, // streaming connections outlive any fixed timeout
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP serve loop error")
		}
	}()

	s.registry.StartSweeper(s.ctx, s.cfg.ChannelGrace())
	if s.probe != nil {
		s.probe.Start(s.ctx, 15*time.Second)
	}
	if s.natsSource != nil {
		if err := s.natsSource.start(); err != nil {
			return fmt.Errorf("failed to start NATS ingest source: %w", err)
		}
	}

	s.logger.Info().Str("address", s.cfg.Addr()).Msg("Broker listening")
	return nil
}

// ShuttingDown reports whether graceful shutdown has begun.
func (s *Server) ShuttingDown() bool {
	return atomic.LoadInt32(&s.shuttingDown) == 1
}

// nextClientID returns a process-unique connection id.
func (s *Server) nextClientID() int64 {
	return atomic.AddInt64(&s.clientSeq, 1)
}

// disconnectClient funnels every terminal transition: registry removal
// happens before the transport close so no broadcast can reach a
// half-dead connection, then counters and the close frame. Reports
// whether this call performed the teardown, so callers attributing the
// disconnect (eviction counters) only count once.
func (s *Server) disconnectClient(c *Client, reason, initiatedBy string, closeCode ws.StatusCode, closeText string) bool {
	if !c.markClosing() {
		return false // another path already tore this connection down
	}

	s.registry.Unsubscribe(c.channel, c.id)
	s.clients.Delete(c)
	close(c.done)

	duration := time.Since(c.connectedAt)
	atomic.AddInt64(&s.stats.CurrentConnections, -1)
	s.stats.RecordDisconnect(reason)
	monitoring.ConnectionsActive.Dec()
	monitoring.RecordDisconnect(reason, initiatedBy, duration.Seconds())
	monitoring.ChannelsActive.Set(float64(s.registry.ChannelCount()))

	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		body := ws.NewCloseFrameBody(closeCode, closeText)
		ws.WriteFrame(c.conn, ws.NewCloseFrame(body))
		c.writeMu.Unlock()
		c.conn.Close()
	})
	atomic.StoreInt32(&c.state, stateClosed)

	s.logger.Debug().
		Int64("client_id", c.id).
		Str("channel", c.channel.String()).
		Str("reason", reason).
		Str("initiated_by", initiatedBy).
		Dur("duration", duration).
		Msg("Client disconnected")
	return true
}
