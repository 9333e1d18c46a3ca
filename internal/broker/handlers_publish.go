package broker

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/adred-codev/courier/internal/channel"
	"github.com/adred-codev/courier/internal/monitoring"
)

// serviceNameHeader identifies the publishing service on every ingress
// request; it keys rate limit buckets and must match the envelope's
// source field when both are present.
const serviceNameHeader = "X-Service-Name"

// publishResult is the successful ingress response body.
type publishResult struct {
	Status         string `json:"status"`
	Channel        string `json:"channel"`
	EventType      string `json:"event_type"`
	ClientsReached int    `json:"clients_reached"`
	Timestamp      string `json:"timestamp"`
}

// publishError is the failed ingress response body.
type publishError struct {
	Error      string   `json:"error"`
	Violations []string `json:"violations,omitempty"`
	RetryAfter float64  `json:"retry_after_seconds,omitempty"`
}

// handlePublish accepts the preferred form: POST /publish with
// {channel, data} in the body.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, publishError{Error: "method not allowed"})
		return
	}
	body, err := s.readBody(w, r)
	if err != nil {
		return
	}

	var req struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		// Over-cap bodies were read truncated, so the parse error here is
		// a symptom; name the size rule instead.
		if len(body) > s.cfg.MaxEventBytes {
			writeJSON(w, http.StatusBadRequest, publishError{
				Error:      "validation failed",
				Violations: []string{fmt.Sprintf("request body size %d bytes exceeds max %d", len(body), s.cfg.MaxEventBytes)},
			})
			return
		}
		writeJSON(w, http.StatusBadRequest, publishError{
			Error:      "validation failed",
			Violations: []string{fmt.Sprintf("request body must be a JSON object: %v", err)},
		})
		return
	}

	s.publishPipeline(w, r, req.Channel, req.Data)
}

// handlePublishLegacy accepts the compatibility form: POST
// /publish/{channel} with the bare envelope as the body.
func (s *Server) handlePublishLegacy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, publishError{Error: "method not allowed"})
		return
	}
	channelRaw := strings.TrimPrefix(r.URL.Path, "/publish/")
	body, err := s.readBody(w, r)
	if err != nil {
		return
	}
	s.publishPipeline(w, r, channelRaw, body)
}

// readBody reads the request body up to one byte past the envelope cap,
// so the size rule can reject over-cap payloads without buffering
// unbounded input.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(s.cfg.MaxEventBytes)+1024))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, publishError{Error: "failed to read request body"})
		return nil, err
	}
	return body, nil
}

// publishPipeline gates a publish request: shutdown check, required
// publisher header, rate limiter, envelope validation, then fan-out.
func (s *Server) publishPipeline(w http.ResponseWriter, r *http.Request, channelRaw string, envelope []byte) {
	if s.ShuttingDown() {
		writeJSON(w, http.StatusServiceUnavailable, publishError{Error: "server is shutting down"})
		return
	}

	publisher := r.Header.Get(serviceNameHeader)
	if publisher == "" {
		writeJSON(w, http.StatusBadRequest, publishError{
			Error:      "validation failed",
			Violations: []string{fmt.Sprintf("missing required header: %s", serviceNameHeader)},
		})
		return
	}

	eventType := peekEventType(envelope)
	if !s.rateLimiter.TryAcquire(publisher, eventType) {
		retryAfter := s.rateLimiter.RetryAfter(publisher, eventType)
		atomic.AddInt64(&s.stats.RateLimitDenials, 1)
		monitoring.RateLimitDenials.Inc()
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(math.Ceil(retryAfter.Seconds()))))
		writeJSON(w, http.StatusTooManyRequests, publishError{
			Error:      "rate limit exceeded",
			RetryAfter: retryAfter.Seconds(),
		})
		return
	}

	result, perr := s.publish(channelRaw, envelope, publisher)
	if perr != nil {
		writeJSON(w, perr.status, perr.body)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ingressError pairs an HTTP status with its response body.
type ingressError struct {
	status int
	body   publishError
}

// publish validates the envelope against the named channel and fans it
// out. Shared by the HTTP ingress and the NATS source. Validation
// failures never mutate registry state.
func (s *Server) publish(channelRaw string, envelope []byte, publisher string) (*publishResult, *ingressError) {
	name, err := channel.ParseName(channelRaw)
	if err != nil {
		atomic.AddInt64(&s.stats.ValidationFailures, 1)
		monitoring.ValidationFailures.Inc()
		return nil, &ingressError{
			status: http.StatusBadRequest,
			body: publishError{
				Error:      "validation failed",
				Violations: []string{err.Error()},
			},
		}
	}

	env, res := s.eventValidator.Validate(envelope, publisher)
	if !res.OK() {
		atomic.AddInt64(&s.stats.ValidationFailures, 1)
		monitoring.ValidationFailures.Inc()
		return nil, &ingressError{
			status: http.StatusBadRequest,
			body: publishError{
				Error:      "validation failed",
				Violations: res.Violations,
			},
		}
	}

	// Channels come to exist on first publish; delivery count is zero
	// until a subscriber joins.
	s.registry.Ensure(name, true)
	monitoring.ChannelsActive.Set(float64(s.registry.ChannelCount()))

	reached, err := s.broadcast(name, env)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("channel", name.String()).
			Msg("Broadcast serialization failed")
		return nil, &ingressError{
			status: http.StatusInternalServerError,
			body:   publishError{Error: "internal error"},
		}
	}

	atomic.AddInt64(&s.stats.MessagesPublished, 1)
	s.stats.RecordPublish(name.String())
	monitoring.PublishesTotal.WithLabelValues(name.String()).Inc()
	monitoring.ClientsReached.Observe(float64(reached))

	return &publishResult{
		Status:         "published",
		Channel:        name.String(),
		EventType:      env.Type,
		ClientsReached: reached,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// peekEventType extracts the envelope type for rate limit keying without
// full validation. Unparseable bodies fall into the default bucket and
// are rejected by the validator right after.
func peekEventType(envelope []byte) string {
	var peek struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(envelope, &peek); err != nil {
		return ""
	}
	return peek.Type
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
