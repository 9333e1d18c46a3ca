package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// BucketConfig is one token bucket shape.
type BucketConfig struct {
	TokensPerSecond float64
	Burst           int
}

// PublishRateLimiterConfig configures the ingress rate limiter.
type PublishRateLimiterConfig struct {
	// Default applies to every (publisher, event type) pair without an
	// override.
	Default BucketConfig
	// PerType overrides the default for specific event types.
	PerType map[string]BucketConfig
	// TTL evicts buckets idle for this long (default 10 minutes).
	TTL time.Duration
	// Logger for bucket lifecycle events.
	Logger zerolog.Logger
}

// PublishRateLimiter applies token-bucket limits keyed by
// (publisher, event type). Uses golang.org/x/time/rate for smooth refill
// against monotonic time.
type PublishRateLimiter struct {
	mu      sync.RWMutex
	buckets map[bucketKey]*bucketEntry

	defaults BucketConfig
	perType  map[string]BucketConfig
	ttl      time.Duration
	logger   zerolog.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

type bucketKey struct {
	publisher string
	eventType string
}

type bucketEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewPublishRateLimiter creates a limiter and starts its bucket cleanup
// loop. Call Stop during shutdown.
func NewPublishRateLimiter(config PublishRateLimiterConfig) *PublishRateLimiter {
	if config.TTL == 0 {
		config.TTL = 10 * time.Minute
	}
	l := &PublishRateLimiter{
		buckets:     make(map[bucketKey]*bucketEntry),
		defaults:    config.Default,
		perType:     config.PerType,
		ttl:         config.TTL,
		logger:      config.Logger.With().Str("component", "publish_rate_limiter").Logger(),
		stopCleanup: make(chan struct{}),
	}

	l.cleanupTicker = time.NewTicker(time.Minute)
	go l.cleanupLoop()

	l.logger.Info().
		Float64("default_rate", config.Default.TokensPerSecond).
		Int("default_burst", config.Default.Burst).
		Int("per_type_overrides", len(config.PerType)).
		Dur("bucket_ttl", config.TTL).
		Msg("Publish rate limiter initialized")
	return l
}

// TryAcquire takes one token from the (publisher, eventType) bucket.
// Non-blocking: false means the publish should be rejected with 429.
func (l *PublishRateLimiter) TryAcquire(publisher, eventType string) bool {
	return l.getBucket(publisher, eventType).Allow()
}

// RetryAfter estimates when the next token becomes available, for the
// Retry-After hint on a 429. Does not consume a token.
func (l *PublishRateLimiter) RetryAfter(publisher, eventType string) time.Duration {
	limiter := l.getBucket(publisher, eventType)
	res := limiter.Reserve()
	delay := res.Delay()
	res.Cancel()
	if delay < 0 {
		return 0
	}
	return delay
}

func (l *PublishRateLimiter) configFor(eventType string) BucketConfig {
	if cfg, ok := l.perType[eventType]; ok {
		return cfg
	}
	return l.defaults
}

func (l *PublishRateLimiter) getBucket(publisher, eventType string) *rate.Limiter {
	key := bucketKey{publisher: publisher, eventType: eventType}

	l.mu.RLock()
	entry, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		l.mu.Lock()
		entry.lastAccess = time.Now()
		l.mu.Unlock()
		return entry.limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Double-check after acquiring the write lock.
	if entry, ok = l.buckets[key]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	cfg := l.configFor(eventType)
	limiter := rate.NewLimiter(rate.Limit(cfg.TokensPerSecond), cfg.Burst)
	l.buckets[key] = &bucketEntry{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

func (l *PublishRateLimiter) cleanupLoop() {
	for {
		select {
		case <-l.cleanupTicker.C:
			l.cleanup()
		case <-l.stopCleanup:
			l.cleanupTicker.Stop()
			return
		}
	}
}

// cleanup removes buckets idle past the TTL so unbounded publisher
// cardinality cannot leak memory.
func (l *PublishRateLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, entry := range l.buckets {
		if now.Sub(entry.lastAccess) > l.ttl {
			delete(l.buckets, key)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(l.buckets)).
			Msg("Evicted idle rate limit buckets")
	}
}

// Stop halts the cleanup loop. Safe to call more than once.
func (l *PublishRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}
