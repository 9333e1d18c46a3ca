package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrChannelFull is returned when a channel hit max_clients_per_channel.
	ErrChannelFull = errors.New("channel subscriber limit reached")
	// ErrServerFull is returned when the broker hit max_total_clients.
	ErrServerFull = errors.New("total client limit reached")
)

// Subscriber is the registry's view of a connected client. The broker's
// Client satisfies it; the registry never reaches into connection state.
type Subscriber interface {
	// ID is unique for the life of the process.
	ID() int64
	// Enqueue offers one outbound frame without blocking.
	// Returns false when the subscriber's queue is full.
	Enqueue(frame []byte) bool
}

// Info is a read-only channel summary for /stats.
type Info struct {
	Name        string    `json:"name"`
	Ephemeral   bool      `json:"ephemeral"`
	Subscribers int       `json:"subscribers"`
	CreatedAt   time.Time `json:"created_at"`
}

// entry owns one channel's subscriber set.
//
// The membership slice lives in an atomic.Value as an immutable snapshot:
// mutation happens under the registry write lock and swaps in a fresh
// slice, while the broadcast path loads the current snapshot lock-free.
// Fan-out dominates subscribe churn, so reads must not contend.
type entry struct {
	id        int64
	name      Name
	ephemeral bool
	createdAt time.Time
	snapshot  atomic.Value // []Subscriber
	emptyAt   time.Time    // zero while the channel has subscribers
}

func (e *entry) load() []Subscriber {
	v := e.snapshot.Load()
	if v == nil {
		return nil
	}
	return v.([]Subscriber)
}

// Limits configures registry capacity enforcement.
type Limits struct {
	MaxPerChannel int // required, > 0
	MaxTotal      int // 0 = unlimited
}

// Registry is the authoritative mapping channel name -> subscriber set.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*entry
	total    int64 // atomic; live subscribers across all channels
	nextID   int64 // atomic; opaque channel ids

	limits Limits
	grace  time.Duration
	logger zerolog.Logger
}

// NewRegistry creates an empty registry. grace is how long an empty
// ephemeral channel survives before the sweeper drops it.
func NewRegistry(limits Limits, grace time.Duration, logger zerolog.Logger) *Registry {
	return &Registry{
		channels: make(map[string]*entry),
		limits:   limits,
		grace:    grace,
		logger:   logger.With().Str("component", "registry").Logger(),
	}
}

// Ensure creates the channel if it does not exist and returns whether it
// already existed. Preconfigured channels call this with ephemeral=false
// at startup; first publish/subscribe to an unknown name creates it with
// ephemeral=true.
func (r *Registry) Ensure(name Name, ephemeral bool) (existed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureLocked(name, ephemeral) != nil
}

// ensureLocked returns the existing entry, or nil after creating one.
func (r *Registry) ensureLocked(name Name, ephemeral bool) *entry {
	if e, ok := r.channels[name.String()]; ok {
		return e
	}
	e := &entry{
		id:        atomic.AddInt64(&r.nextID, 1),
		name:      name,
		ephemeral: ephemeral,
		createdAt: time.Now(),
		emptyAt:   time.Now(),
	}
	r.channels[name.String()] = e
	r.logger.Debug().
		Str("channel", name.String()).
		Bool("ephemeral", ephemeral).
		Msg("Channel created")
	return nil
}

// Subscribe inserts sub into the channel's set, creating the channel on
// demand. Idempotent for the same subscriber id. Fails only on capacity.
func (r *Registry) Subscribe(name Name, sub Subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.limits.MaxTotal > 0 && atomic.LoadInt64(&r.total) >= int64(r.limits.MaxTotal) {
		return ErrServerFull
	}

	e, ok := r.channels[name.String()]
	if !ok {
		r.ensureLocked(name, true)
		e = r.channels[name.String()]
	}

	current := e.load()
	for _, existing := range current {
		if existing.ID() == sub.ID() {
			return nil // already subscribed
		}
	}
	if len(current) >= r.limits.MaxPerChannel {
		return ErrChannelFull
	}

	next := make([]Subscriber, len(current)+1)
	copy(next, current)
	next[len(current)] = sub
	e.snapshot.Store(next)
	e.emptyAt = time.Time{}
	atomic.AddInt64(&r.total, 1)
	return nil
}

// Unsubscribe removes the subscriber with the given id. No-op when the
// channel or subscriber is unknown.
func (r *Registry) Unsubscribe(name Name, id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.channels[name.String()]
	if !ok {
		return
	}
	current := e.load()
	for i, existing := range current {
		if existing.ID() != id {
			continue
		}
		next := make([]Subscriber, len(current)-1)
		copy(next, current[:i])
		copy(next[i:], current[i+1:])
		e.snapshot.Store(next)
		atomic.AddInt64(&r.total, -1)
		if len(next) == 0 {
			e.emptyAt = time.Now()
		}
		return
	}
}

// Snapshot returns the current membership as an immutable slice. Safe to
// iterate without coordination; callers must not modify it.
func (r *Registry) Snapshot(name Name) []Subscriber {
	r.mu.RLock()
	e, ok := r.channels[name.String()]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return e.load()
}

// Exists reports whether the registry holds an entry under name.
func (r *Registry) Exists(name Name) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[name.String()]
	return ok
}

// List returns a summary of every channel.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.channels))
	for _, e := range r.channels {
		out = append(out, Info{
			Name:        e.name.String(),
			Ephemeral:   e.ephemeral,
			Subscribers: len(e.load()),
			CreatedAt:   e.createdAt,
		})
	}
	return out
}

// TotalSubscribers returns the live subscriber count across all channels.
func (r *Registry) TotalSubscribers() int64 {
	return atomic.LoadInt64(&r.total)
}

// ChannelCount returns the number of registered channels.
func (r *Registry) ChannelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Sweep drops ephemeral channels that have been empty longer than the
// grace period. Preconfigured (non-ephemeral) channels persist until
// process exit.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for name, e := range r.channels {
		if !e.ephemeral || len(e.load()) > 0 || e.emptyAt.IsZero() {
			continue
		}
		if now.Sub(e.emptyAt) >= r.grace {
			delete(r.channels, name)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(r.channels)).
			Msg("Swept empty ephemeral channels")
	}
	return removed
}

// StartSweeper runs Sweep periodically until ctx is cancelled.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Sweep(time.Now())
			case <-ctx.Done():
				return
			}
		}
	}()
}
