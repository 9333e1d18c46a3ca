package broker

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/courier/internal/channel"
)

// Connection states. Transitions only move forward:
// Handshaking -> Subscribed -> Closing -> Closed.
const (
	stateHandshaking int32 = iota
	stateSubscribed
	stateClosing
	stateClosed
)

// Client is one live subscriber connection. It belongs to exactly one
// channel, fixed at subscribe time for the life of the connection.
//
// Two goroutines own it: the read pump (inbound frames, liveness) and the
// write pump (outbound queue, pings). Everyone else talks to it through
// Enqueue, which never blocks.
type Client struct {
	id      int64
	conn    net.Conn
	server  *Server
	channel channel.Name
	userID  string // empty in anonymous mode

	// Bounded outbound queue. The broadcast engine enqueues, the write
	// pump drains in FIFO order. Queue-full means the consumer is too
	// slow and the connection is evicted rather than blocking publishers.
	send chan []byte

	// pongs carries keepalive replies from the read pump to the write
	// pump, so replies never race the pump's own writes.
	pongs chan []byte

	// done unblocks the write pump when teardown starts elsewhere.
	done chan struct{}

	// writeMu serializes raw writes to conn: the pump's frames and the
	// close frame written during teardown.
	writeMu sync.Mutex

	state        int32 // atomic; one of the state* constants
	closeOnce    sync.Once
	connectedAt  time.Time
	lastActivity int64 // atomic; unix nanos of last inbound frame or successful send
}

func newClient(id int64, conn net.Conn, server *Server, name channel.Name, userID string, queueCap int) *Client {
	c := &Client{
		id:          id,
		conn:        conn,
		server:      server,
		channel:     name,
		userID:      userID,
		send:        make(chan []byte, queueCap),
		pongs:       make(chan []byte, 2),
		done:        make(chan struct{}),
		state:       stateHandshaking,
		connectedAt: time.Now(),
	}
	c.touch()
	return c
}

// ID implements channel.Subscriber.
func (c *Client) ID() int64 { return c.id }

// Enqueue implements channel.Subscriber. Non-blocking: true means the
// frame is queued for delivery; false means it was not, either because
// the queue hit its high-water mark or because the connection is no
// longer subscribed. The caller distinguishes the two via isSubscribed.
func (c *Client) Enqueue(frame []byte) bool {
	if !c.isSubscribed() {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// enqueuePong offers a keepalive reply to the write pump, best effort.
func (c *Client) enqueuePong(payload []byte) {
	select {
	case c.pongs <- payload:
	default:
	}
}

// touch records activity for the heartbeat deadline.
func (c *Client) touch() {
	atomic.StoreInt64(&c.lastActivity, time.Now().UnixNano())
}

// idleFor returns how long the connection has been without activity.
func (c *Client) idleFor() time.Duration {
	return time.Since(time.Unix(0, atomic.LoadInt64(&c.lastActivity)))
}

// markSubscribed transitions Handshaking -> Subscribed.
func (c *Client) markSubscribed() {
	atomic.StoreInt32(&c.state, stateSubscribed)
}

// isSubscribed reports whether the connection is live for delivery.
func (c *Client) isSubscribed() bool {
	return atomic.LoadInt32(&c.state) == stateSubscribed
}

// markClosing transitions to Closing, returning false if the connection
// was already past Subscribed (so teardown runs once).
func (c *Client) markClosing() bool {
	return atomic.CompareAndSwapInt32(&c.state, stateSubscribed, stateClosing) ||
		atomic.CompareAndSwapInt32(&c.state, stateHandshaking, stateClosing)
}

// queueLen returns the current outbound backlog (shutdown drain check).
func (c *Client) queueLen() int { return len(c.send) }
