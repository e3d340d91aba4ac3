// ABOUTME: A client connection with a bounded outbound queue
// ABOUTME: Enqueue never blocks; exactly one transport writer drains Outbound

package presence

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrQueueFull is returned when a connection's outbound queue is full
	ErrQueueFull = errors.New("connection send queue full")

	// ErrConnectionClosed is returned when enqueueing to a disconnected connection
	ErrConnectionClosed = errors.New("connection closed")
)

// DefaultQueueSize is the outbound buffer per connection.
const DefaultQueueSize = 64

// State is a connection's position in its lifecycle.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateJoined
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateJoined:
		return "JOINED"
	case StateDisconnected:
		return "DISCONNECTED"
	}
	return "UNKNOWN"
}

// Connection is one client session. The Manager owns its lifecycle fields;
// any goroutine may Enqueue.
type Connection struct {
	id  string
	out chan []byte

	mu     sync.Mutex
	userID string
	state  State
	closed bool
	done   chan struct{}
}

func newConnection(queueSize int) *Connection {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Connection{
		id:    uuid.New().String(),
		out:   make(chan []byte, queueSize),
		state: StateConnecting,
		done:  make(chan struct{}),
	}
}

// ID returns the connection identifier.
func (c *Connection) ID() string { return c.id }

// UserID returns the authenticated user, or "" before authentication.
func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Enqueue hands a payload to the connection's writer without blocking.
func (c *Connection) Enqueue(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.out <- payload:
		return nil
	default:
		return ErrQueueFull
	}
}

// Outbound is drained by the transport's single writer goroutine. It is
// closed when the connection disconnects.
func (c *Connection) Outbound() <-chan []byte { return c.out }

// Done is closed when the connection disconnects.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connection) authenticate(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.state = StateAuthenticated
	c.mu.Unlock()
}

// close is idempotent. Closing under mu keeps Enqueue from sending on a
// closed channel.
func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.state = StateDisconnected
	close(c.out)
	close(c.done)
}
