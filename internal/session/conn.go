package session

import (
	"sync"

	"haven/internal/models"

	"github.com/google/uuid"
)

const DefaultSendBuffer = 256

// Conn is the gateway's view of one authenticated transport connection.
// Events are queued on a bounded outbound channel drained by the transport.
type Conn struct {
	ID   string
	User models.User

	out    chan models.ServerMessage
	mu     sync.RWMutex
	closed bool
}

func NewConn(user models.User, buffer int) *Conn {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Conn{
		ID:   uuid.NewString(),
		User: user,
		out:  make(chan models.ServerMessage, buffer),
	}
}

func (c *Conn) UserID() string {
	return c.User.ID
}

// Send queues msg without blocking. It reports false when the connection
// is closed or its queue is full; the event is dropped in both cases.
func (c *Conn) Send(msg models.ServerMessage) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return false
	}
	select {
	case c.out <- msg:
		return true
	default:
		return false
	}
}

// Outbound is closed once the connection is closed.
func (c *Conn) Outbound() <-chan models.ServerMessage {
	return c.out
}

func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.out)
}

func (c *Conn) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
