package types

import (
	"errors"
	"sync"

	"github.com/coder/websocket"
)

var (
	ErrConnClosed     = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Conn wraps one client's websocket with its outbound queue. The write pump
// in cmd/server is the only reader of Send; everything else goes through
// Enqueue so a closed or backed-up connection surfaces as an error instead
// of a blocked goroutine or a send on a closed channel.
type Conn struct {
	WS *websocket.Conn

	mu     sync.Mutex
	userID string
	send   chan []byte
	closed bool
}

func NewConn(ws *websocket.Conn, userID string, sendBuffer int) *Conn {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Conn{
		WS:     ws,
		userID: userID,
		send:   make(chan []byte, sendBuffer),
	}
}

// UserID returns the identity bound to this connection, or "" before
// registration. The read pump binds it while the write pump and ping loop
// read it for log fields, so access is guarded.
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// SetUserID binds the identity. Called once, at registration.
func (c *Conn) SetUserID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = id
}

// Send returns the outbound queue for the write pump.
func (c *Conn) Send() <-chan []byte {
	return c.send
}

// Enqueue queues a marshaled event for delivery. Critical events fail loudly
// when the buffer is full; non-critical ones (presence refreshes) are
// dropped, the next broadcast supersedes them anyway.
func (c *Conn) Enqueue(msg []byte, critical bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		if critical {
			return ErrSendBufferFull
		}
		return nil
	}
}

// CloseSend marks the connection dead and closes the outbound queue so the
// write pump drains and exits. Safe to call more than once.
func (c *Conn) CloseSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Closed reports whether CloseSend has run.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
