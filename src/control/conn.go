package control

import (
	"errors"
	"net"
	"sync"
)

// Conn wraps the control socket so that closing it is idempotent.
// The coordinator and the control task may both close it; only the first
// close reaches the socket.
type Conn struct {
	net.Conn

	mu     sync.Mutex
	closed bool
}

// NewConn takes ownership of c.
func NewConn(c net.Conn) *Conn {
	return &Conn{Conn: c}
}

// Close shuts down both directions and closes the socket. Repeat calls
// return nil without touching the socket.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.Conn == nil {
		return nil
	}
	c.closed = true

	if tc, ok := c.Conn.(*net.TCPConn); ok {
		_ = tc.CloseRead()
		_ = tc.CloseWrite()
	}
	err := c.Conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
