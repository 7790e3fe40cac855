package timeout

import (
	"context"
	"net"
	"sync"
	"time"
)

// pastDeadline is a deadline that has always expired.
var pastDeadline = time.Unix(1, 0)

type boundConn struct {
	net.Conn
	ctx context.Context

	mutex   sync.Mutex
	expired bool
}

// Bind returns conn wrapped so that cancelling ctx expires every deadline of
// the connection, unblocking pending reads and writes. Deadlines set through
// the wrapper after that stay expired. stop detaches the binding; it returns
// false when cancellation already happened, in which case the connection
// must not be reused.
func Bind(ctx context.Context, conn net.Conn) (bound net.Conn, stop func() bool) {
	bc := &boundConn{Conn: conn, ctx: ctx}
	return bc, context.AfterFunc(ctx, bc.expire)
}

func (c *boundConn) expire() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.expired = true
	_ = c.Conn.SetDeadline(pastDeadline)
}

// Expired reports whether the bound context was cancelled.
func (c *boundConn) Expired() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.expired
}

func (c *boundConn) SetDeadline(t time.Time) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.expired {
		t = pastDeadline
	}
	return c.Conn.SetDeadline(t)
}

func (c *boundConn) SetReadDeadline(t time.Time) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.expired {
		t = pastDeadline
	}
	return c.Conn.SetReadDeadline(t)
}

func (c *boundConn) SetWriteDeadline(t time.Time) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.expired {
		t = pastDeadline
	}
	return c.Conn.SetWriteDeadline(t)
}
