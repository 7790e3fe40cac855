package forwarder

import (
	"bufio"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// livenessProbe is how long a pooled connection is polled for a pending
// close before reuse.
const livenessProbe = 200 * time.Microsecond

type conn struct {
	raw    net.Conn
	br     *bufio.Reader
	bw     *bufio.Writer
	reused bool
}

func newConn(raw net.Conn) *conn {
	return &conn{
		raw: raw,
		br:  bufio.NewReaderSize(raw, chunkSize),
		bw:  bufio.NewWriterSize(raw, chunkSize),
	}
}

// alive reports whether the peer has neither closed the connection nor sent
// unsolicited bytes while it sat idle.
func (c *conn) alive() bool {
	if c.br.Buffered() > 0 {
		return false
	}
	if err := c.raw.SetReadDeadline(time.Now().Add(livenessProbe)); err != nil {
		return false
	}
	_, err := c.br.Peek(1)
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		return false
	}
	return c.raw.SetReadDeadline(time.Time{}) == nil
}

// idlePool keeps at most max idle connections per upstream address and hands
// them out most recently used first.
type idlePool struct {
	mutex  sync.Mutex
	conns  map[string][]*conn
	max    int
	closed bool
}

func newIdlePool(max int) *idlePool {
	return &idlePool{
		conns: make(map[string][]*conn),
		max:   max,
	}
}

// get checks out a live idle connection to addr, or returns nil.
func (p *idlePool) get(addr string) *conn {
	for {
		p.mutex.Lock()
		stack := p.conns[addr]
		if len(stack) == 0 {
			p.mutex.Unlock()
			return nil
		}
		c := stack[len(stack)-1]
		p.conns[addr] = stack[:len(stack)-1]
		p.mutex.Unlock()

		if c.alive() {
			c.reused = true
			return c
		}
		_ = c.raw.Close()
	}
}

// put returns c to the pool. It reports false when the pool is full or
// closed, in which case the caller keeps ownership.
func (p *idlePool) put(addr string, c *conn) bool {
	if p.max <= 0 {
		return false
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.closed || len(p.conns[addr]) >= p.max {
		return false
	}
	p.conns[addr] = append(p.conns[addr], c)
	return true
}

func (p *idlePool) count(addr string) int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.conns[addr])
}

func (p *idlePool) closeAll() error {
	p.mutex.Lock()
	conns := p.conns
	p.conns = make(map[string][]*conn)
	p.closed = true
	p.mutex.Unlock()

	var err error
	for _, stack := range conns {
		for _, c := range stack {
			err = multierr.Append(err, c.raw.Close())
		}
	}
	return err
}
