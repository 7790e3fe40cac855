package forwarder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/angeloszaimis/reverse-proxy/internal/upstream"
	"github.com/angeloszaimis/reverse-proxy/internal/wire"
)

// Response is an upstream response whose body is still on the wire. Body
// errors are reported as *MidStreamError.
type Response struct {
	*wire.Response
	Target *upstream.Target

	// Elapsed is the time from Forward until the response head was read.
	Elapsed time.Duration

	ctx      context.Context
	f        *Forwarder
	c        *conn
	bound    net.Conn
	stop     func() bool
	release  func()
	reusable bool

	eof      bool
	failed   bool
	closed   bool
	hijacked bool
}

type responseBody struct {
	resp *Response
	r    io.Reader
}

func (b *responseBody) Read(p []byte) (int, error) {
	resp := b.resp
	if resp.closed {
		return 0, errors.New("forwarder: read on closed response")
	}
	n, err := b.r.Read(p)
	if err == nil {
		return n, nil
	}
	if errors.Is(err, io.EOF) {
		resp.eof = true
		return n, io.EOF
	}

	addr := resp.Target.Address()
	if resp.ctx.Err() != nil {
		return n, fmt.Errorf("forwarder: read body from %s: %w", addr, err)
	}
	if !resp.failed {
		resp.failed = true
		resp.f.reporter.ReportOutcome(resp.Target, false)
	}
	return n, &MidStreamError{Target: addr, Err: err}
}

// Close releases the upstream connection. It goes back to the idle pool only
// when the body was read to its end and neither side asked to close.
func (r *Response) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	defer r.release()

	if r.hijacked {
		return nil
	}

	detached := r.stop()
	if detached && r.eof && r.reusable && !r.Response.Close && !r.failed {
		if r.c.raw.SetDeadline(time.Time{}) == nil {
			r.c.reused = false
			if r.f.idle.put(r.Target.Address(), r.c) {
				return nil
			}
		}
	}
	return r.c.raw.Close()
}

// Hijack takes over the upstream connection after a 101 response. The
// returned reader holds any bytes the upstream sent after the response head.
// The caller owns the connection but must still Close the response.
func (r *Response) Hijack() (net.Conn, *bufio.Reader, error) {
	if r.closed || r.hijacked {
		return nil, nil, errors.New("forwarder: response already closed")
	}
	if !r.stop() {
		return nil, nil, fmt.Errorf("forwarder: hijack %s: %w", r.Target.Address(), context.Cause(r.ctx))
	}
	if err := r.c.raw.SetDeadline(time.Time{}); err != nil {
		return nil, nil, err
	}
	r.hijacked = true
	return r.c.raw, r.c.br, nil
}
