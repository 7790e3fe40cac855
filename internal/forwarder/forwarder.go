package forwarder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/angeloszaimis/reverse-proxy/internal/timeout"
	"github.com/angeloszaimis/reverse-proxy/internal/upstream"
	"github.com/angeloszaimis/reverse-proxy/internal/wire"
)

// chunkSize is the buffer size for upstream connections and body copies.
const chunkSize = 16 * 1024

const (
	DefaultMaxConnsPerTarget = 100
	DefaultMaxIdlePerTarget  = 16
)

// Reporter receives the outcome of every exchange attributable to the
// upstream.
type Reporter interface {
	ReportOutcome(target *upstream.Target, success bool)
}

type Options struct {
	MaxConnsPerTarget int64
	MaxIdlePerTarget  int
}

type Forwarder struct {
	timeouts *timeout.Manager
	reporter Reporter
	limiters *limiterRegistry
	idle     *idlePool
	logger   *slog.Logger
}

func New(tm *timeout.Manager, reporter Reporter, opts Options, logger *slog.Logger) *Forwarder {
	if opts.MaxConnsPerTarget <= 0 {
		opts.MaxConnsPerTarget = DefaultMaxConnsPerTarget
	}
	if opts.MaxIdlePerTarget < 0 {
		opts.MaxIdlePerTarget = 0
	}
	return &Forwarder{
		timeouts: tm,
		reporter: reporter,
		limiters: newLimiterRegistry(opts.MaxConnsPerTarget),
		idle:     newIdlePool(opts.MaxIdlePerTarget),
		logger:   logger.With(slog.String("component", "forwarder")),
	}
}

// Forward sends req to target and returns the response once its head has
// been read. The caller must Close the response. Cancelling ctx aborts the
// exchange at any point, including while the response body is streamed.
func (f *Forwarder) Forward(ctx context.Context, req *wire.Request, target *upstream.Target) (*Response, error) {
	start := time.Now()
	addr := target.Address()
	sem := f.limiters.get(addr)

	var (
		c        *conn
		acquired bool
		op       = "acquire"
	)
	err := f.timeouts.Within(ctx, timeout.PhaseConnect, func(ctx context.Context) error {
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		acquired = true
		op = "dial"
		var err error
		c, err = f.connect(ctx, addr, true)
		return err
	})
	if err != nil {
		if acquired {
			sem.Release(1)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("forwarder: %s %s: %w", op, addr, err)
		}
		if op == "dial" {
			f.reporter.ReportOutcome(target, false)
		}
		return nil, &ConnectError{Target: addr, Op: op, Err: err}
	}

	header := req.OutboundHeader(clientIP(req.RemoteAddr))
	for {
		resp, staleRetry, err := f.exchange(ctx, req, header, target, c)
		if err == nil {
			elapsed := time.Since(start)
			target.RecordResponse(elapsed)
			f.reporter.ReportOutcome(target, true)
			resp.Elapsed = elapsed
			resp.release = func() { sem.Release(1) }
			return resp, nil
		}
		if staleRetry {
			f.logger.Debug("Idle connection went stale, redialing",
				slog.String("upstream", addr),
				slog.Any("err", err))
			c, err = f.connect(ctx, addr, false)
			if err == nil {
				continue
			}
			err = f.connectFailed(ctx, target, "dial", err)
		}
		sem.Release(1)
		return nil, err
	}
}

func (f *Forwarder) connect(ctx context.Context, addr string, allowIdle bool) (*conn, error) {
	if allowIdle {
		if c := f.idle.get(addr); c != nil {
			return c, nil
		}
	}
	raw, err := f.timeouts.Dial(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return newConn(raw), nil
}

func (f *Forwarder) connectFailed(ctx context.Context, target *upstream.Target, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("forwarder: %s %s: %w", op, target.Address(), err)
	}
	f.reporter.ReportOutcome(target, false)
	return &ConnectError{Target: target.Address(), Op: op, Err: err}
}

// exchange runs one request/response head exchange on c. On failure c is
// closed and staleRetry tells whether the request may be repeated on a new
// connection.
func (f *Forwarder) exchange(ctx context.Context, req *wire.Request, header wire.Header, target *upstream.Target, c *conn) (resp *Response, staleRetry bool, err error) {
	bound, stop := timeout.Bind(ctx, c.raw)
	defer func() {
		if err != nil {
			stop()
			_ = c.raw.Close()
		}
	}()

	c.bw.Reset(f.timeouts.IdleWriter(bound, bound))
	if err = wire.WriteRequestHead(c.bw, req, header); err == nil {
		err = c.bw.Flush()
	}
	if err != nil {
		if c.reused && ctx.Err() == nil {
			return nil, true, err
		}
		return nil, false, f.connectFailed(ctx, target, "write", err)
	}

	if req.HasBody() {
		if err = f.sendBody(ctx, c, req, target); err != nil {
			return nil, false, err
		}
	}

	var head *wire.Response
	err = f.timeouts.AwaitHeader(bound, func() error {
		for {
			r, err := wire.ReadResponse(c.br, req.Method)
			if err != nil {
				return err
			}
			// Interim responses are consumed here; 101 is final.
			if r.StatusCode < 200 && r.StatusCode != 101 {
				continue
			}
			head = r
			return nil
		}
	})
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, false, fmt.Errorf("forwarder: await response from %s: %w", target.Address(), err)
		case errors.Is(err, timeout.ErrTimeoutExceeded):
			f.reporter.ReportOutcome(target, false)
			return nil, false, err
		case c.reused && !req.HasBody() && (errors.Is(err, io.EOF) || errors.Is(err, syscall.ECONNRESET)):
			return nil, true, err
		}
		f.reporter.ReportOutcome(target, false)
		return nil, false, &ProtocolError{Target: target.Address(), Err: err}
	}

	resp = &Response{
		Response: head,
		Target:   target,
		ctx:      ctx,
		f:        f,
		c:        c,
		bound:    bound,
		stop:     stop,
		reusable: req.ProtoAtLeast(1, 1) && !req.Close && head.StatusCode != 101,
		eof:      !head.HasBody(),
	}
	head.Body = &responseBody{resp: resp, r: f.timeouts.IdleReader(bound, head.Body)}
	return resp, false, nil
}

// sendBody streams the request body upstream with the framing of the
// original request.
func (f *Forwarder) sendBody(ctx context.Context, c *conn, req *wire.Request, target *upstream.Target) error {
	bw := wire.NewBodyWriter(c.bw, req.Chunked)
	buf := make([]byte, chunkSize)
	upstreamErr := func(err error) error {
		if ctx.Err() != nil {
			return fmt.Errorf("forwarder: send body to %s: %w", target.Address(), err)
		}
		f.reporter.ReportOutcome(target, false)
		return &ProtocolError{Target: target.Address(), Err: err}
	}

	for {
		n, rerr := req.Body.Read(buf)
		if n > 0 {
			if _, err := bw.Write(buf[:n]); err != nil {
				return upstreamErr(err)
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return &ClientError{Err: rerr}
		}
	}
	if err := bw.Close(req.Trailer()); err != nil {
		return upstreamErr(err)
	}
	if err := c.bw.Flush(); err != nil {
		return upstreamErr(err)
	}
	return nil
}

// Close closes every idle upstream connection.
func (f *Forwarder) Close() error {
	return f.idle.closeAll()
}

// IdleConns returns the number of pooled connections to target.
func (f *Forwarder) IdleConns(target *upstream.Target) int {
	return f.idle.count(target.Address())
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
