package handler

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/angeloszaimis/reverse-proxy/internal/forwarder"
	"github.com/angeloszaimis/reverse-proxy/internal/metrics"
	"github.com/angeloszaimis/reverse-proxy/internal/timeout"
	"github.com/angeloszaimis/reverse-proxy/internal/upstream"
	"github.com/angeloszaimis/reverse-proxy/internal/wire"
)

// chunkSize bounds the client buffers and every body copy.
const chunkSize = 16 * 1024

const (
	DefaultClientHeaderTimeout = 15 * time.Second
	DefaultKeepAliveTimeout    = 60 * time.Second
	// DefaultMaxRetries is the retry count the proxy is configured with when
	// none is given. Options.MaxRetries is used as is, so zero disables retries.
	DefaultMaxRetries = 2

	// maxDrainBytes is how much unread request body is discarded to keep a
	// connection alive.
	maxDrainBytes = 256 * 1024
)

// aLongTimeAgo is a deadline that has always expired.
var aLongTimeAgo = time.Unix(1, 0)

// Pool hands out upstream targets.
type Pool interface {
	Select(exclude ...*upstream.Target) (*upstream.Target, error)
	Release(t *upstream.Target)
}

// Forwarder sends one request to one upstream target.
type Forwarder interface {
	Forward(ctx context.Context, req *wire.Request, target *upstream.Target) (*forwarder.Response, error)
}

type Options struct {
	// ClientHeaderTimeout bounds reading a request head from the client.
	ClientHeaderTimeout time.Duration
	// KeepAliveTimeout bounds waiting for the next request on a persistent
	// connection.
	KeepAliveTimeout time.Duration
	// MaxRetries is how many other targets are tried after a connect error.
	// Zero disables retries and negative values count as zero.
	MaxRetries int
}

type Handler struct {
	logger    *slog.Logger
	pool      Pool
	forwarder Forwarder
	timeouts  *timeout.Manager
	collector *metrics.Collector
	opts      Options
}

// New returns a Handler. collector may be nil.
func New(logger *slog.Logger, pool Pool, fwd Forwarder, tm *timeout.Manager, collector *metrics.Collector, opts Options) *Handler {
	if opts.ClientHeaderTimeout <= 0 {
		opts.ClientHeaderTimeout = DefaultClientHeaderTimeout
	}
	if opts.KeepAliveTimeout <= 0 {
		opts.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Handler{
		logger:    logger.With(slog.String("component", "handler")),
		pool:      pool,
		forwarder: fwd,
		timeouts:  tm,
		collector: collector,
		opts:      opts,
	}
}

// clientConn is the per-connection state. It is only touched by the
// goroutine serving the connection, except for the read watcher which runs
// while that goroutine is blocked on the upstream.
type clientConn struct {
	h      *Handler
	conn   net.Conn
	br     *bufio.Reader
	bw     *bufio.Writer
	logger *slog.Logger

	state     State
	traceID   string
	wroteHead bool
}

// ServeConn serves requests from conn until the client or the proxy closes
// it. Cancelling ctx drains the connection: the request in flight completes,
// then the connection is closed instead of waiting for another request.
func (h *Handler) ServeConn(ctx context.Context, conn net.Conn) {
	c := &clientConn{
		h:      h,
		conn:   conn,
		br:     bufio.NewReaderSize(conn, chunkSize),
		logger: h.logger.With(slog.String("client", conn.RemoteAddr().String())),
	}
	c.bw = bufio.NewWriterSize(h.timeouts.IdleWriter(conn, conn), chunkSize)

	h.collector.Emit(metrics.MetricEvent{Type: metrics.EventConnectionOpened})
	defer h.collector.Emit(metrics.MetricEvent{Type: metrics.EventConnectionClosed})
	defer conn.Close()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Panic while serving connection",
				slog.String("trace_id", c.traceID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			c.setState(StateErrored)
			if !c.wroteHead {
				c.writeError(http.StatusInternalServerError, false)
			}
		}
	}()

	c.serve(ctx)
}

func (c *clientConn) serve(ctx context.Context) {
	defer func() {
		if !c.state.Terminal() {
			c.setState(StateClosed)
		}
	}()

	first := true
	for {
		if !c.awaitRequest(ctx, first) {
			return
		}
		first = false
		if !c.serveRequest(ctx) {
			return
		}
		c.setState(StateAwaitingRequest)
	}
}

// awaitRequest waits for the first byte of the next request. It returns false
// when the client closed, stayed idle for too long or the server is draining.
func (c *clientConn) awaitRequest(ctx context.Context, first bool) bool {
	if ctx.Err() != nil {
		return false
	}

	wait := c.h.opts.KeepAliveTimeout
	if first {
		wait = c.h.opts.ClientHeaderTimeout
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return false
	}

	expired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(expired)
		_ = c.conn.SetReadDeadline(aLongTimeAgo)
	})
	_, err := c.br.Peek(1)
	if !stop() {
		<-expired
	}
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Debug("Closing idle client connection", slog.Any("err", err))
		}
		return false
	}

	// The request has started, so it is served even when draining began.
	return c.conn.SetReadDeadline(time.Now().Add(c.h.opts.ClientHeaderTimeout)) == nil
}

func (c *clientConn) setState(next State) {
	if c.state == next {
		return
	}
	if !c.state.CanTransition(next) {
		c.logger.Debug("Ignoring invalid state transition",
			slog.String("from", c.state.String()),
			slog.String("to", next.String()))
		return
	}
	c.logger.Debug("Connection state changed",
		slog.String("trace_id", c.traceID),
		slog.String("from", c.state.String()),
		slog.String("to", next.String()))
	c.state = next
}

func newTraceID() string {
	return uuid.NewString()[:8]
}
