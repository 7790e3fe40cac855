package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/angeloszaimis/reverse-proxy/internal/forwarder"
	"github.com/angeloszaimis/reverse-proxy/internal/metrics"
	"github.com/angeloszaimis/reverse-proxy/internal/pool"
	"github.com/angeloszaimis/reverse-proxy/internal/timeout"
	"github.com/angeloszaimis/reverse-proxy/internal/upstream"
	"github.com/angeloszaimis/reverse-proxy/internal/wire"
)

var errClientGone = errors.New("client disconnected")

// clientWriteError reports that the response could not be written to the
// client.
type clientWriteError struct {
	err error
}

func (e *clientWriteError) Error() string {
	return fmt.Sprintf("write response to client: %v", e.err)
}

func (e *clientWriteError) Unwrap() error { return e.err }

// serveRequest handles one request/response exchange and reports whether the
// connection can carry another one.
func (c *clientConn) serveRequest(ctx context.Context) bool {
	c.traceID = newTraceID()
	c.wroteHead = false
	log := c.logger.With(slog.String("trace_id", c.traceID))

	req, err := wire.ReadRequest(c.br)
	if err != nil {
		if errors.Is(err, wire.ErrMalformed) {
			c.fail(log, nil, nil, err)
			return false
		}
		log.Debug("Client closed before completing a request", slog.Any("err", err))
		return false
	}
	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		return false
	}
	req.RemoteAddr = c.conn.RemoteAddr().String()
	c.setState(StateRequestParsed)

	start := time.Now()
	log = log.With(slog.String("method", req.Method), slog.String("target", req.Target))
	c.h.collector.Emit(metrics.MetricEvent{Type: metrics.EventRequestReceived})

	body := &clientBody{
		c:              c,
		r:              c.h.timeouts.IdleReader(c.conn, req.Body),
		expectContinue: req.ExpectsContinue(),
		done:           !req.HasBody(),
	}
	req.Body = body

	// Draining the server must not abort a request already in flight.
	reqCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	defer cancel(nil)

	resp, target, err := c.forward(reqCtx, log, req, body)
	if err != nil {
		c.fail(log, req, target, err)
		return false
	}
	defer c.h.pool.Release(target)
	defer resp.Close()

	c.setState(StateStreamingResponse)
	log = log.With(slog.String("upstream", target.Address()))

	if resp.StatusCode == http.StatusSwitchingProtocols {
		if !req.WantsUpgrade() {
			c.fail(log, req, target, &forwarder.ProtocolError{
				Target: target.Address(),
				Err:    errors.New("unsolicited 101 Switching Protocols"),
			})
			return false
		}
		c.tunnel(log, resp)
		return false
	}

	closeAfter := req.Close || ctx.Err() != nil

	stopWatch := func() {}
	if body.done {
		stopWatch = c.watch(cancel)
	}
	written, keepAlive, err := c.writeResponse(req, resp, closeAfter)
	stopWatch()

	duration := time.Since(start)
	if err != nil {
		c.setState(StateErrored)
		reason := metrics.ReasonClient
		var mse *forwarder.MidStreamError
		if errors.As(err, &mse) {
			reason = metrics.ReasonMidStream
			log.Warn("Upstream aborted the response mid-stream",
				slog.Int("status", resp.StatusCode),
				slog.String("bytes_out", humanize.Bytes(uint64(written))),
				slog.Any("err", err))
		} else {
			log.Info("Client went away during the response",
				slog.String("bytes_out", humanize.Bytes(uint64(written))),
				slog.Any("err", err))
		}
		c.h.collector.Emit(metrics.MetricEvent{
			Type:       metrics.EventRequestFailed,
			Upstream:   target.Address(),
			StatusCode: resp.StatusCode,
			Reason:     reason,
		})
		return false
	}

	log.Info("Request completed",
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", duration),
		slog.Duration("time_to_headers", resp.Elapsed),
		slog.String("bytes_in", humanize.Bytes(uint64(body.n))),
		slog.String("bytes_out", humanize.Bytes(uint64(written))))
	c.h.collector.Emit(metrics.MetricEvent{
		Type:       metrics.EventResponseCompleted,
		Upstream:   target.Address(),
		Duration:   duration,
		StatusCode: resp.StatusCode,
		BytesIn:    body.n,
		BytesOut:   written,
	})

	if !keepAlive {
		return false
	}
	if !body.drain() {
		log.Debug("Closing connection with unread request body")
		return false
	}
	return true
}

// forward selects a target and forwards req, moving on to another target
// after a connect error. On failure the last target tried is returned with
// the error, already released.
func (c *clientConn) forward(ctx context.Context, log *slog.Logger, req *wire.Request, body *clientBody) (*forwarder.Response, *upstream.Target, error) {
	var (
		tried []*upstream.Target
		last  *upstream.Target
	)
	for attempt := 0; ; attempt++ {
		target, err := c.h.pool.Select(tried...)
		if err != nil {
			return nil, last, err
		}
		c.setState(StateUpstreamSelected)
		c.h.collector.Emit(metrics.MetricEvent{
			Type:     metrics.EventUpstreamSelected,
			Upstream: target.Address(),
		})

		c.setState(StateForwarding)
		log.Debug("Forwarding to upstream",
			slog.String("upstream", target.Address()),
			slog.Int("attempt", attempt+1))

		resp, err := c.h.forwarder.Forward(ctx, req, target)
		if err == nil {
			return resp, target, nil
		}
		c.h.pool.Release(target)
		last = target

		var ce *forwarder.ConnectError
		if !errors.As(err, &ce) || attempt >= c.h.opts.MaxRetries || body.started {
			return nil, target, err
		}
		log.Warn("Upstream unreachable, trying another",
			slog.String("upstream", target.Address()),
			slog.Any("err", err))
		tried = append(tried, target)
	}
}

// writeResponse writes the response head and streams the body to the client.
// The body keeps its framing when the length is known. Otherwise it is
// chunked for HTTP/1.1 clients and delimited by closing the connection for
// older ones.
func (c *clientConn) writeResponse(req *wire.Request, resp *forwarder.Response, closeAfter bool) (written int64, keepAlive bool, err error) {
	h := wire.StripHopByHop(resp.Header)

	chunked := false
	if resp.HasBody() && resp.ContentLength < 0 {
		if req.ProtoAtLeast(1, 1) {
			chunked = true
			h.Add("Transfer-Encoding", "chunked")
		} else {
			closeAfter = true
		}
	}
	switch {
	case closeAfter:
		h.Add("Connection", "close")
	case !req.ProtoAtLeast(1, 1):
		h.Add("Connection", "keep-alive")
	}

	if err := wire.WriteResponseHead(c.bw, resp.StatusCode, resp.Reason, h); err != nil {
		return 0, false, &clientWriteError{err}
	}
	c.wroteHead = true
	if err := c.bw.Flush(); err != nil {
		return 0, false, &clientWriteError{err}
	}
	if !resp.HasBody() {
		return 0, !closeAfter, nil
	}

	bw := wire.NewBodyWriter(c.bw, chunked)
	buf := make([]byte, chunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			_, werr := bw.Write(buf[:n])
			if werr == nil {
				werr = c.bw.Flush()
			}
			if werr != nil {
				return bw.Written(), false, &clientWriteError{werr}
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return bw.Written(), false, rerr
		}
	}

	if err := bw.Close(resp.Trailer()); err != nil {
		return bw.Written(), false, &clientWriteError{err}
	}
	if err := c.bw.Flush(); err != nil {
		return bw.Written(), false, &clientWriteError{err}
	}
	return bw.Written(), !closeAfter, nil
}

// watch cancels the request when the client connection fails or closes while
// the response is produced. The returned function stops watching.
func (c *clientConn) watch(cancel context.CancelCauseFunc) (stop func()) {
	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		return func() {}
	}

	stopped := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := c.br.Peek(1); err != nil {
			select {
			case <-stopped:
			default:
				c.logger.Debug("Client disconnected mid-stream",
					slog.String("trace_id", c.traceID),
					slog.Any("err", err))
				cancel(errClientGone)
			}
		}
	}()

	return func() {
		close(stopped)
		_ = c.conn.SetReadDeadline(aLongTimeAgo)
		<-done
		_ = c.conn.SetReadDeadline(time.Time{})
	}
}

// tunnel relays bytes in both directions after a 101 response until either
// side closes.
func (c *clientConn) tunnel(log *slog.Logger, resp *forwarder.Response) {
	h := wire.StripHopByHop(resp.Header)
	h.Add("Connection", "Upgrade")
	h.Add("Upgrade", strings.Join(resp.Header.Values("Upgrade"), ", "))

	if err := wire.WriteResponseHead(c.bw, resp.StatusCode, resp.Reason, h); err != nil {
		log.Debug("Client went away before the upgrade", slog.Any("err", err))
		return
	}
	c.wroteHead = true
	if err := c.bw.Flush(); err != nil {
		log.Debug("Client went away before the upgrade", slog.Any("err", err))
		return
	}

	upConn, upBr, err := resp.Hijack()
	if err != nil {
		log.Warn("Could not take over upstream connection", slog.Any("err", err))
		return
	}
	defer upConn.Close()
	if err := c.conn.SetDeadline(time.Time{}); err != nil {
		return
	}

	log.Info("Switching protocols", slog.String("protocol", resp.Header.Get("Upgrade")))
	start := time.Now()

	type result struct {
		n   int64
		err error
	}
	toUpstream := make(chan result, 1)
	toClient := make(chan result, 1)
	go func() {
		n, err := io.Copy(upConn, c.br)
		toUpstream <- result{n, err}
	}()
	go func() {
		n, err := io.Copy(c.conn, upBr)
		toClient <- result{n, err}
	}()

	var in, out result
	select {
	case in = <-toUpstream:
		upConn.Close()
		c.conn.Close()
		out = <-toClient
	case out = <-toClient:
		upConn.Close()
		c.conn.Close()
		in = <-toUpstream
	}

	log.Info("Tunnel closed",
		slog.Duration("duration", time.Since(start)),
		slog.String("bytes_in", humanize.Bytes(uint64(in.n))),
		slog.String("bytes_out", humanize.Bytes(uint64(out.n))))
}

// fail answers a request that could not be forwarded. Errors caused by the
// client close the connection without a response.
func (c *clientConn) fail(log *slog.Logger, req *wire.Request, target *upstream.Target, err error) {
	c.setState(StateErrored)
	status, reason := classify(err)

	event := metrics.MetricEvent{
		Type:       metrics.EventRequestFailed,
		StatusCode: status,
		Reason:     reason,
	}
	if target != nil {
		event.Upstream = target.Address()
	}
	c.h.collector.Emit(event)

	switch {
	case status == 0:
		log.Debug("Client aborted the request", slog.Any("err", err))
		return
	case reason == metrics.ReasonNoUpstream:
		log.Error("No healthy upstream available", slog.Any("err", err))
	case status == http.StatusBadRequest:
		log.Warn("Malformed request", slog.Any("err", err))
	default:
		log.Warn("Request failed",
			slog.Int("status", status),
			slog.String("reason", reason),
			slog.Any("err", err))
	}
	c.writeError(status, req != nil && req.Method == http.MethodHead)
}

// classify maps a forwarding error to the status sent to the client and the
// failure reason recorded in metrics. A zero status means nothing is sent.
func classify(err error) (status int, reason string) {
	var (
		clientErr   *forwarder.ClientError
		connectErr  *forwarder.ConnectError
		protocolErr *forwarder.ProtocolError
	)
	switch {
	case errors.As(err, &clientErr):
		if errors.Is(err, wire.ErrMalformed) {
			return http.StatusBadRequest, metrics.ReasonBadRequest
		}
		return 0, metrics.ReasonClient
	case errors.As(err, &connectErr):
		return http.StatusBadGateway, metrics.ReasonConnect
	case errors.Is(err, pool.ErrNoHealthyUpstream):
		return http.StatusBadGateway, metrics.ReasonNoUpstream
	case errors.As(err, &protocolErr):
		return http.StatusBadGateway, metrics.ReasonProtocol
	case errors.Is(err, timeout.ErrTimeoutExceeded):
		return http.StatusGatewayTimeout, metrics.ReasonTimeout
	case errors.Is(err, wire.ErrMalformed):
		return http.StatusBadRequest, metrics.ReasonBadRequest
	}
	return http.StatusBadGateway, metrics.ReasonProtocol
}
