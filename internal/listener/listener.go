package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/net/netutil"

	"github.com/angeloszaimis/reverse-proxy/internal/proxyprotocol"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second

	DefaultProxyHeaderTimeout = 5 * time.Second
)

// ErrServerClosed is returned by Serve after Shutdown was called.
var ErrServerClosed = errors.New("listener: server closed")

// ConnHandler owns one accepted connection until ServeConn returns. The
// context is cancelled when the server starts draining; handlers should finish
// the request in flight and then close.
type ConnHandler interface {
	ServeConn(ctx context.Context, conn net.Conn)
}

// Listen binds a TCP listener on addr. When maxConns is positive at most that
// many accepted connections are open at once.
func Listen(addr string, maxConns int) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	return ln, nil
}

type Options struct {
	// ProxyProtocol enables decoding of a PROXY v1/v2 header on every
	// accepted connection.
	ProxyProtocol      bool
	ProxyHeaderTimeout time.Duration
}

type Server struct {
	handler ConnHandler
	logger  *slog.Logger
	opts    Options

	drain  context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	ln           net.Listener
	conns        map[net.Conn]struct{}
	wg           sync.WaitGroup
	shuttingDown atomic.Bool
}

func New(handler ConnHandler, logger *slog.Logger, opts Options) *Server {
	if opts.ProxyHeaderTimeout <= 0 {
		opts.ProxyHeaderTimeout = DefaultProxyHeaderTimeout
	}
	drain, cancel := context.WithCancel(context.Background())
	return &Server{
		handler: handler,
		logger:  logger.With(slog.String("component", "listener")),
		opts:    opts,
		drain:   drain,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on ln until it is closed. Transient accept errors
// are retried with exponential backoff.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.shuttingDown.Load() {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("Accepting connections",
		slog.String("address", ln.Addr().String()),
		slog.Bool("proxy_protocol", s.opts.ProxyProtocol))

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.shuttingDown.Load() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}

			if backoff == 0 {
				backoff = minAcceptBackoff
			} else {
				backoff = min(backoff*2, maxAcceptBackoff)
			}
			s.logger.Warn("Accept failed, retrying",
				slog.Any("err", err),
				slog.Duration("backoff", backoff))
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if !s.track(conn) {
			conn.Close()
			return ErrServerClosed
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	var c net.Conn = conn
	if s.opts.ProxyProtocol {
		pc, err := proxyprotocol.NewConn(conn, s.opts.ProxyHeaderTimeout)
		if err != nil {
			s.logger.Debug("Dropping connection with invalid PROXY header",
				slog.String("remote", conn.RemoteAddr().String()),
				slog.Any("err", err))
			return
		}
		c = pc
	}

	s.handler.ServeConn(s.drain, c)
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown.Load() {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// ActiveConnections returns the number of client connections being served.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown stops accepting, asks handlers to drain and waits for them. When
// ctx expires first the remaining connections are closed and ctx's error is
// returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shuttingDown.Store(true)
	ln := s.ln
	s.mu.Unlock()

	var err error
	if ln != nil {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, fmt.Errorf("listener: close: %w", cerr))
		}
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("All connections drained")
		return err
	case <-ctx.Done():
	}

	s.mu.Lock()
	remaining := len(s.conns)
	for conn := range s.conns {
		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	s.mu.Unlock()

	s.logger.Warn("Drain deadline exceeded, closed remaining connections",
		slog.Int("connections", remaining))
	<-done
	return multierr.Append(err, ctx.Err())
}
