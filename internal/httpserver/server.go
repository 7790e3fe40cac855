package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-ozzo/ozzo-validation/is"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const shutdownGrace = 5 * time.Second

// Server wraps http.Server for the auxiliary HTTP surfaces: the admin API and
// the bundled echo upstream. Proxied traffic never goes through it.
type Server struct {
	server *http.Server
	logger *slog.Logger
	ln     net.Listener
}

// New creates a new HTTP server with the given address and handler.
// The address is validated before creating the server.
func New(addr string, handler http.Handler, logger *slog.Logger) (*Server, error) {
	if err := validateHost(addr); err != nil {
		return nil, fmt.Errorf("httpserver: address %q: %w", addr, err)
	}

	srv := &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		},
		logger: logger,
	}

	return srv, nil
}

// Start binds the address and serves in the background. Bind errors are
// returned directly; the channel reports a serve failure and is closed once
// the server stops.
func (s *Server) Start() (<-chan error, error) {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", s.server.Addr, err)
	}
	s.ln = ln

	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		s.logger.Info("HTTP server listening", slog.String("addr", ln.Addr().String()))
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", slog.Any("err", err))
			errc <- err
		}
	}()

	return errc, nil
}

// Addr is the bound address, which differs from the configured one when
// port 0 was requested. It is empty before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown gracefully shuts down the server, waiting at most five seconds
// for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

func validateHost(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cant be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}
