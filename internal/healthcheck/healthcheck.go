package healthcheck

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/angeloszaimis/reverse-proxy/internal/upstream"
)

// Pool is the part of the upstream pool the checker needs.
type Pool interface {
	Targets() []*upstream.Target
	ReportOutcome(target *upstream.Target, success bool)
}

type Prober interface {
	Probe(ctx context.Context, target *upstream.Target) error
}

// TCPProber considers a target healthy when it accepts a TCP connection.
type TCPProber struct {
	Timeout time.Duration
}

func (p TCPProber) Probe(ctx context.Context, target *upstream.Target) error {
	dialer := net.Dialer{Timeout: p.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", target.Address())
	if err != nil {
		return err
	}
	return conn.Close()
}

// HTTPProber considers a target healthy when GET Path answers 2xx.
type HTTPProber struct {
	Path   string
	Client *http.Client
}

func NewHTTPProber(path string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		Path: path,
		Client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (p *HTTPProber) Probe(ctx context.Context, target *upstream.Target) error {
	probeURL := url.URL{Scheme: "http", Host: target.Address(), Path: p.Path}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL.String(), nil)
	if err != nil {
		return err
	}

	res, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("health probe %s: status %d", probeURL.String(), res.StatusCode)
	}
	return nil
}

// HealthCheck probes every target of pool immediately and then once per
// interval until ctx is cancelled.
func HealthCheck(
	ctx context.Context,
	pool Pool,
	prober Prober,
	interval time.Duration,
	logger *slog.Logger,
) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("Health check started", slog.Duration("interval", interval))

	for {
		probeAll(ctx, pool, prober, logger)

		select {
		case <-ctx.Done():
			logger.Info("Health check stopped")
			return
		case <-ticker.C:
		}
	}
}

func probeAll(ctx context.Context, pool Pool, prober Prober, logger *slog.Logger) {
	g, ctx := errgroup.WithContext(ctx)
	for _, target := range pool.Targets() {
		g.Go(func() error {
			err := prober.Probe(ctx, target)
			// A round interrupted by shutdown says nothing about the target.
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				logger.Debug("Health probe failed",
					slog.String("upstream", target.Address()),
					slog.Any("err", err))
			}
			pool.ReportOutcome(target, err == nil)
			return nil
		})
	}
	_ = g.Wait()
}
