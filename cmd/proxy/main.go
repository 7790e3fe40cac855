package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"golang.org/x/time/rate"

	"github.com/angeloszaimis/reverse-proxy/config"
	"github.com/angeloszaimis/reverse-proxy/internal/admin"
	"github.com/angeloszaimis/reverse-proxy/internal/forwarder"
	"github.com/angeloszaimis/reverse-proxy/internal/handler"
	"github.com/angeloszaimis/reverse-proxy/internal/healthcheck"
	"github.com/angeloszaimis/reverse-proxy/internal/httpserver"
	"github.com/angeloszaimis/reverse-proxy/internal/listener"
	"github.com/angeloszaimis/reverse-proxy/internal/metrics"
	"github.com/angeloszaimis/reverse-proxy/internal/pool"
	"github.com/angeloszaimis/reverse-proxy/internal/strategy"
	"github.com/angeloszaimis/reverse-proxy/internal/timeout"
	"github.com/angeloszaimis/reverse-proxy/internal/upstream"
	"github.com/angeloszaimis/reverse-proxy/pkg/logger"
)

// Set by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const metricsBufferSize = 4096

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("reverse-proxy"),
		kong.Description("HTTP/1.1 reverse proxy with health-aware load balancing."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	if cli.Check {
		os.Exit(check(&cli))
	}

	fx.New(options(&cli)).Run()
}

// check validates the configuration and prints the resolved result.
func check(cli *config.CLI) int {
	cfg, err := config.Load(cli)
	if err != nil {
		slog.Error("Invalid configuration", slog.Any("err", err))
		return 1
	}
	out, err := cfg.YAML()
	if err != nil {
		slog.Error("Failed to render configuration", slog.Any("err", err))
		return 1
	}
	os.Stdout.Write(out)
	return 0
}

func options(cli *config.CLI) fx.Option {
	return fx.Options(
		fx.WithLogger(func(l *slog.Logger) fxevent.Logger {
			fl := &fxevent.SlogLogger{Logger: l.With(slog.String("component", "fx"))}
			fl.UseLogLevel(slog.LevelDebug)
			return fl
		}),
		fx.Provide(
			func() *config.CLI { return cli },
			config.Load,
			newLogger,
			newCollector,
			newPool,
			newTimeouts,
			newForwarder,
			newHandler,
			newListener,
			newEcho,
			newAdminHandler,
		),
		fx.Invoke(admin.RegisterRoutes, startCollector, startHealthCheck, startProxy, startAdmin),
	)
}

func newLogger(cfg *config.Config) *slog.Logger {
	log := logger.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Level == config.LogLevelDebug, cfg.Server.Environment)
	slog.SetDefault(log)
	return log
}

func newCollector(log *slog.Logger) *metrics.Collector {
	return metrics.NewCollector(metricsBufferSize, log.With(slog.String("component", "metrics")))
}

func newPool(cfg *config.Config, collector *metrics.Collector, log *slog.Logger) (*pool.Pool, error) {
	strat, err := strategy.New(cfg.Strategy.Type)
	if err != nil {
		return nil, err
	}

	targets := make([]*upstream.Target, 0, len(cfg.Upstreams))
	for _, u := range cfg.Upstreams {
		targets = append(targets, upstream.New(u.Host, u.Port))
	}

	return pool.New(targets, strat, pool.Options{
		FailureThreshold: cfg.Health.FailureThreshold,
		OnHealthChange: func(t *upstream.Target, _, to upstream.Health) {
			collector.Emit(metrics.MetricEvent{
				Type:     metrics.EventHealthChanged,
				Upstream: t.Address(),
				Healthy:  to != upstream.HealthUnhealthy,
			})
		},
	}, log)
}

func newTimeouts(cfg *config.Config) (*timeout.Manager, error) {
	d := cfg.Deadlines()
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return timeout.NewManager(d), nil
}

func newForwarder(lc fx.Lifecycle, cfg *config.Config, tm *timeout.Manager, p *pool.Pool, log *slog.Logger) *forwarder.Forwarder {
	fwd := forwarder.New(tm, p, forwarder.Options{
		MaxConnsPerTarget: int64(cfg.Limits.MaxConnsPerUpstream),
		MaxIdlePerTarget:  cfg.Limits.MaxIdlePerUpstream,
	}, log)
	lc.Append(fx.StopHook(fwd.Close))
	return fwd
}

func newHandler(cfg *config.Config, p *pool.Pool, fwd *forwarder.Forwarder, tm *timeout.Manager, collector *metrics.Collector, log *slog.Logger) *handler.Handler {
	return handler.New(log, p, fwd, tm, collector, handler.Options{
		ClientHeaderTimeout: cfg.Timeouts.ClientHeaderTimeout(),
		KeepAliveTimeout:    cfg.Timeouts.KeepaliveTimeout(),
		MaxRetries:          cfg.Retry.MaxRetries,
	})
}

func newListener(cfg *config.Config, h *handler.Handler, log *slog.Logger) *listener.Server {
	return listener.New(h, log, listener.Options{
		ProxyProtocol: cfg.Server.ProxyProtocol,
	})
}

func newEcho(cfg *config.Config, log *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomw.Recover())
	e.Use(admin.RequestLogger(log))

	if cfg.Admin.RateLimit > 0 {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Admin.RateLimit))
		e.Use(echomw.RateLimiter(store))
	}

	return e
}

func newAdminHandler(cfg *config.Config, p *pool.Pool, collector *metrics.Collector) *admin.Handler {
	return admin.NewHandler(p, collector, cfg.Strategy.Type, admin.Version(version))
}

func startCollector(lc fx.Lifecycle, collector *metrics.Collector) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			collector.Start(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func startHealthCheck(lc fx.Lifecycle, cfg *config.Config, p *pool.Pool, log *slog.Logger) {
	var prober healthcheck.Prober = healthcheck.TCPProber{Timeout: cfg.Health.TimeoutDuration()}
	if cfg.Health.Path != "" {
		prober = healthcheck.NewHTTPProber(cfg.Health.Path, cfg.Health.TimeoutDuration())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				healthcheck.HealthCheck(ctx, p, prober, cfg.Health.IntervalDuration(),
					log.With(slog.String("component", "healthcheck")))
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

func startProxy(lc fx.Lifecycle, sd fx.Shutdowner, cfg *config.Config, srv *listener.Server, log *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := listener.Listen(cfg.Server.Address, cfg.Limits.MaxClientConns)
			if err != nil {
				return err
			}
			log.Info("Starting reverse proxy",
				slog.String("addr", ln.Addr().String()),
				slog.String("strategy", cfg.Strategy.Type),
				slog.Int("upstreams", len(cfg.Upstreams)),
				slog.String("version", version))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, listener.ErrServerClosed) {
					log.Error("Proxy listener failed", slog.Any("err", err))
					_ = sd.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("Draining client connections",
				slog.Int("active", srv.ActiveConnections()))
			start := time.Now()
			err := srv.Shutdown(ctx)
			log.Info("Proxy stopped", slog.Duration("drain", time.Since(start)))
			return err
		},
	})
}

func startAdmin(lc fx.Lifecycle, cfg *config.Config, e *echo.Echo, log *slog.Logger) error {
	if cfg.Admin.Address == "" {
		return nil
	}

	srv, err := httpserver.New(cfg.Admin.Address, e, log.With(slog.String("component", "admin")))
	if err != nil {
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			_, err := srv.Start()
			return err
		},
		OnStop: srv.Shutdown,
	})
	return nil
}
