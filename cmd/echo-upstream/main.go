// Command echo-upstream is a small HTTP server to put behind the proxy when
// trying it out. Every response names the instance that produced it.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/angeloszaimis/reverse-proxy/internal/httpserver"
	"github.com/angeloszaimis/reverse-proxy/pkg/logger"
)

const (
	headerUpstreamID = "X-Upstream-Id"
	maxDelay         = 30 * time.Second
	maxLarge         = 1 << 30
	largeChunk       = 16 * 1024
)

type CLI struct {
	Host     string `kong:"short='H',default='127.0.0.1',help='Listen host.'"`
	Port     int    `kong:"short='p',default='9001',help='Listen port.'"`
	ID       string `kong:"help='Instance name reported in X-Upstream-Id (random when empty).'"`
	LogLevel string `kong:"name='log-level',default='info',help='Log level: debug|info|warn|error.'"`
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("echo-upstream"),
		kong.Description("Echo server used as a proxy upstream."),
	)

	if cli.ID == "" {
		cli.ID = uuid.NewString()[:8]
	}
	log := logger.New(os.Stderr, cli.LogLevel, false, "dev").With(slog.String("upstream_id", cli.ID))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, net.JoinHostPort(cli.Host, strconv.Itoa(cli.Port)), cli.ID, log); err != nil {
		log.Error("Echo upstream failed", slog.Any("err", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, addr, id string, log *slog.Logger) error {
	srv, err := httpserver.New(addr, newEcho(id, log), log)
	if err != nil {
		return err
	}
	errc, err := srv.Start()
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
		return srv.Shutdown(context.Background())
	case err := <-errc:
		return err
	}
}

type echoReply struct {
	Upstream string              `json:"upstream"`
	Method   string              `json:"method"`
	Path     string              `json:"path"`
	Query    string              `json:"query,omitempty"`
	Headers  map[string][]string `json:"headers"`
}

func newEcho(id string, log *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomw.Recover())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Response().Header().Set(headerUpstreamID, id)
			log.Debug("Request",
				slog.String("method", c.Request().Method),
				slog.String("path", c.Request().URL.Path),
				slog.String("remote", c.Request().RemoteAddr))
			return next(c)
		}
	})

	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	// /echo returns the request body unchanged.
	e.Any("/echo", func(c echo.Context) error {
		ct := c.Request().Header.Get(echo.HeaderContentType)
		if ct == "" {
			ct = echo.MIMEOctetStream
		}
		// The server discards unread body bytes once the header is written.
		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "read body").SetInternal(err)
		}
		return c.Blob(http.StatusOK, ct, body)
	})

	e.GET("/status", func(c echo.Context) error {
		code, err := strconv.Atoi(c.QueryParam("code"))
		if err != nil || code < 200 || code > 599 {
			return echo.NewHTTPError(http.StatusBadRequest, "code must be between 200 and 599")
		}
		return c.String(code, http.StatusText(code))
	})

	e.GET("/slow", func(c echo.Context) error {
		delay, err := time.ParseDuration(c.QueryParam("delay"))
		if err != nil || delay < 0 || delay > maxDelay {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("delay must be a duration up to %s", maxDelay))
		}
		select {
		case <-time.After(delay):
		case <-c.Request().Context().Done():
			return c.Request().Context().Err()
		}
		return c.String(http.StatusOK, "slept "+delay.String())
	})

	// /large streams the requested number of bytes, e.g. ?size=10MB.
	e.GET("/large", func(c echo.Context) error {
		size, err := humanize.ParseBytes(c.QueryParam("size"))
		if err != nil || size > maxLarge {
			return echo.NewHTTPError(http.StatusBadRequest, "size must be a byte count up to "+humanize.IBytes(maxLarge))
		}
		res := c.Response()
		res.Header().Set(echo.HeaderContentType, echo.MIMETextPlain)
		res.Header().Set(echo.HeaderContentLength, strconv.FormatUint(size, 10))
		res.WriteHeader(http.StatusOK)

		chunk := bytes.Repeat([]byte("x"), largeChunk)
		for remaining := size; remaining > 0; {
			n := min(remaining, largeChunk)
			if _, err := res.Write(chunk[:n]); err != nil {
				return err
			}
			res.Flush()
			remaining -= n
		}
		return nil
	})

	e.Any("/*", func(c echo.Context) error {
		req := c.Request()
		return c.JSON(http.StatusOK, echoReply{
			Upstream: id,
			Method:   req.Method,
			Path:     req.URL.Path,
			Query:    req.URL.RawQuery,
			Headers:  req.Header,
		})
	})

	return e
}
