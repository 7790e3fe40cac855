package admin

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/angeloszaimis/reverse-proxy/internal/metrics"
	"github.com/angeloszaimis/reverse-proxy/internal/upstream"
)

// Version is the build version reported by /healthz.
type Version string

// StatusSource reports the health of every upstream target.
type StatusSource interface {
	Status() []upstream.Status
}

type Handler struct {
	pool      StatusSource
	collector *metrics.Collector
	strategy  string
	version   Version
}

func NewHandler(pool StatusSource, collector *metrics.Collector, strategy string, v Version) *Handler {
	return &Handler{
		pool:      pool,
		collector: collector,
		strategy:  strategy,
		version:   v,
	}
}

// Healthz returns a simple OK response for liveness probes.
func (h *Handler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": string(h.version),
	})
}

type upstreamsResponse struct {
	Strategy  string            `json:"strategy"`
	Healthy   int               `json:"healthy"`
	Upstreams []upstream.Status `json:"upstreams"`
}

// Upstreams lists every target with its health state. It answers 503 when
// none of them can take traffic.
func (h *Handler) Upstreams(c echo.Context) error {
	resp := upstreamsResponse{
		Strategy:  h.strategy,
		Upstreams: h.pool.Status(),
	}
	for _, s := range resp.Upstreams {
		if s.Health != upstream.HealthUnhealthy {
			resp.Healthy++
		}
	}

	code := http.StatusOK
	if resp.Healthy == 0 {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

// RegisterRoutes wires all admin endpoints onto the Echo instance.
func RegisterRoutes(e *echo.Echo, h *Handler) {
	e.GET("/healthz", h.Healthz)
	e.GET("/upstreams", h.Upstreams)
	e.GET("/stats", echo.WrapHandler(h.collector.Handler(h.strategy)))
	e.GET("/metrics", echo.WrapHandler(h.collector.PrometheusHandler()))
}
