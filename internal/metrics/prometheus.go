package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var durationBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Prometheus holds the exported collectors on a private registry.
type Prometheus struct {
	Registry *prometheus.Registry

	RequestsTotal      *prometheus.CounterVec
	ResponseDuration   *prometheus.HistogramVec
	FailuresTotal      *prometheus.CounterVec
	BytesTotal         *prometheus.CounterVec
	ConnectionsActive  prometheus.Gauge
	UpstreamSelections *prometheus.CounterVec
	UpstreamHealthy    *prometheus.GaugeVec
}

func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	p := &Prometheus{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reverse_proxy_responses_total",
			Help: "Responses sent to clients by upstream and status code.",
		}, []string{"upstream", "status_code"}),

		ResponseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reverse_proxy_response_duration_seconds",
			Help:    "Time from request head to the end of the relayed response.",
			Buckets: durationBuckets,
		}, []string{"upstream"}),

		FailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reverse_proxy_failures_total",
			Help: "Requests that did not complete normally, by reason.",
		}, []string{"reason"}),

		BytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reverse_proxy_body_bytes_total",
			Help: "Body bytes relayed, by direction.",
		}, []string{"direction"}),

		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reverse_proxy_client_connections_active",
			Help: "Client connections currently open.",
		}),

		UpstreamSelections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reverse_proxy_upstream_selections_total",
			Help: "Times each upstream was selected.",
		}, []string{"upstream"}),

		UpstreamHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "reverse_proxy_upstream_healthy",
			Help: "1 when the upstream is healthy, 0 when it is marked unhealthy.",
		}, []string{"upstream"}),
	}

	reg.MustRegister(
		p.RequestsTotal,
		p.ResponseDuration,
		p.FailuresTotal,
		p.BytesTotal,
		p.ConnectionsActive,
		p.UpstreamSelections,
		p.UpstreamHealthy,
	)

	return p
}

// Observe applies one event to the collectors.
func (p *Prometheus) Observe(event MetricEvent) {
	switch event.Type {
	case EventConnectionOpened:
		p.ConnectionsActive.Inc()

	case EventConnectionClosed:
		p.ConnectionsActive.Dec()

	case EventUpstreamSelected:
		p.UpstreamSelections.WithLabelValues(event.Upstream).Inc()

	case EventResponseCompleted:
		p.RequestsTotal.WithLabelValues(event.Upstream, strconv.Itoa(event.StatusCode)).Inc()
		p.ResponseDuration.WithLabelValues(event.Upstream).Observe(event.Duration.Seconds())
		p.BytesTotal.WithLabelValues("in").Add(float64(event.BytesIn))
		p.BytesTotal.WithLabelValues("out").Add(float64(event.BytesOut))

	case EventRequestFailed:
		p.FailuresTotal.WithLabelValues(event.Reason).Inc()

	case EventHealthChanged:
		value := 0.0
		if event.Healthy {
			value = 1
		}
		p.UpstreamHealthy.WithLabelValues(event.Upstream).Set(value)
	}
}
