package metrics

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

type EventType string

const (
	EventConnectionOpened  EventType = "connection_opened"
	EventConnectionClosed  EventType = "connection_closed"
	EventRequestReceived   EventType = "request_received"
	EventUpstreamSelected  EventType = "upstream_selected"
	EventResponseCompleted EventType = "response_completed"
	EventRequestFailed     EventType = "request_failed"
	EventHealthChanged     EventType = "health_changed"
)

// Failure reasons carried by EventRequestFailed.
const (
	ReasonBadRequest = "bad_request"
	ReasonNoUpstream = "no_upstream"
	ReasonConnect    = "connect"
	ReasonTimeout    = "timeout"
	ReasonProtocol   = "protocol"
	ReasonMidStream  = "mid_stream"
	ReasonClient     = "client"
)

type MetricEvent struct {
	Type       EventType
	Timestamp  time.Time
	Upstream   string
	Duration   time.Duration
	StatusCode int
	Healthy    bool
	BytesIn    int64
	BytesOut   int64
	Reason     string
}

type Collector struct {
	eventCh    chan MetricEvent
	metrics    *Metrics
	prometheus *Prometheus
	dropped    atomic.Int64
	logger     *slog.Logger
}

func NewCollector(bufferSize int, logger *slog.Logger) *Collector {
	return &Collector{
		eventCh:    make(chan MetricEvent, bufferSize),
		metrics:    NewMetrics(),
		prometheus: NewPrometheus(),
		logger:     logger,
	}
}

// Emit queues event without blocking. A nil collector discards events.
func (c *Collector) Emit(event MetricEvent) {
	if c == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case c.eventCh <- event:
	default:
		c.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded because the buffer was full.
func (c *Collector) Dropped() int64 {
	return c.dropped.Load()
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			// Drain remaining events before shutdown
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	c.prometheus.Observe(event)

	switch event.Type {
	case EventConnectionOpened:
		c.metrics.ConnectionOpened()

	case EventConnectionClosed:
		c.metrics.ConnectionClosed()

	case EventRequestReceived:
		c.metrics.IncrementRequests()

	case EventUpstreamSelected:
		c.metrics.RecordUpstreamSelection(event.Upstream)

	case EventResponseCompleted:
		c.metrics.RecordResponse(event.Upstream, event.Duration, event.StatusCode, event.BytesIn, event.BytesOut)

	case EventRequestFailed:
		c.metrics.RecordFailure(event.Upstream, event.Reason, event.StatusCode)

	case EventHealthChanged:
		c.metrics.UpdateHealthStatus(event.Upstream, event.Healthy)
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

func (c *Collector) Snapshot(strategy string) Snapshot {
	snap := c.metrics.Snapshot(strategy)
	snap.DroppedEvents = c.Dropped()
	return snap
}

// Prometheus returns the Prometheus collectors fed by this collector.
func (c *Collector) Prometheus() *Prometheus {
	return c.prometheus
}
