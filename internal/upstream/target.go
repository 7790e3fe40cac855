package upstream

import (
	"net"
	"strconv"
	"sync"
	"time"
)

type Health int

const (
	HealthUnknown Health = iota
	HealthHealthy
	HealthUnhealthy
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

func (h Health) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// Target is one upstream host:port with its live bookkeeping.
type Target struct {
	host    string
	port    int
	address string

	mutex               sync.Mutex
	health              Health
	consecutiveFailures int
	lastFailure         time.Time
	activeConnections   int
	ewmaResponseTime    time.Duration
	hasEWMA             bool
}

const ewmaAlpha = 0.2

// New creates a Target. Its health is unknown until the first outcome is
// recorded; unknown targets are selectable.
func New(host string, port int) *Target {
	return &Target{
		host:    host,
		port:    port,
		address: net.JoinHostPort(host, strconv.Itoa(port)),
	}
}

func (t *Target) Host() string { return t.host }

func (t *Target) Port() int { return t.port }

// Address returns host:port, suitable for dialing.
func (t *Target) Address() string { return t.address }

func (t *Target) String() string { return t.address }

func (t *Target) Health() Health {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.health
}

// Selectable reports whether the target may receive new requests.
func (t *Target) Selectable() bool {
	return t.Health() != HealthUnhealthy
}

// RecordFailure counts one failed exchange. Once threshold consecutive
// failures are reached the target becomes unhealthy. It returns the health
// before and after the call.
func (t *Target) RecordFailure(threshold int, at time.Time) (from, to Health) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	from = t.health
	t.consecutiveFailures++
	t.lastFailure = at
	if t.consecutiveFailures >= threshold {
		t.health = HealthUnhealthy
	}
	return from, t.health
}

// RecordSuccess clears the failure count and marks the target healthy.
func (t *Target) RecordSuccess() (from, to Health) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	from = t.health
	t.consecutiveFailures = 0
	t.health = HealthHealthy
	return from, t.health
}

func (t *Target) ConsecutiveFailures() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.consecutiveFailures
}

// IncrementConn increments the in-flight request count.
func (t *Target) IncrementConn() {
	t.mutex.Lock()
	t.activeConnections++
	t.mutex.Unlock()
}

// DecrementConn decrements the in-flight request count.
func (t *Target) DecrementConn() {
	t.mutex.Lock()
	if t.activeConnections > 0 {
		t.activeConnections--
	}
	t.mutex.Unlock()
}

// ActiveConnections returns the current number of in-flight requests.
func (t *Target) ActiveConnections() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.activeConnections
}

// RecordResponse folds a time-to-headers sample into the moving average.
func (t *Target) RecordResponse(duration time.Duration) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if !t.hasEWMA {
		t.ewmaResponseTime = duration
		t.hasEWMA = true
		return
	}
	//ewma = (1 - α) * ewma + α * latest
	t.ewmaResponseTime = time.Duration((1-ewmaAlpha)*float64(t.ewmaResponseTime) + ewmaAlpha*float64(duration))
}

// EWMATime returns the moving average time-to-headers, or 0 before the first
// sample.
func (t *Target) EWMATime() time.Duration {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if !t.hasEWMA {
		return 0
	}
	return t.ewmaResponseTime
}

// Status is a point-in-time view of a Target.
type Status struct {
	Address             string        `json:"address"`
	Health              Health        `json:"health"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastFailure         *time.Time    `json:"last_failure,omitempty"`
	ActiveConnections   int           `json:"active_connections"`
	EWMA                time.Duration `json:"ewma_ns"`
}

func (t *Target) Status() Status {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	s := Status{
		Address:             t.address,
		Health:              t.health,
		ConsecutiveFailures: t.consecutiveFailures,
		ActiveConnections:   t.activeConnections,
		EWMA:                t.ewmaResponseTime,
	}
	if !t.lastFailure.IsZero() {
		last := t.lastFailure
		s.LastFailure = &last
	}
	return s
}
