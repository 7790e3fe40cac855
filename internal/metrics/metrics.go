package metrics

import (
	"sort"
	"sync"
	"time"
)

// maxSamples bounds the response time samples kept per upstream.
const maxSamples = 1000

type Metrics struct {
	mutex             sync.RWMutex
	totalRequests     int64
	totalConnections  int64
	activeConnections int64
	bytesIn           int64
	bytesOut          int64
	failures          map[string]int64
	responses         map[string]int64
	selections        map[string]int64
	upstreamFailures  map[string]int64
	responseTimes     map[string][]time.Duration
	statusCodes       map[string]map[int]int64
	healthStatus      map[string]bool
	startTime         time.Time
}

type Snapshot struct {
	TotalRequests     int64                      `json:"total_requests"`
	TotalConnections  int64                      `json:"total_connections"`
	ActiveConnections int64                      `json:"active_connections"`
	BytesIn           int64                      `json:"bytes_in"`
	BytesOut          int64                      `json:"bytes_out"`
	Failures          map[string]int64           `json:"failures"`
	DroppedEvents     int64                      `json:"dropped_events"`
	Uptime            time.Duration              `json:"uptime"`
	Upstreams         map[string]UpstreamMetrics `json:"upstreams"`
	Strategy          string                     `json:"strategy"`
}

type UpstreamMetrics struct {
	Responses   int64         `json:"responses"`
	Selections  int64         `json:"selections"`
	Failures    int64         `json:"failures"`
	Healthy     bool          `json:"healthy"`
	AvgResponse time.Duration `json:"avg_response"`
	P50Response time.Duration `json:"p50_response"`
	P95Response time.Duration `json:"p95_response"`
	P99Response time.Duration `json:"p99_response"`
	StatusCodes map[int]int64 `json:"status_codes"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		failures:         make(map[string]int64),
		responses:        make(map[string]int64),
		selections:       make(map[string]int64),
		upstreamFailures: make(map[string]int64),
		responseTimes:    make(map[string][]time.Duration),
		statusCodes:      make(map[string]map[int]int64),
		healthStatus:     make(map[string]bool),
		startTime:        time.Now(),
	}
}

func (m *Metrics) ConnectionOpened() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.totalConnections++
	m.activeConnections++
}

func (m *Metrics) ConnectionClosed() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.activeConnections > 0 {
		m.activeConnections--
	}
}

func (m *Metrics) IncrementRequests() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.totalRequests++
}

func (m *Metrics) RecordUpstreamSelection(upstream string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.selections[upstream]++
}

// RecordResponse records a response relayed from upstream.
func (m *Metrics) RecordResponse(upstream string, duration time.Duration, statusCode int, bytesIn, bytesOut int64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.bytesIn += bytesIn
	m.bytesOut += bytesOut
	m.responses[upstream]++

	m.responseTimes[upstream] = append(m.responseTimes[upstream], duration)
	if len(m.responseTimes[upstream]) > maxSamples {
		m.responseTimes[upstream] = m.responseTimes[upstream][1:]
	}

	if m.statusCodes[upstream] == nil {
		m.statusCodes[upstream] = make(map[int]int64)
	}
	m.statusCodes[upstream][statusCode]++
}

// RecordFailure records a request that did not complete normally. upstream
// is empty when no upstream was involved.
func (m *Metrics) RecordFailure(upstream, reason string, statusCode int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.failures[reason]++
	if upstream == "" {
		return
	}
	m.upstreamFailures[upstream]++
	if statusCode > 0 {
		if m.statusCodes[upstream] == nil {
			m.statusCodes[upstream] = make(map[int]int64)
		}
		m.statusCodes[upstream][statusCode]++
	}
}

func (m *Metrics) UpdateHealthStatus(upstream string, healthy bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.healthStatus[upstream] = healthy
}

func (m *Metrics) Snapshot(strategy string) Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		TotalRequests:     m.totalRequests,
		TotalConnections:  m.totalConnections,
		ActiveConnections: m.activeConnections,
		BytesIn:           m.bytesIn,
		BytesOut:          m.bytesOut,
		Failures:          make(map[string]int64, len(m.failures)),
		Uptime:            time.Since(m.startTime),
		Upstreams:         make(map[string]UpstreamMetrics),
		Strategy:          strategy,
	}
	for reason, n := range m.failures {
		snap.Failures[reason] = n
	}

	// Collect all known upstream addresses
	all := make(map[string]bool)
	for _, set := range []map[string]int64{m.responses, m.selections, m.upstreamFailures} {
		for upstream := range set {
			all[upstream] = true
		}
	}
	for upstream := range m.healthStatus {
		all[upstream] = true
	}

	for upstream := range all {
		um := UpstreamMetrics{
			Responses:   m.responses[upstream],
			Selections:  m.selections[upstream],
			Failures:    m.upstreamFailures[upstream],
			Healthy:     m.healthStatus[upstream],
			StatusCodes: make(map[int]int64, len(m.statusCodes[upstream])),
		}
		for code, n := range m.statusCodes[upstream] {
			um.StatusCodes[code] = n
		}

		durations := m.responseTimes[upstream]
		if len(durations) > 0 {
			sorted := make([]time.Duration, len(durations))
			copy(sorted, durations)
			sort.Slice(sorted, func(i, j int) bool {
				return sorted[i] < sorted[j]
			})

			um.AvgResponse = average(sorted)
			um.P50Response = percentile(sorted, 0.50)
			um.P95Response = percentile(sorted, 0.95)
			um.P99Response = percentile(sorted, 0.99)
		}

		snap.Upstreams[upstream] = um
	}

	return snap
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
