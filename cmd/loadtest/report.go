package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
)

type Latency struct {
	Min time.Duration `json:"min_ns"`
	Avg time.Duration `json:"avg_ns"`
	Max time.Duration `json:"max_ns"`
	P50 time.Duration `json:"p50_ns"`
	P90 time.Duration `json:"p90_ns"`
	P95 time.Duration `json:"p95_ns"`
	P99 time.Duration `json:"p99_ns"`
}

type UpstreamSummary struct {
	Total   int     `json:"total"`
	Success int     `json:"success"`
	Failure int     `json:"failure"`
	Latency Latency `json:"latency"`
}

type Summary struct {
	Target      string                    `json:"target"`
	Requests    int                       `json:"requests"`
	Concurrency int                       `json:"concurrency"`
	Success     int                       `json:"success"`
	Failure     int                       `json:"failure"`
	Errors      int                       `json:"transport_errors"`
	Bytes       int64                     `json:"bytes"`
	Duration    time.Duration             `json:"duration_ns"`
	Throughput  float64                   `json:"throughput_rps"`
	StatusCodes map[int]int               `json:"status_codes"`
	Latency     Latency                   `json:"latency"`
	Upstreams   map[string]UpstreamSummary `json:"upstreams"`
}

func (a *aggregator) report(opts Options, elapsed time.Duration) *Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	r := &Summary{
		Target:      opts.URL,
		Requests:    opts.Requests,
		Concurrency: opts.Concurrency,
		Errors:      a.errors,
		Bytes:       a.bytes,
		Duration:    elapsed,
		StatusCodes: maps.Clone(a.statuses),
		Latency:     summarize(a.latencies),
		Upstreams:   make(map[string]UpstreamSummary, len(a.upstreams)),
	}
	if elapsed > 0 {
		r.Throughput = float64(len(a.latencies)+a.errors) / elapsed.Seconds()
	}
	for name, u := range a.upstreams {
		r.Success += u.success
		r.Failure += u.failure
		r.Upstreams[name] = UpstreamSummary{
			Total:   u.success + u.failure,
			Success: u.success,
			Failure: u.failure,
			Latency: summarize(u.latencies),
		}
	}
	r.Failure += a.errors
	return r
}

func summarize(samples []time.Duration) Latency {
	if len(samples) == 0 {
		return Latency{}
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return Latency{
		Min: sorted[0],
		Avg: sum / time.Duration(len(sorted)),
		Max: sorted[len(sorted)-1],
		P50: percentile(sorted, 0.50),
		P90: percentile(sorted, 0.90),
		P95: percentile(sorted, 0.95),
		P99: percentile(sorted, 0.99),
	}
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	return sorted[int(float64(len(sorted)-1)*p)]
}

func (l Latency) String() string {
	return fmt.Sprintf("min=%v avg=%v max=%v p50=%v p90=%v p95=%v p99=%v",
		l.Min, l.Avg, l.Max, l.P50, l.P90, l.P95, l.P99)
}

func (r *Summary) Print(w io.Writer) {
	fmt.Fprintln(w, "--- Load Test Report ---")
	fmt.Fprintf(w, "Target: %s\n", r.Target)
	fmt.Fprintf(w, "Requests: %s  Concurrency: %d\n", humanize.Comma(int64(r.Requests)), r.Concurrency)
	fmt.Fprintf(w, "Success: %s  Failure: %s  Transport errors: %d\n",
		humanize.Comma(int64(r.Success)), humanize.Comma(int64(r.Failure)), r.Errors)
	fmt.Fprintf(w, "Duration: %v  Throughput: %s req/s  Received: %s\n",
		r.Duration.Round(time.Millisecond), humanize.FormatFloat("#,###.##", r.Throughput), humanize.Bytes(uint64(r.Bytes)))

	fmt.Fprintln(w, "\nStatus codes:")
	for _, code := range slices.Sorted(maps.Keys(r.StatusCodes)) {
		fmt.Fprintf(w, "  %d -> %d\n", code, r.StatusCodes[code])
	}

	fmt.Fprintln(w, "\nUpstream distribution:")
	for _, name := range slices.Sorted(maps.Keys(r.Upstreams)) {
		u := r.Upstreams[name]
		share := 0.0
		if total := r.Success + r.Failure - r.Errors; total > 0 {
			share = 100 * float64(u.Total) / float64(total)
		}
		fmt.Fprintf(w, "  %s -> total=%d (%.1f%%) success=%d failure=%d\n", name, u.Total, share, u.Success, u.Failure)
		fmt.Fprintf(w, "    %s\n", u.Latency)
	}

	if r.Latency != (Latency{}) {
		fmt.Fprintln(w, "\nOverall latencies:")
		fmt.Fprintf(w, "  %s\n", r.Latency)
	}
}
