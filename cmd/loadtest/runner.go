package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// headerUpstreamID names the upstream that produced a response.
const headerUpstreamID = "X-Upstream-Id"

const unknownUpstream = "(unknown)"

type Options struct {
	URL         string
	Method      string
	Body        string
	ContentType string
	Concurrency int
	Requests    int
	Timeout     time.Duration
}

type result struct {
	upstream string
	status   int
	bytes    int64
	elapsed  time.Duration
	err      error
}

// Run sends opts.Requests requests with opts.Concurrency workers. Individual
// request failures are counted, not returned; cancelling ctx stops the run.
func Run(ctx context.Context, opts Options, log *slog.Logger) (*Summary, error) {
	if opts.Concurrency <= 0 || opts.Requests <= 0 {
		return nil, errors.New("concurrency and requests must be positive")
	}
	if opts.Method == "" {
		opts.Method = http.MethodGet
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: opts.Concurrency,
		DisableCompression:  true,
	}
	defer transport.CloseIdleConnections()
	client := &http.Client{Transport: transport, Timeout: opts.Timeout}

	agg := newAggregator()
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i := range opts.Requests {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			r := send(gctx, client, opts)
			if r.err != nil {
				log.Debug("Request failed", slog.Int("idx", i), slog.Any("err", r.err))
			} else {
				log.Debug("Request done",
					slog.Int("idx", i),
					slog.String("upstream", r.upstream),
					slog.Int("status", r.status),
					slog.Duration("elapsed", r.elapsed))
			}
			agg.add(r)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return agg.report(opts, time.Since(start)), nil
}

func send(ctx context.Context, client *http.Client, opts Options) result {
	var body io.Reader
	if opts.Body != "" {
		body = strings.NewReader(opts.Body)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, opts.Method, opts.URL, body)
	if err != nil {
		return result{err: err}
	}
	if body != nil && opts.ContentType != "" {
		req.Header.Set("Content-Type", opts.ContentType)
	}

	resp, err := client.Do(req)
	if err != nil {
		return result{err: err, elapsed: time.Since(start)}
	}
	defer resp.Body.Close()

	n, err := io.Copy(io.Discard, resp.Body)
	r := result{
		upstream: resp.Header.Get(headerUpstreamID),
		status:   resp.StatusCode,
		bytes:    n,
		elapsed:  time.Since(start),
	}
	if r.upstream == "" {
		r.upstream = unknownUpstream
	}
	if err != nil {
		r.err = fmt.Errorf("read body: %w", err)
	}
	return r
}

type aggregator struct {
	mu        sync.Mutex
	latencies []time.Duration
	statuses  map[int]int
	upstreams map[string]*upstreamAgg
	errors    int
	bytes     int64
}

type upstreamAgg struct {
	success   int
	failure   int
	latencies []time.Duration
}

func newAggregator() *aggregator {
	return &aggregator{
		statuses:  make(map[int]int),
		upstreams: make(map[string]*upstreamAgg),
	}
}

func (a *aggregator) add(r result) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if r.status == 0 {
		a.errors++
		return
	}

	a.latencies = append(a.latencies, r.elapsed)
	a.statuses[r.status]++
	a.bytes += r.bytes

	u, ok := a.upstreams[r.upstream]
	if !ok {
		u = &upstreamAgg{}
		a.upstreams[r.upstream] = u
	}
	if r.err == nil && r.status >= 200 && r.status <= 299 {
		u.success++
	} else {
		u.failure++
	}
	u.latencies = append(u.latencies, r.elapsed)
}
