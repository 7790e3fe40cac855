// Package metrics collects proxy metrics off the request path.
//
// Request handling emits events with the non-blocking Collector.Emit; a
// single goroutine started by Collector.Start folds them into:
//   - an in-memory Metrics store (per-upstream counts, response time
//     percentiles, status code distribution, health, byte totals), served
//     as a JSON snapshot
//   - Prometheus collectors on a private registry, served in the exposition
//     format
//
// When the buffer is full events are dropped and counted rather than
// blocking the emitter. On shutdown the collector drains what is buffered.
//
// Example usage:
//
//	collector := metrics.NewCollector(1000, logger)
//	collector.Start(ctx)
//
//	collector.Emit(metrics.MetricEvent{
//		Type:       metrics.EventResponseCompleted,
//		Upstream:   "127.0.0.1:9001",
//		Duration:   150 * time.Millisecond,
//		StatusCode: 200,
//	})
//
//	snapshot := collector.Snapshot("round-robin")
package metrics
