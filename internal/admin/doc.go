// Package admin serves the operator API next to the proxy: liveness,
// upstream health, the JSON statistics snapshot and Prometheus metrics.
// It listens on its own address and never sees proxied traffic.
package admin
