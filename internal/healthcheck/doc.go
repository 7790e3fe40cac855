// Package healthcheck actively probes upstream targets and reports the
// results through the pool, next to the outcomes of proxied requests.
//
// A probe is either a TCP connect or an HTTP GET of a configured path that
// must answer 2xx. All targets are probed concurrently once per interval.
package healthcheck
