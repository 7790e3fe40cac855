// Package forwarder sends one request to one upstream target and hands back
// the live response.
//
// Connections are reused from a small per-target idle pool or dialed fresh.
// A semaphore per target bounds the number of concurrent exchanges; waiting
// for a slot is part of the connect budget. Errors are typed so the caller
// can tell a request that never reached the upstream (ConnectError, safe to
// retry elsewhere) from one that failed afterwards.
package forwarder
