// Package upstream models a single upstream HTTP service the proxy forwards
// to. A Target tracks its health, consecutive failures, in-flight requests
// and a moving average of time-to-headers.
package upstream
