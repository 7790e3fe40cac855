// Package handler owns client connections end to end.
//
// A connection is served by a small state machine: wait for a request, parse
// it, pick an upstream through the pool, forward it and stream the response
// back in fixed-size chunks. Persistent connections loop back to waiting;
// anything the proxy cannot forward is answered with a small HTML error page
// and the connection is closed.
package handler
