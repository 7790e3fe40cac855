// Package listener accepts client connections and runs each one on its own
// goroutine.
//
// Listen binds the TCP socket and optionally bounds the number of open client
// connections. Once the bound is reached Accept simply blocks, so excess
// clients wait in the kernel backlog instead of being refused. Server drives
// the accept loop and coordinates a graceful drain on Shutdown.
package listener
