// Package timeout holds the proxy's per-phase deadlines and the helpers that
// apply them to contexts and sockets.
//
// Three phases are distinguished: connect (acquiring an upstream slot and
// dialing), header (waiting for the upstream status line and headers) and
// idle-body (the largest gap allowed between two body reads or writes).
// Expiry of any phase is reported as *Error, which matches ErrTimeoutExceeded.
//
// Cancellation is cooperative: Bind ties a connection to a context so that
// cancelling the context expires the connection's deadlines and unblocks any
// pending read or write.
package timeout
