package forwarder

import "fmt"

// ConnectError reports that the request never reached the upstream: no
// concurrency slot became free, the dial failed or the request head could
// not be written.
type ConnectError struct {
	Target string
	Op     string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %s: %v", e.Target, e.Op, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ProtocolError reports an upstream that violated HTTP framing or dropped the
// connection before its response head was complete.
type ProtocolError struct {
	Target string
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("upstream %s: protocol error: %v", e.Target, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// MidStreamError reports a response body that failed after the response had
// started.
type MidStreamError struct {
	Target string
	Err    error
}

func (e *MidStreamError) Error() string {
	return fmt.Sprintf("upstream %s: response body aborted: %v", e.Target, e.Err)
}

func (e *MidStreamError) Unwrap() error { return e.Err }

// ClientError reports a request body that could not be read from the client.
type ClientError struct {
	Err error
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("client request body: %v", e.Err)
}

func (e *ClientError) Unwrap() error { return e.Err }
