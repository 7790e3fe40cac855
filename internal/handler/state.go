package handler

// State is the position of a client connection in its lifecycle.
type State int

const (
	StateAwaitingRequest State = iota
	StateRequestParsed
	StateUpstreamSelected
	StateForwarding
	StateStreamingResponse
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateAwaitingRequest:
		return "awaiting_request"
	case StateRequestParsed:
		return "request_parsed"
	case StateUpstreamSelected:
		return "upstream_selected"
	case StateForwarding:
		return "forwarding"
	case StateStreamingResponse:
		return "streaming_response"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateErrored
}

// CanTransition reports whether a connection in s may move to next.
func (s State) CanTransition(next State) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case StateErrored, StateClosed:
		return true
	case StateAwaitingRequest:
		return s == StateStreamingResponse || s == StateAwaitingRequest
	case StateRequestParsed:
		return s == StateAwaitingRequest
	case StateUpstreamSelected:
		// Retries select again after a failed attempt.
		return s == StateRequestParsed || s == StateForwarding
	case StateForwarding:
		return s == StateUpstreamSelected
	case StateStreamingResponse:
		return s == StateForwarding
	}
	return false
}
