package strategy

import (
	"fmt"

	"github.com/angeloszaimis/reverse-proxy/internal/upstream"
)

const (
	RoundRobin    = "round-robin"
	Random        = "random"
	LeastConn     = "least-conn"
	LeastResponse = "least-response"
)

type Strategy interface {
	Select(targets []*upstream.Target) *upstream.Target
}

// New returns the strategy registered under name.
func New(name string) (Strategy, error) {
	switch name {
	case RoundRobin, "":
		return NewRoundRobinStrategy(), nil
	case Random:
		return NewRandomStrategy(), nil
	case LeastConn:
		return NewLeastConnStrategy(), nil
	case LeastResponse:
		return NewLeastResponseStrategy(), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
}
