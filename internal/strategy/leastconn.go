package strategy

import (
	"math"

	"github.com/angeloszaimis/reverse-proxy/internal/upstream"
)

type leastConnStrategy struct {
}

func (l *leastConnStrategy) Select(targets []*upstream.Target) *upstream.Target {
	if len(targets) == 0 {
		return nil
	}

	var best *upstream.Target
	bestConns := math.MaxInt32

	for _, t := range targets {
		activeConns := t.ActiveConnections()
		if activeConns < bestConns {
			bestConns = activeConns
			best = t
		}
	}

	return best
}

func NewLeastConnStrategy() Strategy {
	return &leastConnStrategy{}
}
