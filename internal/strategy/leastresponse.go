package strategy

import (
	"time"

	"github.com/angeloszaimis/reverse-proxy/internal/upstream"
)

type leastResponseStrategy struct{}

func (l *leastResponseStrategy) Select(targets []*upstream.Target) *upstream.Target {
	if len(targets) == 0 {
		return nil
	}

	var chosen *upstream.Target
	var best time.Duration

	for _, t := range targets {
		ewma := t.EWMATime()

		// Unmeasured targets get traffic first so they obtain a sample.
		if ewma == 0 {
			return t
		}

		score := ewma * (time.Duration(t.ActiveConnections()) + 1)

		if chosen == nil || score < best {
			chosen = t
			best = score
		}
	}

	return chosen
}

func NewLeastResponseStrategy() Strategy {
	return &leastResponseStrategy{}
}
