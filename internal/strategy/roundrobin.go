package strategy

import (
	"sync/atomic"

	"github.com/angeloszaimis/reverse-proxy/internal/upstream"
)

// roundRobinStrategy shares one cursor between all callers. For a stable
// target list every window of len(targets) consecutive selections hits each
// target exactly once.
type roundRobinStrategy struct {
	current uint64
}

func (rb *roundRobinStrategy) Select(targets []*upstream.Target) *upstream.Target {
	if len(targets) == 0 {
		return nil
	}

	n := atomic.AddUint64(&rb.current, 1)

	index := (n - 1) % uint64(len(targets))

	return targets[index]
}

func NewRoundRobinStrategy() Strategy {
	return &roundRobinStrategy{
		current: 0,
	}
}
