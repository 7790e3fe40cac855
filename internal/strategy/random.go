package strategy

import (
	"math/rand/v2"

	"github.com/angeloszaimis/reverse-proxy/internal/upstream"
)

type randomStrategy struct{}

func (r *randomStrategy) Select(targets []*upstream.Target) *upstream.Target {
	if len(targets) == 0 {
		return nil
	}

	index := rand.IntN(len(targets))
	return targets[index]
}

func NewRandomStrategy() Strategy {
	return &randomStrategy{}
}
