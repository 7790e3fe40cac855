package pool

import (
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/angeloszaimis/reverse-proxy/internal/strategy"
	"github.com/angeloszaimis/reverse-proxy/internal/upstream"
)

// ErrNoHealthyUpstream is returned by Select when no target is selectable.
var ErrNoHealthyUpstream = errors.New("no healthy upstream")

const DefaultFailureThreshold = 3

// HealthListener is notified after every health transition.
type HealthListener func(target *upstream.Target, from, to upstream.Health)

type Options struct {
	// FailureThreshold is the number of consecutive failures that mark a
	// target unhealthy.
	FailureThreshold int
	OnHealthChange   HealthListener
}

type Pool struct {
	targets   []*upstream.Target
	strategy  strategy.Strategy
	threshold int
	onChange  HealthListener
	logger    *slog.Logger
	mutex     sync.RWMutex
}

func New(targets []*upstream.Target, strat strategy.Strategy, opts Options, logger *slog.Logger) (*Pool, error) {
	if len(targets) == 0 {
		return nil, errors.New("pool: at least one upstream is required")
	}
	if strat == nil {
		strat = strategy.NewRoundRobinStrategy()
	}
	threshold := opts.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}

	return &Pool{
		targets:   slices.Clone(targets),
		strategy:  strat,
		threshold: threshold,
		onChange:  opts.OnHealthChange,
		logger:    logger.With(slog.String("component", "pool")),
	}, nil
}

// Select reserves a selectable target that is not in exclude. The caller
// must Release it once the exchange is over.
func (p *Pool) Select(exclude ...*upstream.Target) (*upstream.Target, error) {
	p.mutex.RLock()

	candidates := make([]*upstream.Target, 0, len(p.targets))
	for _, t := range p.targets {
		if t.Selectable() && !slices.Contains(exclude, t) {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		p.mutex.RUnlock()
		return nil, ErrNoHealthyUpstream
	}

	chosen := p.strategy.Select(candidates)
	p.mutex.RUnlock()

	if chosen == nil {
		return nil, ErrNoHealthyUpstream
	}

	chosen.IncrementConn()
	return chosen, nil
}

// Release undoes the reservation made by Select.
func (p *Pool) Release(t *upstream.Target) {
	t.DecrementConn()
}

// ReportOutcome records the result of an exchange with t or of a probe.
func (p *Pool) ReportOutcome(t *upstream.Target, success bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	var from, to upstream.Health
	if success {
		from, to = t.RecordSuccess()
	} else {
		from, to = t.RecordFailure(p.threshold, time.Now())
	}
	if from == to {
		return
	}

	switch {
	case to == upstream.HealthUnhealthy:
		p.logger.Warn("Upstream marked unhealthy",
			slog.String("upstream", t.Address()),
			slog.Int("consecutive_failures", t.ConsecutiveFailures()))
	case from == upstream.HealthUnhealthy:
		p.logger.Info("Upstream is back up", slog.String("upstream", t.Address()))
	default:
		p.logger.Debug("Upstream health established",
			slog.String("upstream", t.Address()),
			slog.String("health", to.String()))
	}

	if p.onChange != nil {
		p.onChange(t, from, to)
	}
}

// Targets returns the targets in configuration order.
func (p *Pool) Targets() []*upstream.Target {
	return slices.Clone(p.targets)
}

// Strategy returns the selection strategy in use.
func (p *Pool) Strategy() strategy.Strategy {
	return p.strategy
}

func (p *Pool) Status() []upstream.Status {
	out := make([]upstream.Status, 0, len(p.targets))
	for _, t := range p.targets {
		out = append(out, t.Status())
	}
	return out
}
