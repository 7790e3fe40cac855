package forwarder

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// limiterRegistry lazily creates one semaphore per upstream address.
type limiterRegistry struct {
	mutex    sync.RWMutex
	limiters map[string]*semaphore.Weighted
	size     int64
}

func newLimiterRegistry(size int64) *limiterRegistry {
	return &limiterRegistry{
		limiters: make(map[string]*semaphore.Weighted),
		size:     size,
	}
}

func (r *limiterRegistry) get(addr string) *semaphore.Weighted {
	r.mutex.RLock()
	sem, exists := r.limiters[addr]
	r.mutex.RUnlock()

	if exists {
		return sem
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	// Double-check: another goroutine may have created it
	if sem, exists = r.limiters[addr]; exists {
		return sem
	}

	sem = semaphore.NewWeighted(r.size)
	r.limiters[addr] = sem
	return sem
}
