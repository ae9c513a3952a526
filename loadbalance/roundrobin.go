package loadbalance

import (
	"sync/atomic"

	"nx-bsd/registry"
)

// RoundRobin cycles through the endpoints in order. The atomic counter keeps
// Pick lock-free and goroutine-safe.
type RoundRobin struct {
	counter int64
}

func (b *RoundRobin) Pick(eps []registry.Endpoint) (*registry.Endpoint, error) {
	if len(eps) == 0 {
		return nil, ErrNoEndpoints
	}
	index := atomic.AddInt64(&b.counter, 1) % int64(len(eps))
	return &eps[index], nil
}

func (b *RoundRobin) Name() string {
	return "RoundRobin"
}
