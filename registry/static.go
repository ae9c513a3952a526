package registry

import (
	"context"
	"sync"
)

// StaticRegistry is an in-memory Registry for fixed deployments and tests.
// TTLs are ignored; entries stay until deregistered.
type StaticRegistry struct {
	mu  sync.RWMutex
	eps map[string][]Endpoint
}

// NewStatic returns an empty in-memory registry.
func NewStatic() *StaticRegistry {
	return &StaticRegistry{eps: make(map[string][]Endpoint)}
}

func (r *StaticRegistry) Register(_ context.Context, service string, ep Endpoint, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eps[service] = append(r.eps[service], ep)
	return nil
}

func (r *StaticRegistry) Deregister(_ context.Context, service string, ep Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.eps[service][:0]
	for _, e := range r.eps[service] {
		if e != ep {
			kept = append(kept, e)
		}
	}
	r.eps[service] = kept
	return nil
}

func (r *StaticRegistry) Discover(_ context.Context, service string) ([]Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	eps := make([]Endpoint, len(r.eps[service]))
	copy(eps, r.eps[service])
	return eps, nil
}

// Watch on a static registry never fires; the channel closes with the
// context.
func (r *StaticRegistry) Watch(ctx context.Context, _ string) <-chan []Endpoint {
	ch := make(chan []Endpoint)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}
