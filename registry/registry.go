package registry

import "context"

// Endpoint is one reachable instance of a named service.
type Endpoint struct {
	Network string `json:"network" yaml:"network"`
	Addr    string `json:"addr" yaml:"addr"`
}

// Registry resolves service names ("bsd:s", "bsd:u") to endpoints. The
// socket service announces itself under one or more names; clients try the
// names in preference order at session establishment.
type Registry interface {
	Register(ctx context.Context, service string, ep Endpoint, ttlSeconds int64) error
	Deregister(ctx context.Context, service string, ep Endpoint) error
	Discover(ctx context.Context, service string) ([]Endpoint, error)
	Watch(ctx context.Context, service string) <-chan []Endpoint
}
