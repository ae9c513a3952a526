// Package loadbalance selects an endpoint when a service name resolves to
// more than one registered instance.
package loadbalance

import (
	"errors"

	"nx-bsd/registry"
)

// ErrNoEndpoints is returned when discovery produced an empty list.
var ErrNoEndpoints = errors.New("loadbalance: no endpoints available")

// Balancer picks one endpoint from a discovered list. Pick is called at
// session establishment and must be goroutine-safe.
type Balancer interface {
	Pick(eps []registry.Endpoint) (*registry.Endpoint, error)
	Name() string
}
