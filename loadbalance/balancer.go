// Package loadbalance selects one endpoint from a discovered set when a
// client connects. Selection happens once per connection; pooling and
// reconnection are out of scope.
package loadbalance

import (
	"errors"

	"dbmgmt/registry"
)

// ErrNoEndpoints means discovery returned an empty set.
var ErrNoEndpoints = errors.New("loadbalance: no endpoints available")

// Balancer picks one endpoint from the discovered set.
type Balancer interface {
	Pick(endpoints []registry.Endpoint) (registry.Endpoint, error)
}
