package loadbalance

import (
	"sync"

	"dbmgmt/registry"
)

// RoundRobin cycles through the endpoints in order. The zero value is ready
// to use.
type RoundRobin struct {
	mu   sync.Mutex
	next int
}

func (r *RoundRobin) Pick(endpoints []registry.Endpoint) (registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return registry.Endpoint{}, ErrNoEndpoints
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ep := endpoints[r.next%len(endpoints)]
	r.next++
	return ep, nil
}
