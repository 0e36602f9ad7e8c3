// Package loadbalance picks which discovered server instance a client call goes to.
//
// Two strategies are implemented:
//   - RoundRobin:     equal-capacity instances
//   - WeightedRandom: instances announced with different weights
package loadbalance

import (
	"errors"
	"fmt"

	"polyrpc/registry"
)

// ErrNoInstances is returned by Pick when the discovered instance list is empty.
var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer selects one instance per call. Implementations must be goroutine-safe.
type Balancer interface {
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)
	Name() string
}

// New returns the balancer registered under name ("round_robin" or "weighted_random").
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin", "RoundRobin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random", "WeightedRandom":
		return &WeightedRandomBalancer{}, nil
	}
	return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
}
