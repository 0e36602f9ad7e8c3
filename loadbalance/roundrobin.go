package loadbalance

import (
	"sync/atomic"

	"polyrpc/registry"
)

// RoundRobinBalancer cycles through the instances in the order discovery returns them.
type RoundRobinBalancer struct {
	next atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	n := b.next.Add(1) - 1
	return &instances[n%uint64(len(instances))], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
