package registry

import (
	"context"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// MemoryRegistry keeps instances in process memory. It is meant for tests and single-host
// deployments; ttl is accepted but never expires anything.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]ServiceInstance // service → addr → instance
	watchers map[string][]chan []ServiceInstance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string]map[string]ServiceInstance),
		watchers: make(map[string][]chan []ServiceInstance),
	}
}

func (m *MemoryRegistry) Register(serviceName string, instance ServiceInstance, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	insts, ok := m.services[serviceName]
	if !ok {
		insts = make(map[string]ServiceInstance)
		m.services[serviceName] = insts
	}
	insts[instance.Addr()] = instance
	m.notify(serviceName)
	return nil
}

func (m *MemoryRegistry) Deregister(serviceName string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.services[serviceName], addr)
	m.notify(serviceName)
	return nil
}

// Discover returns the instances sorted by address.
func (m *MemoryRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(serviceName), nil
}

func (m *MemoryRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	m.mu.Lock()
	m.watchers[serviceName] = append(m.watchers[serviceName], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		ws := m.watchers[serviceName]
		if i := slices.Index(ws, ch); i >= 0 {
			m.watchers[serviceName] = slices.Delete(ws, i, i+1)
		}
		close(ch)
	}()
	return ch
}

func (m *MemoryRegistry) list(serviceName string) []ServiceInstance {
	insts := m.services[serviceName]
	addrs := maps.Keys(insts)
	slices.Sort(addrs)
	out := make([]ServiceInstance, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, insts[addr])
	}
	return out
}

// notify must be called with m.mu held. A watcher that has not consumed the previous
// update gets it replaced by the newer list.
func (m *MemoryRegistry) notify(serviceName string) {
	list := m.list(serviceName)
	for _, ch := range m.watchers[serviceName] {
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}
