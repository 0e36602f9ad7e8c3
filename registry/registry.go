// Package registry announces servers to a service-discovery backend and lets clients find them.
package registry

import (
	"context"
	"net"
	"strconv"
)

// ServiceInstance is one reachable server of a service.
type ServiceInstance struct {
	Host    string
	Port    int
	Weight  int // Weight for load balancing
	Version string
}

// Addr returns the instance's dialable host:port.
func (i ServiceInstance) Addr() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

// Registration describes how a server announces itself. It is set once before serving.
// With Heartbeat enabled the entry is kept alive with a TTL lease and disappears on its
// own if the server dies; without it the entry stays until deregistered.
type Registration struct {
	ServiceName string
	Host        string
	Port        int // 0 means "the port the server bound"
	Heartbeat   bool
	TTL         int64 // lease TTL in seconds when Heartbeat is enabled
}

// DefaultTTL is the lease TTL used when a heartbeat registration leaves TTL unset.
const DefaultTTL = 10

// Instance returns the ServiceInstance announced by r.
func (r Registration) Instance() ServiceInstance {
	return ServiceInstance{Host: r.Host, Port: r.Port}
}

// LeaseTTL returns the TTL to pass to Registry.Register: 0 without heartbeat.
func (r Registration) LeaseTTL() int64 {
	if !r.Heartbeat {
		return 0
	}
	if r.TTL <= 0 {
		return DefaultTTL
	}
	return r.TTL
}

type Registry interface {
	// Register announces instance under serviceName. A ttl above zero attaches a lease that
	// is renewed in the background until Deregister.
	Register(serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(serviceName string, addr string) error
	Discover(serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list whenever it changes, until ctx is done.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
