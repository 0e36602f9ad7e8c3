package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultPrefix is the key prefix used when none is configured.
const DefaultPrefix = "/polyrpc/"

// EtcdRegistry stores instances as keys under a prefix:
//
//	Key:   {prefix}{ServiceName}/{host:port}
//	Value: JSON-encoded ServiceInstance
//
// Heartbeat registrations attach a TTL lease that a background KeepAlive renews; if the
// server crashes the lease expires and the entry goes away with it.
type EtcdRegistry struct {
	client *clientv3.Client
	prefix string

	mu         sync.Mutex
	keepAlives map[string]context.CancelFunc // key → stops lease renewal
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
// An empty prefix selects DefaultPrefix.
func NewEtcdRegistry(endpoints []string, prefix string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &EtcdRegistry{
		client:     c,
		prefix:     prefix,
		keepAlives: make(map[string]context.CancelFunc),
	}, nil
}

func (r *EtcdRegistry) key(serviceName, addr string) string {
	return r.prefix + serviceName + "/" + addr
}

// Register puts the instance, with a renewed lease when ttl > 0.
// The lease ID stays local so that one EtcdRegistry can serve several servers.
func (r *EtcdRegistry) Register(serviceName string, instance ServiceInstance, ttl int64) error {
	ctx := context.TODO()
	key := r.key(serviceName, instance.Addr())

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	if ttl <= 0 {
		_, err = r.client.Put(ctx, key, string(val))
		return err
	}

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}
	if _, err = r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return err
	}
	r.mu.Lock()
	if prev, ok := r.keepAlives[key]; ok {
		prev()
	}
	r.keepAlives[key] = cancel
	r.mu.Unlock()

	// drain responses so the keep-alive channel never fills up
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister stops lease renewal and removes the instance.
func (r *EtcdRegistry) Deregister(serviceName string, addr string) error {
	key := r.key(serviceName, addr)
	r.mu.Lock()
	if cancel, ok := r.keepAlives[key]; ok {
		cancel()
		delete(r.keepAlives, key)
	}
	r.mu.Unlock()

	_, err := r.client.Delete(context.TODO(), key)
	return err
}

// Watch re-reads the instance list on every change under the service prefix.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	prefix := r.prefix + serviceName + "/"

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, prefix, clientv3.WithPrefix())
		for range watchChan {
			instances, err := r.Discover(serviceName)
			if err != nil {
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns all currently registered instances for a service.
func (r *EtcdRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(context.TODO(), r.prefix+serviceName+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue // Skip malformed entries
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close stops every lease renewal and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, cancel := range r.keepAlives {
		cancel()
		delete(r.keepAlives, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
