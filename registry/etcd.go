// etcd-backed Registry.
//
// Services live under /nx/services/{name}/{network}/{addr} with a
// JSON-encoded Endpoint as the value. Registration uses TTL leases with
// background KeepAlive, so an instance that dies without deregistering
// expires out of the registry instead of lingering as a ghost entry.
package registry

import (
	"context"
	"encoding/json"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const etcdPrefix = "/nx/services/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c}, nil
}

func etcdKey(service string, ep Endpoint) string {
	return etcdPrefix + service + "/" + ep.Network + "/" + ep.Addr
}

// Register stores the endpoint under a TTL lease and renews it in the
// background until the lease is revoked or the client closes.
func (r *EtcdRegistry) Register(ctx context.Context, service string, ep Endpoint, ttlSeconds int64) error {
	lease, err := r.client.Grant(ctx, ttlSeconds)
	if err != nil {
		return err
	}
	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}
	if _, err := r.client.Put(ctx, etcdKey(service, ep), string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}
	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}
	// Drain the keepalive acknowledgements.
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes the endpoint.
func (r *EtcdRegistry) Deregister(ctx context.Context, service string, ep Endpoint) error {
	_, err := r.client.Delete(ctx, etcdKey(service, ep))
	return err
}

// Discover returns every endpoint currently registered under the name.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, etcdPrefix+service+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	eps := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			continue // skip malformed entries
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

// Watch emits the full endpoint list whenever anything changes under the
// service prefix.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	go func() {
		defer close(ch)
		wch := r.client.Watch(ctx, etcdPrefix+service+"/", clientv3.WithPrefix())
		for range wch {
			eps, err := r.Discover(ctx, service)
			if err != nil {
				continue
			}
			select {
			case ch <- eps:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close releases the etcd client.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
