package metadata

import (
	"context"
	"fmt"

	"github.com/meshstor/meshstor/internal/config"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdKV implements KV on an etcd cluster
type EtcdKV struct {
	client *clientv3.Client
	owned  bool
}

// NewEtcdKV connects to etcd
func NewEtcdKV(cfg config.EtcdConfig) (*EtcdKV, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return &EtcdKV{client: client, owned: true}, nil
}

// NewEtcdKVWithClient wraps an existing client; Close leaves it open
func NewEtcdKVWithClient(client *clientv3.Client) *EtcdKV {
	return &EtcdKV{client: client}
}

// Client exposes the underlying client for lease-based coordination
func (e *EtcdKV) Client() *clientv3.Client {
	return e.client
}

// Get retrieves a value by key
func (e *EtcdKV) Get(ctx context.Context, key string) (string, error) {
	resp, err := e.client.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return "", fmt.Errorf("key %s: %w", key, ErrNotFound)
	}
	return string(resp.Kvs[0].Value), nil
}

// Put stores a key-value pair
func (e *EtcdKV) Put(ctx context.Context, key, value string) error {
	if _, err := e.client.Put(ctx, key, value); err != nil {
		return fmt.Errorf("failed to put key %s: %w", key, err)
	}
	return nil
}

// Delete removes a key
func (e *EtcdKV) Delete(ctx context.Context, key string) error {
	if _, err := e.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// GetPrefix retrieves all keys with a given prefix
func (e *EtcdKV) GetPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	resp, err := e.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to get prefix %s: %w", prefix, err)
	}

	result := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		result[string(kv.Key)] = string(kv.Value)
	}
	return result, nil
}

// Update runs an optimistic read-modify-write guarded by the key's mod
// revision. An absent key is guarded by create revision 0.
func (e *EtcdKV) Update(ctx context.Context, key string, fn UpdateFunc) (string, error) {
	for {
		resp, err := e.client.Get(ctx, key)
		if err != nil {
			return "", fmt.Errorf("failed to read key %s: %w", key, err)
		}

		var (
			current string
			exists  bool
			guard   clientv3.Cmp
		)
		if len(resp.Kvs) == 0 {
			guard = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
		} else {
			current, exists = string(resp.Kvs[0].Value), true
			guard = clientv3.Compare(clientv3.ModRevision(key), "=", resp.Kvs[0].ModRevision)
		}

		next, err := fn(current, exists)
		if err != nil {
			return "", err
		}

		txn, err := e.client.Txn(ctx).
			If(guard).
			Then(clientv3.OpPut(key, next)).
			Commit()
		if err != nil {
			return "", fmt.Errorf("failed to commit key %s: %w", key, err)
		}
		if txn.Succeeded {
			return next, nil
		}

		if err := ctx.Err(); err != nil {
			return "", err
		}
	}
}

// Close closes the etcd client if this KV created it
func (e *EtcdKV) Close() error {
	if !e.owned {
		return nil
	}
	return e.client.Close()
}
