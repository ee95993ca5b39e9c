package nodelock

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/meshstor/meshstor/internal/logging"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// EtcdLocker holds node locks as etcd lease-backed mutexes so that several
// controller replicas exclude each other. A crashed holder's lock expires
// with its lease.
type EtcdLocker struct {
	client *clientv3.Client
	prefix string
	ttl    time.Duration
	logger *logging.Logger
}

// NewEtcdLocker creates a locker storing mutexes under <prefix>/locks/nodes
func NewEtcdLocker(client *clientv3.Client, prefix string, ttl time.Duration, logger *logging.Logger) *EtcdLocker {
	if ttl < time.Second {
		ttl = 10 * time.Second
	}
	return &EtcdLocker{
		client: client,
		prefix: path.Join(prefix, "locks", "nodes"),
		ttl:    ttl,
		logger: logger,
	}
}

// Lock acquires the node's mutex under a fresh session
func (l *EtcdLocker) Lock(ctx context.Context, nodeID string) (Unlock, error) {
	session, err := concurrency.NewSession(l.client, concurrency.WithTTL(int(l.ttl.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("failed to open lock session: %w", err)
	}

	mutex := concurrency.NewMutex(session, path.Join(l.prefix, nodeID))
	if err := mutex.Lock(ctx); err != nil {
		_ = session.Close()
		if ctx.Err() != nil {
			return nil, errors.Join(ErrLockTimeout, err)
		}
		return nil, fmt.Errorf("failed to lock node %s: %w", nodeID, err)
	}

	return func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mutex.Unlock(unlockCtx); err != nil {
			l.logger.Warn("Failed to release node lock, lease will expire", "node_id", nodeID, "error", err)
		}
		_ = session.Close()
	}, nil
}
