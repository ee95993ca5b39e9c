// Package nodelock serializes lifecycle operations per storage node.
// Operations on different nodes proceed concurrently; operations on the same
// node never overlap.
package nodelock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned when a lock could not be acquired before the
// context ended
var ErrLockTimeout = errors.New("node lock not acquired")

// JoinKey is the lock key serializing the joins of one cluster. Node ids are
// UUIDs so it never names a node.
func JoinKey(clusterID string) string {
	return "join-" + clusterID
}

// Unlock releases a held lock
type Unlock func()

// Locker grants exclusive access keyed by node id
type Locker interface {
	Lock(ctx context.Context, nodeID string) (Unlock, error)
}

// LocalLocker is an in-process keyed mutex. Each key is a one-slot channel so
// waiters can give up when their context ends.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker creates an empty keyed mutex
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*slot)}
}

// Lock blocks until nodeID is free or ctx ends
func (l *LocalLocker) Lock(ctx context.Context, nodeID string) (Unlock, error) {
	l.mu.Lock()
	s, ok := l.slots[nodeID]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[nodeID] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(nodeID, s)
		return nil, errors.Join(ErrLockTimeout, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.release(nodeID, s)
		})
	}, nil
}

func (l *LocalLocker) release(nodeID string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, nodeID)
	}
}

// held reports how many keys currently have holders or waiters
func (l *LocalLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

// LockTimeout acquires nodeID, giving up after timeout. The returned lock
// outlives the timeout.
func LockTimeout(ctx context.Context, l Locker, nodeID string, timeout time.Duration) (Unlock, error) {
	if timeout <= 0 {
		return l.Lock(ctx, nodeID)
	}
	lctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return l.Lock(lctx, nodeID)
}
