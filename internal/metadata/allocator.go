package metadata

import (
	"context"
	"fmt"
	"strconv"
)

// Allocator hands out cluster_device_order values. Each call increments a
// per-cluster counter through KV.Update, so values are unique across
// controllers and never reused, even if the device that took one is later
// dropped.
type Allocator struct {
	kv     KV
	prefix string
}

// NewAllocator creates an allocator whose counters live under prefix
func NewAllocator(kv KV, prefix string) *Allocator {
	return &Allocator{kv: kv, prefix: prefix}
}

// Next returns the next device order of a cluster, starting at 0
func (a *Allocator) Next(ctx context.Context, clusterID string) (int64, error) {
	key := a.prefix + "/" + countersDir + "/" + clusterID + "/device_order"

	next, err := a.kv.Update(ctx, key, func(current string, exists bool) (string, error) {
		if !exists {
			return "1", nil
		}
		n, err := strconv.ParseInt(current, 10, 64)
		if err != nil {
			return "", fmt.Errorf("corrupt device order counter %q: %w", current, err)
		}
		return strconv.FormatInt(n+1, 10), nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to allocate device order for cluster %s: %w", clusterID, err)
	}

	n, _ := strconv.ParseInt(next, 10, 64)
	return n - 1, nil
}
