package metadata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/meshstor/meshstor/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runKVContract exercises behaviour every KV implementation must share
func runKVContract(t *testing.T, kv KV) {
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		_, err := kv.Get(ctx, "/c/missing")
		assert.True(t, errors.Is(err, ErrNotFound), "expected ErrNotFound, got %v", err)
	})

	t.Run("PutGetDelete", func(t *testing.T) {
		require.NoError(t, kv.Put(ctx, "/c/a", "1"))
		v, err := kv.Get(ctx, "/c/a")
		require.NoError(t, err)
		assert.Equal(t, "1", v)

		require.NoError(t, kv.Put(ctx, "/c/a", "2"))
		v, _ = kv.Get(ctx, "/c/a")
		assert.Equal(t, "2", v, "last writer wins")

		require.NoError(t, kv.Delete(ctx, "/c/a"))
		_, err = kv.Get(ctx, "/c/a")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("GetPrefix", func(t *testing.T) {
		require.NoError(t, kv.Put(ctx, "/p/x/1", "a"))
		require.NoError(t, kv.Put(ctx, "/p/x/2", "b"))
		require.NoError(t, kv.Put(ctx, "/p/y/1", "c"))

		got, err := kv.GetPrefix(ctx, "/p/x/")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"/p/x/1": "a", "/p/x/2": "b"}, got)
	})

	t.Run("UpdateAbsentAndPresent", func(t *testing.T) {
		v, err := kv.Update(ctx, "/u/k", func(cur string, exists bool) (string, error) {
			assert.False(t, exists)
			return "first", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "first", v)

		v, err = kv.Update(ctx, "/u/k", func(cur string, exists bool) (string, error) {
			assert.True(t, exists)
			return cur + "+", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "first+", v)
	})

	t.Run("UpdateErrorLeavesValue", func(t *testing.T) {
		require.NoError(t, kv.Put(ctx, "/u/e", "keep"))
		_, err := kv.Update(ctx, "/u/e", func(string, bool) (string, error) {
			return "", fmt.Errorf("refused")
		})
		require.Error(t, err)
		v, _ := kv.Get(ctx, "/u/e")
		assert.Equal(t, "keep", v)
	})
}

// runAllocatorUnique allocates orders from several goroutines, standing in
// for device adds running concurrently on different nodes
func runAllocatorUnique(t *testing.T, kv KV) {
	ctx := context.Background()
	alloc := NewAllocator(kv, "/meshstor-test")

	const workers, perWorker = 8, 10
	var (
		mu   sync.Mutex
		seen = make(map[int64]int)
		wg   sync.WaitGroup
	)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				order, err := alloc.Next(ctx, "c1")
				if err != nil {
					t.Errorf("Next() error = %v", err)
					return
				}
				mu.Lock()
				seen[order]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, workers*perWorker, "every allocation must be distinct")
	for order := int64(0); order < workers*perWorker; order++ {
		assert.Equal(t, 1, seen[order], "order %d", order)
	}

	other, err := alloc.Next(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, int64(0), other, "counters are per cluster")
}

func runManagerContract(t *testing.T, m *KVManager) {
	ctx := context.Background()
	defer m.cache.Stop()

	cluster := &models.Cluster{
		ID:               "c1",
		ModelIDs:         []string{"ModelX"},
		BlockSize:        4096,
		PageSizeInBlocks: 512,
		HAType:           models.HATypeHA,
		MinOnlineNodes:   3,
	}

	t.Run("CreateCluster", func(t *testing.T) {
		require.NoError(t, m.CreateCluster(ctx, cluster))
		assert.False(t, cluster.CreatedAt.IsZero())

		err := m.CreateCluster(ctx, cluster)
		assert.Error(t, err, "duplicate cluster must be rejected")

		got, err := m.GetCluster(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, []string{"ModelX"}, got.ModelIDs)

		_, err = m.GetCluster(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)

		list, err := m.ListClusters(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("InvalidCluster", func(t *testing.T) {
		assert.Error(t, m.CreateCluster(ctx, &models.Cluster{ID: "bad"}))
	})

	t.Run("Nodes", func(t *testing.T) {
		base := time.Now()
		for i, id := range []string{"n2", "n1", "n3"} {
			node := &models.StorageNode{
				ID:        id,
				ClusterID: "c1",
				Status:    models.NodeOnline,
				CreatedAt: base.Add(time.Duration(i) * time.Second),
				NVMeDevices: []*models.NVMeDevice{{
					ID:                 "dev-" + id,
					NodeID:             id,
					Serial:             "S-" + id,
					Status:             models.DeviceOnline,
					Stage:              models.StageOnline,
					ClusterDeviceOrder: int64(i),
				}},
			}
			require.NoError(t, m.PutNode(ctx, node))
		}
		require.NoError(t, m.PutNode(ctx, &models.StorageNode{ID: "other", ClusterID: "c2", CreatedAt: base}))

		nodes, err := m.ListNodes(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, nodes, 3)
		assert.Equal(t, []string{"n2", "n1", "n3"}, []string{nodes[0].ID, nodes[1].ID, nodes[2].ID})
		assert.Equal(t, models.StageOnline, nodes[0].NVMeDevices[0].Stage)

		all, err := m.ListNodes(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 4)

		owner, dev, err := m.FindDevice(ctx, "dev-n3")
		require.NoError(t, err)
		assert.Equal(t, "n3", owner.ID)
		assert.Equal(t, "S-n3", dev.Serial)

		_, _, err = m.FindDevice(ctx, "dev-missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("MapSnapshot", func(t *testing.T) {
		require.NoError(t, m.PutMapSnapshot(ctx, "c1", "n1", []byte{0x01, 0xff, 0x00}))
		got, err := m.GetMapSnapshot(ctx, "c1", "n1")
		require.NoError(t, err)
		assert.Equal(t, []byte{0x01, 0xff, 0x00}, got)
	})

	t.Run("Volumes", func(t *testing.T) {
		reg := NewVolumeRegistry(m.kv, m.prefix)
		n, err := reg.ActiveVolumes(ctx, "n1")
		require.NoError(t, err)
		assert.Zero(t, n)

		require.NoError(t, reg.Register(ctx, "n1", "vol-a"))
		require.NoError(t, reg.Register(ctx, "n10", "vol-b"))
		n, _ = reg.ActiveVolumes(ctx, "n1")
		assert.Equal(t, 1, n, "n10 must not match n1's prefix")

		require.NoError(t, reg.Release(ctx, "n1", "vol-a"))
		n, _ = reg.ActiveVolumes(ctx, "n1")
		assert.Zero(t, n)
	})
}
