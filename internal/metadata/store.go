package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/meshstor/meshstor/internal/models"
)

const (
	clustersDir = "clusters"
	nodesDir    = "nodes"
	mapsDir     = "maps"
	countersDir = "counters"
	volumesDir  = "volumes"
)

// KVManager implements Manager as JSON records in a KV
type KVManager struct {
	kv     KV
	prefix string
	cache  *KVCache
}

// NewKVManager creates a manager storing records under prefix.
// Cluster records are cached for cacheTTL; they change only on create.
func NewKVManager(kv KV, prefix string, cacheTTL time.Duration) *KVManager {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &KVManager{
		kv:     kv,
		prefix: prefix,
		cache:  NewKVCache(cacheTTL),
	}
}

func (m *KVManager) key(parts ...string) string {
	return path.Join(append([]string{m.prefix}, parts...)...)
}

// ============================================================================
// Cluster Operations
// ============================================================================

func (m *KVManager) CreateCluster(ctx context.Context, cluster *models.Cluster) error {
	if err := cluster.Validate(); err != nil {
		return err
	}
	if cluster.CreatedAt.IsZero() {
		cluster.CreatedAt = time.Now()
	}

	data, err := json.Marshal(cluster)
	if err != nil {
		return fmt.Errorf("failed to marshal cluster: %w", err)
	}

	key := m.key(clustersDir, cluster.ID)
	_, err = m.kv.Update(ctx, key, func(_ string, exists bool) (string, error) {
		if exists {
			return "", fmt.Errorf("cluster %s: %w", cluster.ID, ErrExists)
		}
		return string(data), nil
	})
	if err != nil {
		return err
	}

	m.cache.Set(key, string(data))
	return nil
}

func (m *KVManager) GetCluster(ctx context.Context, id string) (*models.Cluster, error) {
	key := m.key(clustersDir, id)

	raw, ok := m.cache.Get(key)
	if !ok {
		var err error
		raw, err = m.kv.Get(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("cluster %s: %w", id, ErrNotFound)
			}
			return nil, err
		}
		m.cache.Set(key, raw)
	}

	var cluster models.Cluster
	if err := json.Unmarshal([]byte(raw), &cluster); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cluster %s: %w", id, err)
	}
	return &cluster, nil
}

func (m *KVManager) ListClusters(ctx context.Context) ([]*models.Cluster, error) {
	kvs, err := m.kv.GetPrefix(ctx, m.key(clustersDir)+"/")
	if err != nil {
		return nil, err
	}

	clusters := make([]*models.Cluster, 0, len(kvs))
	for key, raw := range kvs {
		var c models.Cluster
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("failed to unmarshal cluster %s: %w", key, err)
		}
		clusters = append(clusters, &c)
	}
	sort.Slice(clusters, func(i, j int) bool { return clusters[i].ID < clusters[j].ID })
	return clusters, nil
}

// ============================================================================
// Node Operations
// ============================================================================

func (m *KVManager) GetNode(ctx context.Context, id string) (*models.StorageNode, error) {
	raw, err := m.kv.Get(ctx, m.key(nodesDir, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return decodeNode(raw)
}

// PutNode writes the whole node record, last writer wins
func (m *KVManager) PutNode(ctx context.Context, node *models.StorageNode) error {
	if node.ID == "" {
		return fmt.Errorf("node id is required")
	}
	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal node %s: %w", node.ID, err)
	}
	return m.kv.Put(ctx, m.key(nodesDir, node.ID), string(data))
}

// ListNodes returns the nodes of a cluster, or of every cluster when
// clusterID is empty, ordered by creation time
func (m *KVManager) ListNodes(ctx context.Context, clusterID string) ([]*models.StorageNode, error) {
	kvs, err := m.kv.GetPrefix(ctx, m.key(nodesDir)+"/")
	if err != nil {
		return nil, err
	}

	nodes := make([]*models.StorageNode, 0, len(kvs))
	for _, raw := range kvs {
		node, err := decodeNode(raw)
		if err != nil {
			return nil, err
		}
		if clusterID != "" && node.ClusterID != clusterID {
			continue
		}
		nodes = append(nodes, node)
	}

	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].ID < nodes[j].ID
		}
		return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
	})
	return nodes, nil
}

// FindDevice returns the owning node of a device together with the device
func (m *KVManager) FindDevice(ctx context.Context, deviceID string) (*models.StorageNode, *models.NVMeDevice, error) {
	nodes, err := m.ListNodes(ctx, "")
	if err != nil {
		return nil, nil, err
	}
	for _, node := range nodes {
		if dev := node.Device(deviceID); dev != nil {
			return node, dev, nil
		}
	}
	return nil, nil, fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
}

func decodeNode(raw string) (*models.StorageNode, error) {
	var node models.StorageNode
	if err := json.Unmarshal([]byte(raw), &node); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node: %w", err)
	}
	return &node, nil
}

// ============================================================================
// Cluster Map Snapshots
// ============================================================================

func (m *KVManager) PutMapSnapshot(ctx context.Context, clusterID, nodeID string, data []byte) error {
	return m.kv.Put(ctx, m.key(mapsDir, clusterID, nodeID), string(data))
}

func (m *KVManager) GetMapSnapshot(ctx context.Context, clusterID, nodeID string) ([]byte, error) {
	raw, err := m.kv.Get(ctx, m.key(mapsDir, clusterID, nodeID))
	if err != nil {
		return nil, err
	}
	return []byte(raw), nil
}

// Close stops the cache and closes the KV
func (m *KVManager) Close() error {
	m.cache.Stop()
	return m.kv.Close()
}
