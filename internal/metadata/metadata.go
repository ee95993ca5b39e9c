package metadata

import (
	"context"
	"errors"

	"github.com/meshstor/meshstor/internal/models"
)

var (
	// ErrNotFound is returned when a key or record does not exist
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when creating a record that already exists
	ErrExists = errors.New("already exists")
)

// UpdateFunc computes the new value of a key from its current value.
// exists is false when the key is absent.
type UpdateFunc func(current string, exists bool) (string, error)

// KV is the raw key-value store every metadata record is kept in.
// Writes are last-writer-wins except Update, which is compare-and-set.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	GetPrefix(ctx context.Context, prefix string) (map[string]string, error)

	// Update atomically replaces key with fn's result, retrying if another
	// writer changed the key in between
	Update(ctx context.Context, key string, fn UpdateFunc) (string, error)

	Close() error
}

// Manager persists clusters and storage nodes. A node record embeds the
// NVMe devices it owns.
type Manager interface {
	// Cluster operations
	CreateCluster(ctx context.Context, cluster *models.Cluster) error
	GetCluster(ctx context.Context, id string) (*models.Cluster, error)
	ListClusters(ctx context.Context) ([]*models.Cluster, error)

	// Node operations
	GetNode(ctx context.Context, id string) (*models.StorageNode, error)
	PutNode(ctx context.Context, node *models.StorageNode) error
	ListNodes(ctx context.Context, clusterID string) ([]*models.StorageNode, error)
	FindDevice(ctx context.Context, deviceID string) (*models.StorageNode, *models.NVMeDevice, error)

	// Cluster map snapshots
	PutMapSnapshot(ctx context.Context, clusterID, nodeID string, data []byte) error
	GetMapSnapshot(ctx context.Context, clusterID, nodeID string) ([]byte, error)

	Close() error
}
