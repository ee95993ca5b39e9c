package metadata

import (
	"context"
	"path"
)

// VolumeRegistry tracks higher-level volumes and snapshots placed on a node.
// Entries are written by the volume service under <prefix>/volumes/<node>/<volume>.
type VolumeRegistry struct {
	kv     KV
	prefix string
}

// NewVolumeRegistry creates a registry over kv
func NewVolumeRegistry(kv KV, prefix string) *VolumeRegistry {
	return &VolumeRegistry{kv: kv, prefix: prefix}
}

// ActiveVolumes returns how many volumes or snapshots reference the node
func (r *VolumeRegistry) ActiveVolumes(ctx context.Context, nodeID string) (int, error) {
	kvs, err := r.kv.GetPrefix(ctx, path.Join(r.prefix, volumesDir, nodeID)+"/")
	if err != nil {
		return 0, err
	}
	return len(kvs), nil
}

// Register records a volume on a node
func (r *VolumeRegistry) Register(ctx context.Context, nodeID, volumeID string) error {
	return r.kv.Put(ctx, path.Join(r.prefix, volumesDir, nodeID, volumeID), volumeID)
}

// Release forgets a volume on a node
func (r *VolumeRegistry) Release(ctx context.Context, nodeID, volumeID string) error {
	return r.kv.Delete(ctx, path.Join(r.prefix, volumesDir, nodeID, volumeID))
}
