// Package clustermap computes the placement maps pushed to storage backends
// and distributes them. Maps are derived from node and device state on
// every push; they are never read back as a source of truth.
package clustermap

import (
	"strconv"

	"github.com/benbjohnson/clock"

	"github.com/meshstor/meshstor/internal/models"
	"github.com/meshstor/meshstor/internal/utils"
)

// Builder derives cluster maps from node state
type Builder struct {
	partitions int
	clock      clock.Clock
}

// NewBuilder creates a builder producing maps with the given number of
// partition slots
func NewBuilder(partitions int, c clock.Clock) *Builder {
	if partitions <= 0 {
		partitions = utils.DefaultMapPartitions
	}
	if c == nil {
		c = clock.New()
	}
	return &Builder{partitions: partitions, clock: c}
}

// inMap reports whether a device is listed in map_cluster
func inMap(d *models.NVMeDevice) bool {
	if d.ClusterDeviceOrder < 0 {
		return false
	}
	switch d.Status {
	case models.DeviceOnline, models.DeviceUnavailable, models.DeviceResetting:
		return true
	}
	return false
}

func mapNode(index int, n *models.StorageNode) (models.MapNode, models.MapProb) {
	entry := models.MapNode{Index: index, NodeID: n.ID, Status: n.Status}
	var prob models.MapProb
	for _, d := range n.NVMeDevices {
		if !inMap(d) {
			continue
		}
		entry.Devices = append(entry.Devices, models.MapDevice{Order: d.ClusterDeviceOrder, DeviceID: d.ID, Status: d.Status})

		var weight uint64
		if d.Status == models.DeviceOnline {
			weight = d.PartitionsCount
		}
		prob.Items = append(prob.Items, models.MapProbDevice{Order: d.ClusterDeviceOrder, Weight: weight})
		prob.Weight += weight
	}
	return entry, prob
}

// Build returns the full map for target: every online node of the cluster,
// plus the target itself whatever its status
func (b *Builder) Build(cluster *models.Cluster, nodes []*models.StorageNode, targetID string) *models.ClusterMap {
	m := &models.ClusterMap{
		ClusterID:    cluster.ID,
		TargetNodeID: targetID,
		GeneratedAt:  b.clock.Now().UTC(),
	}

	hash := NewRendezvous()
	for _, n := range nodes {
		if n.ClusterID != cluster.ID {
			continue
		}
		if n.Status != models.NodeOnline && n.ID != targetID {
			continue
		}
		entry, prob := mapNode(len(m.Nodes), n)
		m.Nodes = append(m.Nodes, entry)
		m.Prob = append(m.Prob, prob)

		for _, d := range n.NVMeDevices {
			if d.Status == models.DeviceOnline && d.ClusterDeviceOrder >= 0 {
				hash.Add(d.ClusterDeviceOrder, d.PartitionsCount)
			}
		}
	}

	m.Partitions = b.partitionTable(hash)
	return m
}

// BuildIncremental returns a map holding only node's devices, for peers to
// merge into the map they already have
func (b *Builder) BuildIncremental(cluster *models.Cluster, node *models.StorageNode, targetID string) *models.ClusterMap {
	entry, prob := mapNode(0, node)
	return &models.ClusterMap{
		ClusterID:    cluster.ID,
		TargetNodeID: targetID,
		Incremental:  true,
		Nodes:        []models.MapNode{entry},
		Prob:         []models.MapProb{prob},
		GeneratedAt:  b.clock.Now().UTC(),
	}
}

// partitionTable assigns every partition slot to a device order, or -1
// when no device is online
func (b *Builder) partitionTable(hash *Rendezvous) []int64 {
	table := make([]int64, b.partitions)
	for i := range table {
		owner, ok := hash.Owner("partition-" + strconv.Itoa(i))
		if !ok {
			owner = -1
		}
		table[i] = owner
	}
	return table
}
