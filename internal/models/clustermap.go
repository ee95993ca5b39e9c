package models

import "time"

// ClusterMap is the placement table pushed to one target node's backend.
// It is derived from node and device state and never authoritative.
type ClusterMap struct {
	ClusterID    string    `json:"cluster_id"`
	TargetNodeID string    `json:"target_node_id"`
	Incremental  bool      `json:"incremental"`
	Nodes        []MapNode `json:"map_cluster"`
	Prob         []MapProb `json:"map_prob"`
	// Partitions[i] is the cluster_device_order owning partition i, or -1
	// when no device is online
	Partitions  []int64   `json:"partitions"`
	GeneratedAt time.Time `json:"generated_at"`
}

// MapNode is one node entry of map_cluster
type MapNode struct {
	Index   int         `json:"index"`
	NodeID  string      `json:"node_id"`
	Status  NodeStatus  `json:"status"`
	Devices []MapDevice `json:"devices"`
}

// MapDevice is one device entry of a MapNode
type MapDevice struct {
	Order    int64        `json:"order"`
	DeviceID string       `json:"device_id"`
	Status   DeviceStatus `json:"status"`
}

// MapProb is the weight entry of one node in map_prob
type MapProb struct {
	Weight uint64          `json:"weight"`
	Items  []MapProbDevice `json:"items"`
}

// MapProbDevice is the weight of one device
type MapProbDevice struct {
	Order  int64  `json:"id"`
	Weight uint64 `json:"weight"`
}

// DeviceOrders returns every device order present in the map
func (m *ClusterMap) DeviceOrders() []int64 {
	var out []int64
	for _, n := range m.Nodes {
		for _, d := range n.Devices {
			out = append(out, d.Order)
		}
	}
	return out
}
