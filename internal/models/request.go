package models

// CreateClusterRequest represents create cluster request
type CreateClusterRequest struct {
	ID               string   `json:"id,omitempty"`
	Name             string   `json:"name,omitempty"`
	ModelIDs         []string `json:"model_ids"`
	BlockSize        uint32   `json:"blk_size"`
	PageSizeInBlocks uint32   `json:"page_size_in_blocks"`
	HAType           string   `json:"ha_type,omitempty"`
	MinOnlineNodes   int      `json:"min_online_nodes,omitempty"`
	NQNPrefix        string   `json:"nqn_prefix,omitempty"`
}

// Cluster converts the request into a cluster record
func (r *CreateClusterRequest) Cluster() *Cluster {
	return &Cluster{
		ID:               r.ID,
		Name:             r.Name,
		ModelIDs:         r.ModelIDs,
		BlockSize:        r.BlockSize,
		PageSizeInBlocks: r.PageSizeInBlocks,
		HAType:           r.HAType,
		MinOnlineNodes:   r.MinOnlineNodes,
		NQNPrefix:        r.NQNPrefix,
	}
}

// AddNodeRequest represents add node request
type AddNodeRequest struct {
	ClusterID      string   `json:"cluster_id"`
	MgmtIP         string   `json:"mgmt_ip"`
	AgentPort      int      `json:"agent_port,omitempty"`
	RPCPort        int      `json:"rpc_port,omitempty"`
	RPCUsername    string   `json:"rpc_username,omitempty"`
	RPCPassword    string   `json:"rpc_password,omitempty"`
	DataInterfaces []string `json:"data_interfaces,omitempty"`
	SPDKCPUMask    string   `json:"spdk_cpu_mask,omitempty"`
	SPDKMemoryMB   int64    `json:"spdk_mem,omitempty"`
	SPDKImage      string   `json:"spdk_image,omitempty"`
}

// AddDeviceRequest represents add device request. An empty DeviceID
// discovers newly attached devices.
type AddDeviceRequest struct {
	DeviceID string `json:"device_id,omitempty"`
}

// SetDeviceStatusRequest represents set device status request
type SetDeviceStatusRequest struct {
	Status string `json:"status"`
}
