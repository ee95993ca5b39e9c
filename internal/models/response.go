package models

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}

// NodeListResponse represents list nodes response
type NodeListResponse struct {
	Nodes []*StorageNode `json:"nodes"`
	Count int            `json:"count"`
}

// DeviceListResponse represents list devices response
type DeviceListResponse struct {
	NodeID  string        `json:"node_id"`
	Devices []*NVMeDevice `json:"devices"`
	Count   int           `json:"count"`
}

// ClusterListResponse represents list clusters response
type ClusterListResponse struct {
	Clusters []*Cluster `json:"clusters"`
	Count    int        `json:"count"`
}

// ErrorResponse represents error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Kind    string                 `json:"kind,omitempty"`
	Message string                 `json:"message"`
	Path    string                 `json:"path,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}
