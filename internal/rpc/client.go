// Package rpc talks to the storage backend running on each node.
package rpc

import (
	"context"
	"time"

	"github.com/meshstor/meshstor/internal/models"
)

// BdevInfo describes a block device reported by the backend
type BdevInfo struct {
	Name        string `json:"name"`
	BlockSize   uint32 `json:"block_size"`
	NumBlocks   uint64 `json:"num_blocks"`
	Model       string `json:"model_number"`
	Serial      string `json:"serial_number"`
	Driver      string `json:"driver"`
	PCIeAddress string `json:"pcie_address"`
}

// Size returns the capacity in bytes
func (b BdevInfo) Size() uint64 {
	return uint64(b.BlockSize) * b.NumBlocks
}

// Listener is a fabric endpoint
type Listener struct {
	Transport string
	IP        string
	Port      int
}

// AlcemlOptions configures an alceml bdev
type AlcemlOptions struct {
	UUID        string
	PBAPageSize int
}

// StatusEvent is a node or device status change pushed to backends
type StatusEvent struct {
	Kind        string    `json:"kind"`
	ClusterID   string    `json:"cluster_id"`
	NodeID      string    `json:"node_id"`
	DeviceOrder int64     `json:"device_order"`
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
}

// Client is a session with one node's storage backend. Every call is a
// blocking remote call bounded by the client's timeout.
type Client interface {
	// Device discovery
	AttachController(ctx context.Context, name, pcieAddress string) ([]string, error)
	GetBdevs(ctx context.Context, name string) ([]BdevInfo, error)

	// Bdev chain
	CreateTestingBdev(ctx context.Context, name, base string) error
	CreateAlceml(ctx context.Context, name, base string, opts AlcemlOptions) error
	CreatePTNoExcl(ctx context.Context, name, base string) error
	DeleteBdev(ctx context.Context, name string) error

	// NVMe-oF exposure
	CreateSubsystem(ctx context.Context, nqn, serial, model string) error
	ListSubsystems(ctx context.Context) ([]string, error)
	DeleteSubsystem(ctx context.Context, nqn string) error
	CreateTransport(ctx context.Context, transport string) error
	CreateListener(ctx context.Context, nqn string, l Listener) error
	AddNamespace(ctx context.Context, nqn, bdev string) error

	// Remote mesh
	AttachRemoteController(ctx context.Context, name, nqn string, l Listener) ([]string, error)
	DetachController(ctx context.Context, name string) error

	// Placement and status
	SendClusterMap(ctx context.Context, m *models.ClusterMap) error
	AddNodes(ctx context.Context, m *models.ClusterMap) error
	UpdateStatusEvents(ctx context.Context, events []StatusEvent) error
}

// Dialer returns a backend session for a node
type Dialer interface {
	Client(node *models.StorageNode) (Client, error)
}
