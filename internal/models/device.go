package models

import (
	"fmt"
	"time"
)

// UnassignedOrder marks a device that has not yet been given a cluster-wide order
const UnassignedOrder int64 = -1

// NVMeDevice is a physical NVMe namespace owned by exactly one storage node.
// Copies held in another node's RemoteDevices carry RemoteBdev.
type NVMeDevice struct {
	ID                 string          `json:"id"`
	NodeID             string          `json:"node_id"`
	ClusterID          string          `json:"cluster_id"`
	PCIeAddress        string          `json:"pcie_address"`
	VendorID           string          `json:"vendor_id,omitempty"`
	Model              string          `json:"model"`
	Serial             string          `json:"serial"`
	Size               uint64          `json:"size"`
	BlockSize          uint32          `json:"block_size"`
	PartitionsCount    uint64          `json:"partitions_count"`
	ClusterDeviceOrder int64           `json:"cluster_device_order"`
	SequentialNumber   int             `json:"sequential_number"`
	Status             DeviceStatus    `json:"status"`
	Stage              OnboardingStage `json:"stage"`

	// Bdev chain handles
	NvmeBdev    string `json:"nvme_bdev"`
	TestingBdev string `json:"testing_bdev,omitempty"`
	AlcemlBdev  string `json:"alceml_bdev,omitempty"`
	PTBdev      string `json:"pt_bdev,omitempty"`

	// Fabric exposure
	NvmfNQN       string `json:"nvmf_nqn,omitempty"`
	NvmfIP        string `json:"nvmf_ip,omitempty"`
	NvmfPort      int    `json:"nvmf_port,omitempty"`
	NvmfTransport string `json:"nvmf_transport,omitempty"`

	// Set only on references held by non-owning nodes
	RemoteBdev string `json:"remote_bdev,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// RemoteControllerName is the deterministic controller name other nodes use
// when attaching this device over the fabric
func (d *NVMeDevice) RemoteControllerName() string {
	return "remote_" + d.AlcemlBdev
}

// SetStatus moves the device to next if the transition is legal
func (d *NVMeDevice) SetStatus(next DeviceStatus, now time.Time) error {
	if d.Status == next {
		return nil
	}
	if !d.Status.CanTransition(next) {
		return fmt.Errorf("device %s: illegal status transition %s -> %s", d.ID, d.Status, next)
	}
	d.Status = next
	d.UpdatedAt = now
	return nil
}

// RemoteRef returns the non-owning reference a peer stores after attaching
// this device as remoteBdev
func (d *NVMeDevice) RemoteRef(remoteBdev string, now time.Time) *NVMeDevice {
	ref := *d
	ref.RemoteBdev = remoteBdev
	ref.UpdatedAt = now
	return &ref
}
