package models

import (
	"net"
	"time"
)

// IFace is a network interface of a storage node
type IFace struct {
	Name      string `json:"name"`
	IP        string `json:"ip"`
	Transport string `json:"transport"` // tcp or rdma
	Status    string `json:"status"`    // up or down
	Data      bool   `json:"data"`      // carries fabric traffic
}

// IsDataIPv4 reports whether the interface can host a fabric listener
func (i IFace) IsDataIPv4() bool {
	if !i.Data || i.Status != "up" {
		return false
	}
	ip := net.ParseIP(i.IP)
	return ip != nil && ip.To4() != nil
}

// StorageNode is a host that contributes NVMe devices to a cluster.
// It is the sole owner of its NVMeDevices; RemoteDevices are non-owning
// references to other nodes' devices, at most one per device id.
type StorageNode struct {
	ID            string        `json:"id"`
	ClusterID     string        `json:"cluster_id"`
	Hostname      string        `json:"hostname"`
	MgmtIP        string        `json:"mgmt_ip"`
	AgentAddress  string        `json:"agent_address"`
	RPCAddress    string        `json:"rpc_address"`
	RPCUsername   string        `json:"rpc_username,omitempty"`
	RPCPassword   string        `json:"rpc_password,omitempty"`
	SubsystemNQN  string        `json:"subsystem_nqn"`
	Status        NodeStatus    `json:"status"`
	NVMeDevices   []*NVMeDevice `json:"nvme_devices"`
	RemoteDevices []*NVMeDevice `json:"remote_devices"`
	Interfaces    []IFace       `json:"interfaces"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// FirstDataIFace returns the first up data interface with an IPv4 address
func (n *StorageNode) FirstDataIFace() (IFace, bool) {
	for _, iface := range n.Interfaces {
		if iface.IsDataIPv4() {
			return iface, true
		}
	}
	return IFace{}, false
}

// Device returns the owned device with the given id
func (n *StorageNode) Device(id string) *NVMeDevice {
	for _, d := range n.NVMeDevices {
		if d.ID == id {
			return d
		}
	}
	return nil
}

// DeviceBySerial returns the owned device with the given serial number.
// Removed records are skipped so a re-plugged device is seen as new.
func (n *StorageNode) DeviceBySerial(serial string) *NVMeDevice {
	for _, d := range n.NVMeDevices {
		if d.Serial == serial && d.Status != DeviceRemoved {
			return d
		}
	}
	return nil
}

// OnlineDevices returns owned devices with status online
func (n *StorageNode) OnlineDevices() []*NVMeDevice {
	var out []*NVMeDevice
	for _, d := range n.NVMeDevices {
		if d.Status == DeviceOnline {
			out = append(out, d)
		}
	}
	return out
}

// RemoteDevice returns the reference held for a device owned elsewhere
func (n *StorageNode) RemoteDevice(deviceID string) *NVMeDevice {
	for _, d := range n.RemoteDevices {
		if d.ID == deviceID {
			return d
		}
	}
	return nil
}

// SetRemoteDevice records ref, replacing any stale entry for the same device id
func (n *StorageNode) SetRemoteDevice(ref *NVMeDevice) {
	for i, d := range n.RemoteDevices {
		if d.ID == ref.ID {
			n.RemoteDevices[i] = ref
			return
		}
	}
	n.RemoteDevices = append(n.RemoteDevices, ref)
}

// DropRemoteDevice forgets the reference for a device id
func (n *StorageNode) DropRemoteDevice(deviceID string) bool {
	for i, d := range n.RemoteDevices {
		if d.ID == deviceID {
			n.RemoteDevices = append(n.RemoteDevices[:i], n.RemoteDevices[i+1:]...)
			return true
		}
	}
	return false
}

// KnownPCIe returns the set of PCIe addresses already owned by the node
func (n *StorageNode) KnownPCIe() map[string]struct{} {
	out := make(map[string]struct{}, len(n.NVMeDevices))
	for _, d := range n.NVMeDevices {
		if d.PCIeAddress != "" && d.Status != DeviceRemoved {
			out[d.PCIeAddress] = struct{}{}
		}
	}
	return out
}
