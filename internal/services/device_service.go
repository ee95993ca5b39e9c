package services

import (
	"context"
	"fmt"

	"github.com/meshstor/meshstor/internal/discovery"
	"github.com/meshstor/meshstor/internal/models"
)

// lockDevice locates a device, takes its owner's lock and reloads the owner
func (s *NodeService) lockDevice(ctx context.Context, deviceID string) (*models.StorageNode, *models.NVMeDevice, func(), error) {
	owner, _, err := s.store.FindDevice(ctx, deviceID)
	if err != nil {
		return nil, nil, nil, lookupError("DEVICE_NOT_FOUND", "device", deviceID, err)
	}
	node, unlock, err := s.lockNode(ctx, owner.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	dev := node.Device(deviceID)
	if dev == nil {
		unlock()
		return nil, nil, nil, validationError("DEVICE_NOT_FOUND", "device %s not found", deviceID)
	}
	return node, dev, unlock, nil
}

// connectDevices makes the online peers of node attach each device
func (s *NodeService) connectDevices(ctx context.Context, node *models.StorageNode, devices []*models.NVMeDevice, result *Result) error {
	if len(devices) == 0 {
		return nil
	}
	peers, err := s.peers(ctx, node.ClusterID)
	if err != nil {
		return err
	}
	for _, dev := range devices {
		rep := s.mesh.ConnectDevice(ctx, dev, peers)
		for _, f := range rep.Failures {
			result.warn("mesh: node %s could not connect device %s: %v", f.HolderID, f.DeviceID, f.Err)
		}
	}
	return nil
}

// AddDevice brings devices of an online node into the cluster. With an
// empty deviceID newly attached hardware is discovered and onboarded;
// otherwise onboarding of that device, which must still be new, is retried.
func (s *NodeService) AddDevice(ctx context.Context, nodeID, deviceID string) (*Result, error) {
	node, unlock, err := s.lockNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if node.Status != models.NodeOnline {
		return nil, policyError("ILLEGAL_STATE", "node %s is %s, devices can only be added to online nodes", node.ID, node.Status)
	}
	cluster, err := s.cluster(ctx, node.ClusterID)
	if err != nil {
		return nil, err
	}

	result := &Result{Node: node}
	var pending []*models.NVMeDevice
	if deviceID != "" {
		dev := node.Device(deviceID)
		if dev == nil {
			return nil, validationError("DEVICE_NOT_FOUND", "device %s not found on node %s", deviceID, node.ID)
		}
		if dev.Status != models.DeviceNew {
			return nil, policyError("ILLEGAL_STATE", "device %s is %s, only new devices can be onboarded", dev.ID, dev.Status)
		}
		pending = append(pending, dev)
	} else {
		found, err := s.discoverer.Discover(ctx, discovery.Request{
			Node:         node,
			Cluster:      cluster,
			Known:        node.KnownPCIe(),
			BaseSequence: len(node.NVMeDevices),
			Source:       s.source,
		})
		if err != nil {
			return nil, rpcError("DISCOVERY_FAILED", "device discovery failed on node "+node.ID, err)
		}
		result.Skipped = found.Skipped
		if len(found.Devices) == 0 {
			result.Success = true
			result.Message = fmt.Sprintf("no new devices found on node %s", node.ID)
			return result, nil
		}
		if err := s.allocateOrders(ctx, cluster.ID, found.Devices); err != nil {
			return nil, err
		}
		node.NVMeDevices = append(node.NVMeDevices, found.Devices...)
		if err := s.save(ctx, node); err != nil {
			return nil, err
		}
		pending = found.Devices
	}

	report, err := s.onboarder.Onboard(ctx, node, pending)
	if err != nil {
		return nil, rpcError("ONBOARDING_FAILED", "onboarding failed on node "+node.ID, err)
	}
	if err := s.save(ctx, node); err != nil {
		return nil, err
	}
	var online []*models.NVMeDevice
	for _, dev := range pending {
		if dev.Status == models.DeviceOnline {
			s.emitDevice(ctx, node, dev)
			online = append(online, dev)
		}
	}

	if err := s.connectDevices(ctx, node, online, result); err != nil {
		return nil, err
	}
	s.refreshMaps(ctx, cluster.ID, result)

	result.Devices = pending
	if err := report.Err(); err != nil {
		se := rpcError("ONBOARDING_FAILED", fmt.Sprintf("%d of %d devices failed onboarding on node %s", len(report.Failed), len(pending), node.ID), err)
		for id, ferr := range report.Failed {
			se.WithDetail(id, ferr.Error())
		}
		return nil, se
	}
	result.Success = true
	result.Message = fmt.Sprintf("%d devices added to node %s", len(online), node.ID)
	s.logger.Info("Devices added", "node_id", node.ID, "devices", len(online))
	return result, nil
}

// RemoveDevice retires one device. Peers detach it and its owner deletes
// its chain. A device that never went online is forgotten outright.
func (s *NodeService) RemoveDevice(ctx context.Context, deviceID string) (*Result, error) {
	node, dev, unlock, err := s.lockDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.removeDevice(ctx, node, dev)
}

func (s *NodeService) removeDevice(ctx context.Context, node *models.StorageNode, dev *models.NVMeDevice) (*Result, error) {
	log := s.logger.WithContext(ctx).With("node_id", node.ID, "device_id", dev.ID)
	result := &Result{Node: node}

	switch dev.Status {
	case models.DeviceRemoved:
		return nil, policyError("ILLEGAL_STATE", "device %s is already removed", dev.ID)
	case models.DeviceNew:
		if err := s.onboarder.Dismantle(ctx, node, dev); err != nil {
			log.Warn("Failed to delete partial chain of new device", "error", err)
			result.warn("chain cleanup failed: %v", err)
		}
		s.dropDevice(node, dev.ID)
		if err := s.save(ctx, node); err != nil {
			return nil, err
		}
		result.Success = true
		result.Message = fmt.Sprintf("device %s dropped", dev.ID)
		log.Info("Dropped device that never came online")
		return result, nil
	}

	if err := dev.SetStatus(models.DeviceRemoved, s.clock.Now().UTC()); err != nil {
		return nil, policyError("ILLEGAL_STATE", "%v", err)
	}
	s.emitDevice(ctx, node, dev)

	peers, err := s.peers(ctx, node.ClusterID)
	if err != nil {
		return nil, err
	}
	rep := s.mesh.DisconnectDevice(ctx, dev, peers, true)
	for _, f := range rep.Failures {
		result.warn("mesh: node %s could not detach device %s: %v", f.HolderID, f.DeviceID, f.Err)
	}

	if node.Status == models.NodeOnline || node.Status == models.NodeSuspended {
		if err := s.onboarder.Dismantle(ctx, node, dev); err != nil {
			log.Warn("Failed to delete device chain", "error", err)
			result.warn("chain cleanup failed: %v", err)
		}
	}

	if err := s.save(ctx, node); err != nil {
		return nil, err
	}
	s.refreshMaps(ctx, node.ClusterID, result)

	result.Success = true
	result.Message = fmt.Sprintf("device %s removed", dev.ID)
	result.Devices = []*models.NVMeDevice{dev}
	log.Info("Device removed")
	return result, nil
}

func (s *NodeService) dropDevice(node *models.StorageNode, deviceID string) {
	for i, d := range node.NVMeDevices {
		if d.ID == deviceID {
			node.NVMeDevices = append(node.NVMeDevices[:i], node.NVMeDevices[i+1:]...)
			return
		}
	}
}

// SetDeviceStatus applies a validated status change to one device. Going
// to removed runs the full device removal. A device only comes online on an
// online node, and one whose chain is incomplete is onboarded first.
func (s *NodeService) SetDeviceStatus(ctx context.Context, deviceID string, status models.DeviceStatus) (*Result, error) {
	if !status.Valid() {
		return nil, validationError("INVALID_STATUS", "unknown device status %q", status)
	}
	node, dev, unlock, err := s.lockDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if status == models.DeviceRemoved {
		return s.removeDevice(ctx, node, dev)
	}

	result := &Result{Node: node, Devices: []*models.NVMeDevice{dev}}
	if dev.Status == status {
		result.Success = true
		result.Message = fmt.Sprintf("device %s is already %s", dev.ID, status)
		return result, nil
	}
	if status == models.DeviceOnline && node.Status != models.NodeOnline {
		return nil, policyError("ILLEGAL_STATE", "node %s is %s, devices can only come online on online nodes", node.ID, node.Status)
	}
	if !dev.Status.CanTransition(status) {
		return nil, policyError("ILLEGAL_STATE", "device %s cannot go from %s to %s", dev.ID, dev.Status, status)
	}

	prev := dev.Status
	if status == models.DeviceOnline && dev.Stage != models.StageOnline {
		if err := s.completeChain(ctx, node, dev); err != nil {
			return nil, err
		}
	} else if err := dev.SetStatus(status, s.clock.Now().UTC()); err != nil {
		return nil, policyError("ILLEGAL_STATE", "%v", err)
	}

	if status == models.DeviceOnline {
		if err := s.save(ctx, node); err != nil {
			return nil, err
		}
		s.emitDevice(ctx, node, dev)
		if node.Status == models.NodeOnline {
			if err := s.connectDevices(ctx, node, []*models.NVMeDevice{dev}, result); err != nil {
				return nil, err
			}
		}
	} else {
		s.emitDevice(ctx, node, dev)
		if err := s.save(ctx, node); err != nil {
			return nil, err
		}
	}

	s.refreshMaps(ctx, node.ClusterID, result)
	result.Success = true
	result.Message = fmt.Sprintf("device %s is %s", dev.ID, status)
	s.logger.Info("Device status changed", "device_id", dev.ID, "from", prev, "to", status)
	return result, nil
}

// completeChain finishes the bdev chain of a device whose onboarding stopped
// short, which brings it online. Progress is persisted even when a stage
// fails again.
func (s *NodeService) completeChain(ctx context.Context, node *models.StorageNode, dev *models.NVMeDevice) error {
	report, err := s.onboarder.Onboard(ctx, node, []*models.NVMeDevice{dev})
	if err != nil {
		return rpcError("ONBOARDING_FAILED", "onboarding failed on node "+node.ID, err)
	}
	if err := report.Err(); err != nil {
		if serr := s.save(ctx, node); serr != nil {
			return serr
		}
		return rpcError("ONBOARDING_FAILED", fmt.Sprintf("device %s could not finish onboarding at stage %s", dev.ID, dev.Stage), err)
	}
	return nil
}

// ReportStatus applies a device health report. Reports that can never
// apply, such as an unknown device or an illegal transition, are accepted
// and logged so they are not redelivered.
func (s *NodeService) ReportStatus(ctx context.Context, deviceID string, status models.DeviceStatus) error {
	_, err := s.SetDeviceStatus(ctx, deviceID, status)
	if err != nil && (IsKind(err, KindValidation) || (IsKind(err, KindPolicy) && !isBusy(err))) {
		s.logger.Warn("Ignoring device report", "device_id", deviceID, "status", status, "error", err)
		return nil
	}
	return err
}

// ListDevices returns the devices owned by a node
func (s *NodeService) ListDevices(ctx context.Context, nodeID string) (*Result, error) {
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, lookupError("NODE_NOT_FOUND", "node", nodeID, err)
	}
	return &Result{
		Success: true,
		Message: fmt.Sprintf("%d devices on node %s", len(node.NVMeDevices), node.ID),
		Node:    node,
		Devices: node.NVMeDevices,
	}, nil
}
