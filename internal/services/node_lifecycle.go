package services

import (
	"context"
	"fmt"

	"github.com/meshstor/meshstor/internal/models"
	"github.com/meshstor/meshstor/internal/utils"
)

// checkQuorum refuses to take node out of service when an HA cluster would
// drop to or below its minimum of online nodes
func (s *NodeService) checkQuorum(ctx context.Context, cluster *models.Cluster, node *models.StorageNode) error {
	if cluster.HAType != models.HATypeHA {
		return nil
	}
	min := cluster.MinOnlineNodes
	if min == 0 {
		min = utils.DefaultMinOnlineNodes
	}
	nodes, err := s.peers(ctx, cluster.ID)
	if err != nil {
		return err
	}
	online := 0
	for _, n := range nodes {
		if n.Status == models.NodeOnline {
			online++
		}
	}
	if online <= min {
		return policyError("HA_QUORUM", "cluster %s has %d online nodes and needs more than %d to suspend node %s without force",
			cluster.ID, online, min, node.ID).
			WithDetail("online_nodes", online).
			WithDetail("min_online_nodes", min)
	}
	return nil
}

// markDevices moves every device in one of from to next. With emitFirst
// each event is sent as the device changes, before anything is persisted;
// otherwise the changed devices are returned for the caller to announce
// after its write.
func (s *NodeService) markDevices(ctx context.Context, node *models.StorageNode, next models.DeviceStatus, emitFirst bool, from ...models.DeviceStatus) []*models.NVMeDevice {
	now := s.clock.Now().UTC()
	var changed []*models.NVMeDevice
	for _, dev := range node.NVMeDevices {
		if !containsStatus(from, dev.Status) {
			continue
		}
		if err := dev.SetStatus(next, now); err != nil {
			s.logger.Warn("Skipping device status change", "device_id", dev.ID, "error", err)
			continue
		}
		if emitFirst {
			s.emitDevice(ctx, node, dev)
		}
		changed = append(changed, dev)
	}
	return changed
}

func containsStatus(list []models.DeviceStatus, s models.DeviceStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// SuspendNode takes an online node out of service. Its devices become
// unavailable and its peers keep their connections.
func (s *NodeService) SuspendNode(ctx context.Context, nodeID string, force bool) (*Result, error) {
	node, unlock, err := s.lockNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if node.Status != models.NodeOnline {
		return nil, policyError("ILLEGAL_STATE", "node %s is %s, only online nodes can be suspended", node.ID, node.Status)
	}
	cluster, err := s.cluster(ctx, node.ClusterID)
	if err != nil {
		return nil, err
	}
	if !force {
		if err := s.checkQuorum(ctx, cluster, node); err != nil {
			return nil, err
		}
	}

	s.markDevices(ctx, node, models.DeviceUnavailable, true, models.DeviceOnline, models.DeviceResetting)
	if err := s.setStatus(node, models.NodeSuspended); err != nil {
		return nil, err
	}
	s.emitNode(ctx, node)
	if err := s.save(ctx, node); err != nil {
		return nil, err
	}

	result := &Result{Success: true, Message: fmt.Sprintf("node %s suspended", node.ID), Node: node}
	s.refreshMaps(ctx, node.ClusterID, result)
	s.logger.Info("Node suspended", "node_id", node.ID, "force", force)
	return result, nil
}

// ResumeNode brings a suspended node back online
func (s *NodeService) ResumeNode(ctx context.Context, nodeID string) (*Result, error) {
	node, unlock, err := s.lockNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if node.Status != models.NodeSuspended {
		return nil, policyError("ILLEGAL_STATE", "node %s is %s, only suspended nodes can be resumed", node.ID, node.Status)
	}

	changed := s.markDevices(ctx, node, models.DeviceOnline, false, models.DeviceUnavailable)
	if err := s.save(ctx, node); err != nil {
		return nil, err
	}
	for _, dev := range changed {
		s.emitDevice(ctx, node, dev)
	}

	if err := s.setStatus(node, models.NodeOnline); err != nil {
		return nil, err
	}
	if err := s.save(ctx, node); err != nil {
		return nil, err
	}
	s.emitNode(ctx, node)

	result := &Result{Success: true, Message: fmt.Sprintf("node %s resumed", node.ID), Node: node}
	s.refreshMaps(ctx, node.ClusterID, result)
	s.logger.Info("Node resumed", "node_id", node.ID, "devices", len(changed))
	return result, nil
}

// ShutdownNode stops a suspended node's backend and takes it offline.
// With force any node not yet offline is shut down and a failure to stop
// the backend is tolerated.
func (s *NodeService) ShutdownNode(ctx context.Context, nodeID string, force bool) (*Result, error) {
	node, unlock, err := s.lockNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	switch {
	case node.Status == models.NodeOffline || node.Status == models.NodeRemoved:
		return nil, policyError("ILLEGAL_STATE", "node %s is already %s", node.ID, node.Status)
	case node.Status != models.NodeSuspended && !force:
		return nil, policyError("ILLEGAL_STATE", "node %s is %s, suspend it first or force", node.ID, node.Status)
	}
	log := s.logger.WithContext(ctx).With("node_id", node.ID)
	log.Info("Shutting down node", "from", node.Status, "force", force)

	if err := s.setStatus(node, models.NodeInShutdown); err != nil {
		return nil, err
	}
	s.emitNode(ctx, node)
	if err := s.save(ctx, node); err != nil {
		return nil, err
	}

	s.markDevices(ctx, node, models.DeviceUnavailable, true, models.DeviceOnline, models.DeviceResetting)
	if err := s.save(ctx, node); err != nil {
		return nil, err
	}

	result := &Result{Node: node}
	peers, err := s.peers(ctx, node.ClusterID)
	if err != nil {
		return nil, err
	}
	rep := s.mesh.DisconnectNode(ctx, node, peers, false)
	for _, f := range rep.Failures {
		result.warn("mesh: node %s could not detach device %s: %v", f.HolderID, f.DeviceID, f.Err)
	}

	if err := s.agent.StopBackend(ctx, node.AgentAddress); err != nil {
		if !force {
			return nil, rpcError("BACKEND_STOP_FAILED", "failed to stop backend on node "+node.ID, err)
		}
		log.Warn("Backend stop failed, continuing forced shutdown", "error", err)
		result.warn("backend stop failed: %v", err)
	}

	if err := s.setStatus(node, models.NodeOffline); err != nil {
		return nil, err
	}
	s.emitNode(ctx, node)
	if err := s.save(ctx, node); err != nil {
		return nil, err
	}

	s.refreshMaps(ctx, node.ClusterID, result)
	result.Success = true
	result.Message = fmt.Sprintf("node %s is offline", node.ID)
	log.Info("Node shut down")
	return result, nil
}

// RemoveNode retires a node. The record is kept with status removed.
// Without force a node still holding volumes is refused.
func (s *NodeService) RemoveNode(ctx context.Context, nodeID string, force bool) (*Result, error) {
	node, unlock, err := s.lockNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if node.Status == models.NodeRemoved {
		return nil, policyError("ILLEGAL_STATE", "node %s is already removed", node.ID)
	}
	if !force {
		count, err := s.volumes.ActiveVolumes(ctx, node.ID)
		if err != nil {
			return nil, persistenceError("failed to count volumes on node "+node.ID, err)
		}
		if count > 0 {
			return nil, policyError("NODE_NOT_EMPTY", "node %s still holds %d volumes", node.ID, count).
				WithDetail("volumes", count)
		}
	}
	log := s.logger.WithContext(ctx).With("node_id", node.ID)
	log.Info("Removing node", "from", node.Status, "force", force)

	result := &Result{Node: node}
	peers, err := s.peers(ctx, node.ClusterID)
	if err != nil {
		return nil, err
	}
	// Peers of an offline node have already detached; this only forgets
	// their references.
	rep := s.mesh.DisconnectNode(ctx, node, peers, true)
	for _, f := range rep.Failures {
		result.warn("mesh: node %s could not detach device %s: %v", f.HolderID, f.DeviceID, f.Err)
	}

	if node.Status != models.NodeOffline {
		if err := s.agent.StopBackend(ctx, node.AgentAddress); err != nil {
			log.Warn("Backend stop failed during remove", "error", err)
			result.warn("backend stop failed: %v", err)
		}
	}

	now := s.clock.Now().UTC()
	kept := node.NVMeDevices[:0]
	for _, dev := range node.NVMeDevices {
		switch dev.Status {
		case models.DeviceNew:
			continue
		case models.DeviceRemoved:
		default:
			_ = dev.SetStatus(models.DeviceRemoved, now)
			s.emitDevice(ctx, node, dev)
		}
		kept = append(kept, dev)
	}
	node.NVMeDevices = kept
	node.RemoteDevices = nil

	if err := s.setStatus(node, models.NodeRemoved); err != nil {
		return nil, err
	}
	s.emitNode(ctx, node)
	if err := s.save(ctx, node); err != nil {
		return nil, err
	}

	s.refreshMaps(ctx, node.ClusterID, result)
	result.Success = true
	result.Message = fmt.Sprintf("node %s removed", node.ID)
	log.Info("Node removed")
	return result, nil
}

// ListNodes returns the nodes of a cluster, or of every cluster when
// clusterID is empty. Removed nodes are left out unless includeRemoved.
func (s *NodeService) ListNodes(ctx context.Context, clusterID string, includeRemoved bool) (*Result, error) {
	if clusterID != "" {
		if _, err := s.cluster(ctx, clusterID); err != nil {
			return nil, err
		}
	}
	nodes, err := s.peers(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.StorageNode, 0, len(nodes))
	for _, n := range nodes {
		if n.Status == models.NodeRemoved && !includeRemoved {
			continue
		}
		out = append(out, n)
	}
	return &Result{Success: true, Message: fmt.Sprintf("%d nodes", len(out)), Nodes: out}, nil
}

// GetNode returns one node
func (s *NodeService) GetNode(ctx context.Context, nodeID string) (*Result, error) {
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, lookupError("NODE_NOT_FOUND", "node", nodeID, err)
	}
	return &Result{Success: true, Message: "node " + node.ID, Node: node}, nil
}
