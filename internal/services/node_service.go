package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/meshstor/meshstor/internal/agent"
	"github.com/meshstor/meshstor/internal/clustermap"
	"github.com/meshstor/meshstor/internal/config"
	"github.com/meshstor/meshstor/internal/discovery"
	"github.com/meshstor/meshstor/internal/events"
	"github.com/meshstor/meshstor/internal/logging"
	"github.com/meshstor/meshstor/internal/mesh"
	"github.com/meshstor/meshstor/internal/metadata"
	"github.com/meshstor/meshstor/internal/models"
	"github.com/meshstor/meshstor/internal/nodelock"
	"github.com/meshstor/meshstor/internal/onboarding"
	"github.com/meshstor/meshstor/internal/utils"
)

// OrderAllocator hands out cluster-wide device orders
type OrderAllocator interface {
	Next(ctx context.Context, clusterID string) (int64, error)
}

// VolumeCounter reports the volumes still placed on a node
type VolumeCounter interface {
	ActiveVolumes(ctx context.Context, nodeID string) (int, error)
}

// Deps are the collaborators of a NodeService
type Deps struct {
	Store      metadata.Manager
	Allocator  OrderAllocator
	Volumes    VolumeCounter
	Locker     nodelock.Locker
	Agent      agent.Client
	Discoverer *discovery.Discoverer
	Onboarder  *onboarding.Onboarder
	Mesh       *mesh.Connector
	Maps       *clustermap.Distributor
	Events     events.Emitter
	Clock      clock.Clock
	Logger     *logging.Logger
}

// Result is the outcome of a successful operation. Warnings list the
// non-fatal failures met on the way, such as a peer that missed a map push.
type Result struct {
	Success  bool                  `json:"success"`
	Message  string                `json:"message"`
	Node     *models.StorageNode   `json:"node,omitempty"`
	Nodes    []*models.StorageNode `json:"nodes,omitempty"`
	Devices  []*models.NVMeDevice  `json:"devices,omitempty"`
	Cluster  *models.Cluster       `json:"cluster,omitempty"`
	Clusters []*models.Cluster     `json:"clusters,omitempty"`
	Skipped  []discovery.Skipped   `json:"skipped,omitempty"`
	Warnings []string              `json:"warnings,omitempty"`
}

func (r *Result) warn(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// NodeService runs node and device lifecycle operations. Operations on one
// node are serialized by its lock; different nodes proceed concurrently.
type NodeService struct {
	store      metadata.Manager
	allocator  OrderAllocator
	volumes    VolumeCounter
	locker     nodelock.Locker
	agent      agent.Client
	discoverer *discovery.Discoverer
	onboarder  *onboarding.Onboarder
	mesh       *mesh.Connector
	maps       *clustermap.Distributor
	events     events.Emitter
	clock      clock.Clock
	logger     *logging.Logger

	agentPort   int
	nqnPrefix   string
	source      discovery.Source
	lockTimeout time.Duration
}

// NewNodeService creates a NodeService
func NewNodeService(deps Deps, cfg *config.Config) *NodeService {
	s := &NodeService{
		store:       deps.Store,
		allocator:   deps.Allocator,
		volumes:     deps.Volumes,
		locker:      deps.Locker,
		agent:       deps.Agent,
		discoverer:  deps.Discoverer,
		onboarder:   deps.Onboarder,
		mesh:        deps.Mesh,
		maps:        deps.Maps,
		events:      deps.Events,
		clock:       deps.Clock,
		logger:      deps.Logger.Component("node-service"),
		agentPort:   cfg.Agent.Port,
		nqnPrefix:   cfg.Fabric.NQNPrefix,
		lockTimeout: cfg.Orchestrator.LockTimeout,
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.agentPort == 0 {
		s.agentPort = utils.AgentDefaultPort
	}
	if cfg.Discovery.UseBackendList {
		s.source = discovery.SourceBackend
	}
	return s
}

// AddNodeRequest describes a node to join
type AddNodeRequest struct {
	ClusterID   string `json:"cluster_id"`
	MgmtIP      string `json:"mgmt_ip"`
	AgentPort   int    `json:"agent_port,omitempty"`
	RPCPort     int    `json:"rpc_port,omitempty"`
	RPCUsername string `json:"rpc_username,omitempty"`
	RPCPassword string `json:"rpc_password,omitempty"`
	// DataInterfaces names the interfaces carrying fabric traffic. When
	// empty the flags reported by the agent are kept.
	DataInterfaces []string             `json:"data_interfaces,omitempty"`
	Backend        agent.BackendOptions `json:"backend"`
}

func (r *AddNodeRequest) validate() *ServiceError {
	if r.ClusterID == "" {
		return validationError("INVALID_REQUEST", "cluster_id is required")
	}
	if net.ParseIP(r.MgmtIP) == nil {
		return validationError("INVALID_REQUEST", "mgmt_ip %q is not an IP address", r.MgmtIP)
	}
	return nil
}

// lockNode takes the node's lock and loads its current record
func (s *NodeService) lockNode(ctx context.Context, nodeID string) (*models.StorageNode, nodelock.Unlock, error) {
	unlock, err := nodelock.LockTimeout(ctx, s.locker, nodeID, s.lockTimeout)
	if err != nil {
		return nil, nil, lockError(nodeID, err)
	}
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		unlock()
		return nil, nil, lookupError("NODE_NOT_FOUND", "node", nodeID, err)
	}
	return node, unlock, nil
}

func (s *NodeService) cluster(ctx context.Context, id string) (*models.Cluster, error) {
	cluster, err := s.store.GetCluster(ctx, id)
	if err != nil {
		return nil, lookupError("CLUSTER_NOT_FOUND", "cluster", id, err)
	}
	return cluster, nil
}

func (s *NodeService) peers(ctx context.Context, clusterID string) ([]*models.StorageNode, error) {
	nodes, err := s.store.ListNodes(ctx, clusterID)
	if err != nil {
		return nil, persistenceError("failed to list nodes of cluster "+clusterID, err)
	}
	return nodes, nil
}

// save persists node
func (s *NodeService) save(ctx context.Context, node *models.StorageNode) error {
	node.UpdatedAt = s.clock.Now().UTC()
	if err := s.store.PutNode(ctx, node); err != nil {
		return persistenceError("failed to persist node "+node.ID, err)
	}
	return nil
}

// setStatus moves node to next if the transition is legal
func (s *NodeService) setStatus(node *models.StorageNode, next models.NodeStatus) error {
	if !node.Status.CanTransition(next) {
		return policyError("ILLEGAL_STATE", "node %s cannot go from %s to %s", node.ID, node.Status, next)
	}
	node.Status = next
	return nil
}

func (s *NodeService) emitNode(ctx context.Context, node *models.StorageNode) {
	if err := s.events.NodeStatusChanged(ctx, node); err != nil {
		s.logger.Warn("Failed to emit node event", "node_id", node.ID, "status", node.Status, "error", err)
	}
}

func (s *NodeService) emitDevice(ctx context.Context, node *models.StorageNode, dev *models.NVMeDevice) {
	if err := s.events.DeviceStatusChanged(ctx, node, dev); err != nil {
		s.logger.Warn("Failed to emit device event", "device_id", dev.ID, "status", dev.Status, "error", err)
	}
}

// refreshMaps pushes fresh maps to the cluster. Failures only warn.
func (s *NodeService) refreshMaps(ctx context.Context, clusterID string, result *Result) {
	report, err := s.maps.Refresh(ctx, clusterID)
	if err != nil {
		s.logger.Warn("Cluster map refresh failed", "cluster_id", clusterID, "error", err)
		result.warn("cluster map refresh failed: %v", err)
		return
	}
	for id, err := range report.Failed {
		result.warn("cluster map push to node %s failed: %v", id, err)
	}
}

// allocateOrders gives every unordered device a cluster-wide order
func (s *NodeService) allocateOrders(ctx context.Context, clusterID string, devices []*models.NVMeDevice) error {
	for _, dev := range devices {
		if dev.ClusterDeviceOrder != models.UnassignedOrder {
			continue
		}
		order, err := s.allocator.Next(ctx, clusterID)
		if err != nil {
			return persistenceError("failed to allocate device order", err)
		}
		dev.ClusterDeviceOrder = order
	}
	return nil
}

func markDataInterfaces(ifaces []models.IFace, names []string) []models.IFace {
	if len(names) == 0 {
		return ifaces
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	out := make([]models.IFace, len(ifaces))
	for i, iface := range ifaces {
		iface.Data = want[iface.Name]
		out[i] = iface
	}
	return out
}

// AddNode joins a new node to a cluster. The node goes online only when
// all of its own devices are onboarded and its cluster map was pushed;
// otherwise it stays in_creation and a BackendRPC error is returned.
func (s *NodeService) AddNode(ctx context.Context, req *AddNodeRequest) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	cluster, err := s.cluster(ctx, req.ClusterID)
	if err != nil {
		return nil, err
	}

	existing, err := s.peers(ctx, cluster.ID)
	if err != nil {
		return nil, err
	}
	for _, n := range existing {
		if n.MgmtIP == req.MgmtIP && n.Status != models.NodeRemoved {
			return nil, policyError("NODE_EXISTS", "node %s already uses %s", n.ID, req.MgmtIP)
		}
	}

	agentPort := req.AgentPort
	if agentPort == 0 {
		agentPort = s.agentPort
	}
	rpcPort := req.RPCPort
	if rpcPort == 0 {
		rpcPort = utils.RPCDefaultPort
	}
	agentAddr := net.JoinHostPort(req.MgmtIP, strconv.Itoa(agentPort))

	info, err := s.agent.HostInfo(ctx, agentAddr)
	if err != nil {
		return nil, rpcError("AGENT_FAILED", "failed to query node agent at "+agentAddr, err)
	}

	nodeID := uuid.New().String()
	unlock, err := nodelock.LockTimeout(ctx, s.locker, nodeID, s.lockTimeout)
	if err != nil {
		return nil, lockError(nodeID, err)
	}
	defer unlock()

	prefix := cluster.NQNPrefix
	if prefix == "" {
		prefix = s.nqnPrefix
	}
	now := s.clock.Now().UTC()
	node := &models.StorageNode{
		ID:           nodeID,
		ClusterID:    cluster.ID,
		Hostname:     info.Hostname,
		MgmtIP:       req.MgmtIP,
		AgentAddress: agentAddr,
		RPCAddress:   net.JoinHostPort(req.MgmtIP, strconv.Itoa(rpcPort)),
		RPCUsername:  req.RPCUsername,
		RPCPassword:  req.RPCPassword,
		SubsystemNQN: prefix + ":" + nodeID,
		Status:       models.NodeInCreation,
		Interfaces:   markDataInterfaces(info.Interfaces, req.DataInterfaces),
		CreatedAt:    now,
	}
	log := s.logger.WithContext(ctx).With("node_id", nodeID, "cluster_id", cluster.ID)
	log.Info("Adding node", "hostname", info.Hostname, "mgmt_ip", req.MgmtIP)

	if err := s.save(ctx, node); err != nil {
		return nil, err
	}
	s.emitNode(ctx, node)

	if err := s.agent.StartBackend(ctx, agentAddr, req.Backend); err != nil {
		return nil, rpcError("BACKEND_START_FAILED", "failed to start backend on node "+nodeID, err)
	}

	result := &Result{Node: node}
	found, err := s.discoverer.Discover(ctx, discovery.Request{
		Node:         node,
		Cluster:      cluster,
		Known:        node.KnownPCIe(),
		BaseSequence: len(node.NVMeDevices),
		Source:       s.source,
	})
	if err != nil {
		return nil, rpcError("DISCOVERY_FAILED", "device discovery failed on node "+nodeID, err)
	}
	result.Skipped = found.Skipped

	if err := s.allocateOrders(ctx, cluster.ID, found.Devices); err != nil {
		return nil, err
	}
	node.NVMeDevices = append(node.NVMeDevices, found.Devices...)
	if err := s.save(ctx, node); err != nil {
		return nil, err
	}

	if err := s.join(ctx, cluster, node, result); err != nil {
		return nil, err
	}
	result.Success = true
	result.Message = fmt.Sprintf("node %s added with %d devices", nodeID, len(node.NVMeDevices))
	result.Devices = node.NVMeDevices
	log.Info("Node added", "devices", len(node.NVMeDevices), "warnings", len(result.Warnings))
	return result, nil
}

// join onboards node's pending devices, meshes it with its peers, pushes
// the maps and brings it online. Shared by add and restart.
func (s *NodeService) join(ctx context.Context, cluster *models.Cluster, node *models.StorageNode, result *Result) error {
	before := make(map[string]models.DeviceStatus, len(node.NVMeDevices))
	for _, dev := range node.NVMeDevices {
		before[dev.ID] = dev.Status
	}

	report, err := s.onboarder.Onboard(ctx, node, node.NVMeDevices)
	if err != nil {
		return rpcError("ONBOARDING_FAILED", "onboarding failed on node "+node.ID, err)
	}
	if err := s.save(ctx, node); err != nil {
		return err
	}
	for _, dev := range node.NVMeDevices {
		if dev.Status == models.DeviceOnline && before[dev.ID] != models.DeviceOnline {
			s.emitDevice(ctx, node, dev)
		}
	}
	if err := report.Err(); err != nil {
		se := rpcError("ONBOARDING_FAILED", fmt.Sprintf("%d devices failed onboarding on node %s", len(report.Failed), node.ID), err)
		for id := range report.Failed {
			se.WithDetail(id, report.Failed[id].Error())
		}
		return se
	}

	// Joins of one cluster take turns from the peer snapshot until online,
	// so each one meshes with every node that joined before it.
	release, err := s.locker.Lock(ctx, nodelock.JoinKey(cluster.ID))
	if err != nil {
		if errors.Is(err, nodelock.ErrLockTimeout) {
			return policyError("CLUSTER_BUSY", "cluster %s has another join in progress", cluster.ID)
		}
		return persistenceError("failed to lock joins of cluster "+cluster.ID, err)
	}
	defer release()

	peers, err := s.peers(ctx, cluster.ID)
	if err != nil {
		return err
	}
	meshReport := s.mesh.ConnectNode(ctx, node, peers)
	for _, f := range meshReport.Failures {
		result.warn("mesh: node %s could not connect device %s: %v", f.HolderID, f.DeviceID, f.Err)
	}
	if err := s.save(ctx, node); err != nil {
		return err
	}

	distReport, err := s.maps.DistributeJoin(ctx, cluster, node, peers)
	if err != nil {
		return rpcError("MAP_PUSH_FAILED", "failed to push cluster map to node "+node.ID, err)
	}
	for id, err := range distReport.Failed {
		result.warn("cluster map push to node %s failed: %v", id, err)
	}

	if err := s.setStatus(node, models.NodeOnline); err != nil {
		return err
	}
	if err := s.save(ctx, node); err != nil {
		return err
	}
	s.emitNode(ctx, node)
	return nil
}

// RestartNode restarts a node's backend and reconciles its devices by
// serial number: known devices found again keep their records and chain
// handles, known devices missing are removed and new ones are appended.
// Pending devices are then onboarded and the node rejoins as in AddNode.
// A failure leaves the node restarting; calling RestartNode again retries.
func (s *NodeService) RestartNode(ctx context.Context, nodeID string) (*Result, error) {
	node, unlock, err := s.lockNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	switch node.Status {
	case models.NodeOnline, models.NodeOffline, models.NodeInCreation, models.NodeRestarting:
	default:
		return nil, policyError("ILLEGAL_STATE", "node %s cannot restart from %s", node.ID, node.Status)
	}
	cluster, err := s.cluster(ctx, node.ClusterID)
	if err != nil {
		return nil, err
	}
	log := s.logger.WithContext(ctx).With("node_id", node.ID)
	log.Info("Restarting node", "from", node.Status)

	if err := s.setStatus(node, models.NodeRestarting); err != nil {
		return nil, err
	}
	if err := s.save(ctx, node); err != nil {
		return nil, err
	}
	s.emitNode(ctx, node)

	if err := s.agent.StartBackend(ctx, node.AgentAddress, agent.BackendOptions{}); err != nil {
		return nil, rpcError("BACKEND_START_FAILED", "failed to start backend on node "+node.ID, err)
	}

	found, err := s.discoverer.Discover(ctx, discovery.Request{
		Node:         node,
		Cluster:      cluster,
		BaseSequence: len(node.NVMeDevices),
		Source:       s.source,
	})
	if err != nil {
		return nil, rpcError("DISCOVERY_FAILED", "device discovery failed on node "+node.ID, err)
	}

	result := &Result{Node: node, Skipped: found.Skipped}
	gone, added := s.reconcile(node, found.Devices)
	if err := s.allocateOrders(ctx, cluster.ID, added); err != nil {
		return nil, err
	}
	for _, dev := range gone {
		s.emitDevice(ctx, node, dev)
	}
	if err := s.save(ctx, node); err != nil {
		return nil, err
	}

	if len(gone) > 0 {
		peers, err := s.peers(ctx, cluster.ID)
		if err != nil {
			return nil, err
		}
		for _, dev := range gone {
			rep := s.mesh.DisconnectDevice(ctx, dev, peers, true)
			for _, f := range rep.Failures {
				result.warn("mesh: node %s could not detach device %s: %v", f.HolderID, f.DeviceID, f.Err)
			}
		}
	}

	if err := s.join(ctx, cluster, node, result); err != nil {
		return nil, err
	}
	result.Success = true
	result.Message = fmt.Sprintf("node %s restarted: %d devices removed, %d added", node.ID, len(gone), len(added))
	result.Devices = node.NVMeDevices
	log.Info("Node restarted", "removed", len(gone), "added", len(added))
	return result, nil
}

// reconcile merges a fresh discovery into node by serial number. It returns
// the devices marked removed and the devices appended.
func (s *NodeService) reconcile(node *models.StorageNode, discovered []*models.NVMeDevice) (gone, added []*models.NVMeDevice) {
	found := make(map[string]bool, len(discovered))
	for _, dev := range discovered {
		known := node.DeviceBySerial(dev.Serial)
		if known == nil {
			added = append(added, dev)
			continue
		}
		if known.NvmeBdev == "" {
			known.NvmeBdev = dev.NvmeBdev
		}
		found[known.ID] = true
	}

	now := s.clock.Now().UTC()
	kept := node.NVMeDevices[:0]
	for _, dev := range node.NVMeDevices {
		switch {
		case dev.Status == models.DeviceRemoved || found[dev.ID]:
		case dev.Status == models.DeviceNew:
			s.logger.Info("Dropping missing device that never came online", "node_id", node.ID, "device_id", dev.ID)
			continue
		default:
			_ = dev.SetStatus(models.DeviceRemoved, now)
			gone = append(gone, dev)
		}
		kept = append(kept, dev)
	}
	node.NVMeDevices = kept

	for _, dev := range added {
		dev.SequentialNumber = len(node.NVMeDevices)
		node.NVMeDevices = append(node.NVMeDevices, dev)
	}
	return gone, added
}
