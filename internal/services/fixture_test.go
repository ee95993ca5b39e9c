package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshstor/meshstor/internal/agent"
	"github.com/meshstor/meshstor/internal/agent/agenttest"
	"github.com/meshstor/meshstor/internal/clustermap"
	"github.com/meshstor/meshstor/internal/config"
	"github.com/meshstor/meshstor/internal/discovery"
	"github.com/meshstor/meshstor/internal/logging"
	"github.com/meshstor/meshstor/internal/mesh"
	"github.com/meshstor/meshstor/internal/metadata"
	"github.com/meshstor/meshstor/internal/models"
	"github.com/meshstor/meshstor/internal/nodelock"
	"github.com/meshstor/meshstor/internal/onboarding"
	"github.com/meshstor/meshstor/internal/rpc/rpctest"
)

// emitted is one announced status change together with the status the
// store held for the subject at that moment
type emitted struct {
	Kind      string
	ID        string
	Status    string
	Persisted string
}

// recorder is an events.Emitter that logs every event
type recorder struct {
	mu     sync.Mutex
	store  metadata.Manager
	events []emitted
	err    error
}

func (r *recorder) NodeStatusChanged(ctx context.Context, node *models.StorageNode) error {
	persisted := ""
	if n, err := r.store.GetNode(ctx, node.ID); err == nil {
		persisted = string(n.Status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{Kind: "node", ID: node.ID, Status: string(node.Status), Persisted: persisted})
	return r.err
}

func (r *recorder) DeviceStatusChanged(ctx context.Context, node *models.StorageNode, dev *models.NVMeDevice) error {
	persisted := ""
	if n, err := r.store.GetNode(ctx, node.ID); err == nil {
		if d := n.Device(dev.ID); d != nil {
			persisted = string(d.Status)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{Kind: "device", ID: dev.ID, Status: string(dev.Status), Persisted: persisted})
	return r.err
}

// since returns the events recorded from index i on
func (r *recorder) since(i int) []emitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]emitted(nil), r.events[i:]...)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type fixture struct {
	kv      *metadata.MemoryKV
	store   *metadata.KVManager
	volumes *metadata.VolumeRegistry
	fabric  *rpctest.Fabric
	agents  *agenttest.Agents
	events  *recorder
	svc     *NodeService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kv, err := metadata.NewMemoryKV()
	require.NoError(t, err)
	store := metadata.NewKVManager(kv, "/meshstor", time.Minute)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.DefaultConfig()
	cfg.Discovery.SettleDelay = 0
	cfg.Orchestrator.MaxParallel = 4
	cfg.Orchestrator.LockTimeout = 5 * time.Second
	cfg.ClusterMap.Partitions = 32

	logger := logging.NewNop()
	fabric := rpctest.NewFabric()
	agents := agenttest.New()
	locker := nodelock.NewLocalLocker()
	rec := &recorder{store: store}
	volumes := metadata.NewVolumeRegistry(kv, "/meshstor")

	svc := NewNodeService(Deps{
		Store:      store,
		Allocator:  metadata.NewAllocator(kv, "/meshstor"),
		Volumes:    volumes,
		Locker:     locker,
		Agent:      agents,
		Discoverer: discovery.New(agents, fabric, cfg.Discovery, logger),
		Onboarder:  onboarding.New(fabric, cfg.Fabric, cfg.Onboarding, 4, logger),
		Mesh:       mesh.New(fabric, store, locker, cfg.Mesh, cfg.Orchestrator, logger),
		Maps:       clustermap.NewDistributor(fabric, store, clustermap.NewBuilder(cfg.ClusterMap.Partitions, nil), cfg.ClusterMap, 4, logger),
		Events:     rec,
		Logger:     logger,
	}, cfg)

	return &fixture{kv: kv, store: store, volumes: volumes, fabric: fabric, agents: agents, events: rec, svc: svc}
}

func (f *fixture) cluster(t *testing.T, id, haType string) *models.Cluster {
	t.Helper()
	res, err := f.svc.CreateCluster(context.Background(), &models.Cluster{
		ID:               id,
		ModelIDs:         []string{"ModelX"},
		BlockSize:        4096,
		PageSizeInBlocks: 256,
		HAType:           haType,
	})
	require.NoError(t, err)
	return res.Cluster
}

// physical returns n allow-listed devices with serials unique to ip
func physical(ip string, n int) []rpctest.PhysicalDevice {
	out := make([]rpctest.PhysicalDevice, n)
	for i := range out {
		out[i] = rpctest.PhysicalDevice{
			PCIeAddress: fmt.Sprintf("0000:0%d:00.0", i+1),
			Model:       "ModelX",
			Serial:      fmt.Sprintf("%s-S%d", ip, i+1),
			BlockSize:   4096,
			NumBlocks:   1 << 20,
		}
	}
	return out
}

// host sets up the agent and backend of a machine at ip
func (f *fixture) host(ip string, devices ...rpctest.PhysicalDevice) *rpctest.Backend {
	backend := f.fabric.AddBackend(ip+":8080", devices...)
	f.agents.AddHost(ip+":5000", &agenttest.Host{
		Info: agent.HostInfo{
			Hostname:   "host-" + ip,
			Interfaces: []models.IFace{{Name: "eth1", IP: ip, Transport: "tcp", Status: "up", Data: true}},
		},
		Devices: scanOf(devices),
	})
	return backend
}

func scanOf(devices []rpctest.PhysicalDevice) []agent.PCIeDevice {
	out := make([]agent.PCIeDevice, len(devices))
	for i, d := range devices {
		out[i] = agent.PCIeDevice{Address: d.PCIeAddress, VendorID: "8086"}
	}
	return out
}

// rescan replaces the bus scan the agent at ip reports
func (f *fixture) rescan(ip string, devices ...rpctest.PhysicalDevice) {
	h := f.agents.Host(ip + ":5000")
	h.Devices = scanOf(devices)
	f.agents.AddHost(ip+":5000", &h)
}

// addNode joins the machine at ip and requires success
func (f *fixture) addNode(t *testing.T, clusterID, ip string) *models.StorageNode {
	t.Helper()
	res, err := f.svc.AddNode(context.Background(), &AddNodeRequest{ClusterID: clusterID, MgmtIP: ip})
	require.NoError(t, err)
	require.True(t, res.Success)
	return res.Node
}

func (f *fixture) reload(t *testing.T, id string) *models.StorageNode {
	t.Helper()
	n, err := f.store.GetNode(context.Background(), id)
	require.NoError(t, err)
	return n
}
