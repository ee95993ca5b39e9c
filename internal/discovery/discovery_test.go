package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshstor/meshstor/internal/agent"
	"github.com/meshstor/meshstor/internal/agent/agenttest"
	"github.com/meshstor/meshstor/internal/config"
	"github.com/meshstor/meshstor/internal/logging"
	"github.com/meshstor/meshstor/internal/models"
	"github.com/meshstor/meshstor/internal/rpc"
	"github.com/meshstor/meshstor/internal/rpc/rpctest"
)

const (
	agentAddr = "10.0.0.1:5000"
	rpcAddr   = "10.0.0.1:8080"
)

func testCluster() *models.Cluster {
	return &models.Cluster{
		ID:               "c1",
		ModelIDs:         []string{"ModelX"},
		BlockSize:        4096,
		PageSizeInBlocks: 256, // 1MiB partitions
		HAType:           models.HATypeSingle,
	}
}

func testNode() *models.StorageNode {
	return &models.StorageNode{ID: "n1", ClusterID: "c1", AgentAddress: agentAddr, RPCAddress: rpcAddr}
}

type fixture struct {
	agents  *agenttest.Agents
	backend *rpctest.Backend
	disc    *Discoverer
}

func newFixture(t *testing.T, devices []rpctest.PhysicalDevice, pcie []agent.PCIeDevice, cfg config.DiscoveryConfig, opts ...Option) *fixture {
	t.Helper()
	fabric := rpctest.NewFabric()
	backend := fabric.AddBackend(rpcAddr, devices...)

	agents := agenttest.New()
	agents.AddHost(agentAddr, &agenttest.Host{Info: agent.HostInfo{Hostname: "node-1"}, Devices: pcie})

	return &fixture{
		agents:  agents,
		backend: backend,
		disc:    New(agents, fabric, cfg, logging.NewNop(), opts...),
	}
}

func TestDiscover_ModelAllowList(t *testing.T) {
	f := newFixture(t,
		[]rpctest.PhysicalDevice{
			{PCIeAddress: "0000:01:00.0", Model: "ModelX", Serial: "SX", BlockSize: 4096, NumBlocks: 1 << 20},
			{PCIeAddress: "0000:02:00.0", Model: "ModelY", Serial: "SY", BlockSize: 4096, NumBlocks: 1 << 20},
		},
		[]agent.PCIeDevice{{Address: "0000:01:00.0", VendorID: "8086"}, {Address: "0000:02:00.0", VendorID: "8086"}},
		config.DiscoveryConfig{},
	)

	res, err := f.disc.Discover(context.Background(), Request{Node: testNode(), Cluster: testCluster()})
	require.NoError(t, err)

	require.Len(t, res.Devices, 1)
	dev := res.Devices[0]
	assert.Equal(t, "ModelX", dev.Model)
	assert.Equal(t, "SX", dev.Serial)
	assert.Equal(t, models.DeviceNew, dev.Status)
	assert.Equal(t, models.StageDiscovered, dev.Stage)
	assert.Equal(t, models.UnassignedOrder, dev.ClusterDeviceOrder)
	assert.Equal(t, "nvme_0000_01_00_0n1", dev.NvmeBdev)
	assert.NotEmpty(t, dev.ID)

	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "ModelY", res.Skipped[0].Model)
}

func TestDiscover_SizeAndPartitions(t *testing.T) {
	f := newFixture(t,
		[]rpctest.PhysicalDevice{{PCIeAddress: "0000:01:00.0", Model: "ModelX", Serial: "S1", BlockSize: 4096, NumBlocks: 1000}},
		[]agent.PCIeDevice{{Address: "0000:01:00.0"}},
		config.DiscoveryConfig{},
	)

	res, err := f.disc.Discover(context.Background(), Request{Node: testNode(), Cluster: testCluster(), BaseSequence: 4})
	require.NoError(t, err)
	require.Len(t, res.Devices, 1)

	dev := res.Devices[0]
	assert.Equal(t, uint64(4096*1000), dev.Size)
	// 4096000 / (4096*256) = 3.9
	assert.Equal(t, uint64(3), dev.PartitionsCount)
	assert.Equal(t, 4, dev.SequentialNumber)
}

func TestDiscover_SkipsKnownAndDeniedVendors(t *testing.T) {
	f := newFixture(t,
		[]rpctest.PhysicalDevice{
			{PCIeAddress: "0000:01:00.0", Model: "ModelX", Serial: "S1", BlockSize: 512, NumBlocks: 1 << 22},
			{PCIeAddress: "0000:02:00.0", Model: "ModelX", Serial: "S2", BlockSize: 512, NumBlocks: 1 << 22},
			{PCIeAddress: "0000:03:00.0", Model: "ModelX", Serial: "S3", BlockSize: 512, NumBlocks: 1 << 22},
		},
		[]agent.PCIeDevice{
			{Address: "0000:03:00.0", VendorID: "8086"},
			{Address: "0000:02:00.0", VendorID: "0x1af4"},
			{Address: "0000:01:00.0", VendorID: "8086"},
		},
		config.DiscoveryConfig{SkipVendorIDs: []string{"1AF4"}},
	)

	res, err := f.disc.Discover(context.Background(), Request{
		Node:    testNode(),
		Cluster: testCluster(),
		Known:   map[string]struct{}{"0000:01:00.0": {}},
	})
	require.NoError(t, err)
	require.Len(t, res.Devices, 1)
	assert.Equal(t, "S3", res.Devices[0].Serial)

	assert.False(t, f.backend.HasController(ControllerName("0000:01:00.0")))
	assert.False(t, f.backend.HasController(ControllerName("0000:02:00.0")))
	assert.Equal(t, 1, f.backend.CallCount(rpc.MethodControllerAttach))
}

func TestDiscover_AttachFailureSkipsDevice(t *testing.T) {
	f := newFixture(t,
		[]rpctest.PhysicalDevice{{PCIeAddress: "0000:01:00.0", Model: "ModelX", Serial: "S1", BlockSize: 512, NumBlocks: 1 << 22}},
		[]agent.PCIeDevice{{Address: "0000:01:00.0"}, {Address: "0000:09:00.0"}},
		config.DiscoveryConfig{},
	)

	res, err := f.disc.Discover(context.Background(), Request{Node: testNode(), Cluster: testCluster()})
	require.NoError(t, err)
	assert.Len(t, res.Devices, 1)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "0000:09:00.0", res.Skipped[0].PCIeAddress)
}

func TestDiscover_AlreadyAttachedController(t *testing.T) {
	f := newFixture(t,
		[]rpctest.PhysicalDevice{{PCIeAddress: "0000:01:00.0", Model: "ModelX", Serial: "S1", BlockSize: 512, NumBlocks: 1 << 22}},
		[]agent.PCIeDevice{{Address: "0000:01:00.0"}},
		config.DiscoveryConfig{},
	)
	_, err := f.backend.AttachController(context.Background(), ControllerName("0000:01:00.0"), "0000:01:00.0")
	require.NoError(t, err)

	res, err := f.disc.Discover(context.Background(), Request{Node: testNode(), Cluster: testCluster()})
	require.NoError(t, err)
	require.Len(t, res.Devices, 1)
	assert.Equal(t, "S1", res.Devices[0].Serial)
}

func TestDiscover_FromBackend(t *testing.T) {
	f := newFixture(t,
		[]rpctest.PhysicalDevice{
			{PCIeAddress: "0000:01:00.0", Model: "ModelX", Serial: "S1", BlockSize: 512, NumBlocks: 1 << 22},
			{PCIeAddress: "0000:02:00.0", Model: "ModelX", Serial: "S2", BlockSize: 512, NumBlocks: 1 << 22},
		},
		nil,
		config.DiscoveryConfig{},
	)
	ctx := context.Background()
	_, err := f.backend.AttachController(ctx, ControllerName("0000:01:00.0"), "0000:01:00.0")
	require.NoError(t, err)
	_, err = f.backend.AttachController(ctx, ControllerName("0000:02:00.0"), "0000:02:00.0")
	require.NoError(t, err)
	require.NoError(t, f.backend.CreateTestingBdev(ctx, "nvme_0000_01_00_0n1_test", "nvme_0000_01_00_0n1"))

	res, err := f.disc.Discover(ctx, Request{Node: testNode(), Cluster: testCluster(), Source: SourceBackend})
	require.NoError(t, err)
	require.Len(t, res.Devices, 2)
	assert.Equal(t, "0000:01:00.0", res.Devices[0].PCIeAddress)
	assert.Equal(t, "0000:02:00.0", res.Devices[1].PCIeAddress)
}

func TestDiscover_SettleDelay(t *testing.T) {
	mock := clock.NewMock()
	f := newFixture(t,
		[]rpctest.PhysicalDevice{{PCIeAddress: "0000:01:00.0", Model: "ModelX", Serial: "S1", BlockSize: 512, NumBlocks: 1 << 22}},
		[]agent.PCIeDevice{{Address: "0000:01:00.0"}},
		config.DiscoveryConfig{SettleDelay: 2 * time.Second},
		WithClock(mock),
	)

	var (
		res  *Result
		err  error
		wg   sync.WaitGroup
		done = make(chan struct{})
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err = f.disc.Discover(context.Background(), Request{Node: testNode(), Cluster: testCluster()})
		close(done)
	}()

	// no query may happen before the delay has elapsed
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, f.backend.CallCount(rpc.MethodGetBdevs))

	for finished := false; !finished; {
		select {
		case <-done:
			finished = true
		default:
			mock.Add(500 * time.Millisecond)
			time.Sleep(time.Millisecond)
		}
	}
	wg.Wait()

	require.NoError(t, err)
	assert.Len(t, res.Devices, 1)
}

func TestDiscover_ScanFailure(t *testing.T) {
	f := newFixture(t, nil, nil, config.DiscoveryConfig{})
	f.agents.SetErr(agentAddr, assert.AnError)

	_, err := f.disc.Discover(context.Background(), Request{Node: testNode(), Cluster: testCluster()})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestChain(t *testing.T) {
	cl := testCluster()
	f := Chain(CapacityFilter(), ModelFilter(cl))

	assert.NotEmpty(t, f(Candidate{Bdev: rpc.BdevInfo{Model: "ModelX"}}))
	assert.NotEmpty(t, f(Candidate{Bdev: rpc.BdevInfo{Model: "ModelY", BlockSize: 512, NumBlocks: 8}}))
	assert.Empty(t, f(Candidate{Bdev: rpc.BdevInfo{Model: "ModelX", BlockSize: 512, NumBlocks: 8}}))
}
