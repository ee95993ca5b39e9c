package clustermap

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/meshstor/meshstor/internal/config"
	"github.com/meshstor/meshstor/internal/logging"
	"github.com/meshstor/meshstor/internal/metadata"
	"github.com/meshstor/meshstor/internal/models"
	"github.com/meshstor/meshstor/internal/rpc"
	"github.com/meshstor/meshstor/internal/rpc/rpctest"
)

func testCluster() *models.Cluster {
	return &models.Cluster{ID: "c1", ModelIDs: []string{"ModelX"}, BlockSize: 4096, PageSizeInBlocks: 256, HAType: models.HATypeSingle}
}

func node(id string, status models.NodeStatus, created time.Time, orders ...int64) *models.StorageNode {
	n := &models.StorageNode{ID: id, ClusterID: "c1", Status: status, RPCAddress: id + ":8080", CreatedAt: created}
	for _, o := range orders {
		n.NVMeDevices = append(n.NVMeDevices, &models.NVMeDevice{
			ID:                 fmt.Sprintf("%s-d%d", id, o),
			NodeID:             id,
			ClusterDeviceOrder: o,
			PartitionsCount:    100,
			Status:             models.DeviceOnline,
		})
	}
	return n
}

func TestRendezvous_Deterministic(t *testing.T) {
	r := NewRendezvous()
	for i := int64(0); i < 5; i++ {
		r.Add(i, 10)
	}
	a, ok := r.Owner("partition-1")
	require.True(t, ok)
	b, _ := r.Owner("partition-1")
	assert.Equal(t, a, b)

	_, ok = NewRendezvous().Owner("partition-1")
	assert.False(t, ok)
}

func TestRendezvous_MinimalMovement(t *testing.T) {
	r := NewRendezvous()
	for i := int64(0); i < 3; i++ {
		r.Add(i, 1)
	}
	before := map[string]int64{}
	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("k%d", i)
		before[key], _ = r.Owner(key)
	}

	r.Add(3, 1)
	moved := 0
	for key, owner := range before {
		now, _ := r.Owner(key)
		if now != owner {
			assert.Equal(t, int64(3), now, "key %s moved to an existing member", key)
			moved++
		}
	}
	assert.NotZero(t, moved)
}

func TestRendezvous_WeightsShiftShare(t *testing.T) {
	r := NewRendezvous()
	r.Add(0, 1)
	r.Add(1, 9)
	counts := map[int64]int{}
	for i := 0; i < 2000; i++ {
		o, _ := r.Owner(fmt.Sprintf("p%d", i))
		counts[o]++
	}
	assert.Greater(t, counts[1], counts[0]*3)
}

func TestRendezvous_Empty(t *testing.T) {
	_, ok := NewRendezvous().Owner("k")
	assert.False(t, ok)
}

func TestBuild_FullMap(t *testing.T) {
	now := time.Now()
	b := NewBuilder(64, clock.NewMock())
	nodes := []*models.StorageNode{
		node("a", models.NodeOnline, now, 0, 1),
		node("s", models.NodeSuspended, now.Add(time.Second), 5),
		node("j", models.NodeInCreation, now.Add(2*time.Second), 2),
	}
	nodes[0].NVMeDevices[1].Status = models.DeviceUnavailable

	m := b.Build(testCluster(), nodes, "j")
	assert.Equal(t, "j", m.TargetNodeID)
	assert.False(t, m.Incremental)

	// suspended nodes are left out, the joining target is kept
	require.Len(t, m.Nodes, 2)
	assert.Equal(t, "a", m.Nodes[0].NodeID)
	assert.Equal(t, "j", m.Nodes[1].NodeID)
	assert.Equal(t, 1, m.Nodes[1].Index)
	assert.Len(t, m.Nodes[0].Devices, 2)

	// unavailable devices carry no weight and own no partitions
	assert.Equal(t, uint64(100), m.Prob[0].Weight)
	assert.Equal(t, uint64(0), m.Prob[0].Items[1].Weight)

	require.Len(t, m.Partitions, 64)
	for _, owner := range m.Partitions {
		assert.Contains(t, []int64{0, 2}, owner)
	}
}

func TestBuild_NoOnlineDevices(t *testing.T) {
	b := NewBuilder(8, nil)
	m := b.Build(testCluster(), []*models.StorageNode{node("a", models.NodeOnline, time.Now())}, "a")
	for _, owner := range m.Partitions {
		assert.Equal(t, int64(-1), owner)
	}
}

func TestBuild_SkipsUnorderedAndNewDevices(t *testing.T) {
	n := node("a", models.NodeOnline, time.Now(), 0)
	n.NVMeDevices = append(n.NVMeDevices,
		&models.NVMeDevice{ID: "new", ClusterDeviceOrder: 3, Status: models.DeviceNew},
		&models.NVMeDevice{ID: "unordered", ClusterDeviceOrder: models.UnassignedOrder, Status: models.DeviceOnline},
	)
	m := NewBuilder(8, nil).Build(testCluster(), []*models.StorageNode{n}, "a")
	assert.Equal(t, []int64{0}, m.DeviceOrders())
}

type distFixture struct {
	fabric *rpctest.Fabric
	store  *metadata.KVManager
	dist   *Distributor
}

func newDistFixture(t *testing.T, nodes ...*models.StorageNode) *distFixture {
	t.Helper()
	kv, err := metadata.NewMemoryKV()
	require.NoError(t, err)
	store := metadata.NewKVManager(kv, "/meshstor", time.Minute)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	require.NoError(t, store.CreateCluster(ctx, testCluster()))

	fabric := rpctest.NewFabric()
	for _, n := range nodes {
		fabric.AddBackend(n.RPCAddress)
		require.NoError(t, store.PutNode(ctx, n))
	}
	return &distFixture{
		fabric: fabric,
		store:  store,
		dist:   NewDistributor(fabric, store, NewBuilder(32, nil), config.ClusterMapConfig{Snapshots: true}, 4, logging.NewNop()),
	}
}

func TestDistributeJoin_TwoNodes(t *testing.T) {
	now := time.Now()
	a := node("a", models.NodeOnline, now, 0, 1)
	b := node("b", models.NodeInCreation, now.Add(time.Second), 2)
	f := newDistFixture(t, a, b)

	report, err := f.dist.DistributeJoin(context.Background(), testCluster(), b, []*models.StorageNode{a, b})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, report.Pushed)
	assert.NoError(t, report.Err())

	// B gets the whole cluster
	bMaps := f.fabric.Backend(b.RPCAddress).Maps()
	require.Len(t, bMaps, 1)
	assert.ElementsMatch(t, []int64{0, 1, 2}, bMaps[0].DeviceOrders())

	// A only learns about B's device
	backendA := f.fabric.Backend(a.RPCAddress)
	assert.Empty(t, backendA.Maps())
	inc := backendA.IncrementalMaps()
	require.Len(t, inc, 1)
	assert.True(t, inc[0].Incremental)
	assert.Equal(t, "a", inc[0].TargetNodeID)
	assert.Equal(t, []int64{2}, inc[0].DeviceOrders())

	snap, err := f.dist.Snapshot(context.Background(), "c1", "b")
	require.NoError(t, err)
	assert.Equal(t, bMaps[0].DeviceOrders(), snap.DeviceOrders())
}

func TestDistributeJoin_TargetFailureIsReturned(t *testing.T) {
	a := node("a", models.NodeOnline, time.Now(), 0)
	b := node("b", models.NodeInCreation, time.Now(), 1)
	f := newDistFixture(t, a, b)
	f.fabric.Backend(b.RPCAddress).FailOn(rpc.MethodSendClusterMap, rpc.NewError(rpc.MethodSendClusterMap, b.RPCAddress, codes.Unavailable, "down"))

	_, err := f.dist.DistributeJoin(context.Background(), testCluster(), b, []*models.StorageNode{a})
	require.Error(t, err)
	assert.Empty(t, f.fabric.Backend(a.RPCAddress).IncrementalMaps())
}

func TestDistributeJoin_PeerFailureIsIsolated(t *testing.T) {
	now := time.Now()
	a := node("a", models.NodeOnline, now, 0)
	c := node("c", models.NodeOnline, now, 1)
	b := node("b", models.NodeInCreation, now, 2)
	f := newDistFixture(t, a, c, b)
	f.fabric.Backend(a.RPCAddress).FailOn(rpc.MethodAddNodes, rpc.NewError(rpc.MethodAddNodes, a.RPCAddress, codes.Unavailable, "down"))

	report, err := f.dist.DistributeJoin(context.Background(), testCluster(), b, []*models.StorageNode{a, c})
	require.NoError(t, err)
	assert.Contains(t, report.Failed, "a")
	assert.ElementsMatch(t, []string{"b", "c"}, report.Pushed)
	assert.Len(t, f.fabric.Backend(c.RPCAddress).IncrementalMaps(), 1)
}

func TestRefresh(t *testing.T) {
	now := time.Now()
	a := node("a", models.NodeOnline, now, 0)
	b := node("b", models.NodeOnline, now.Add(time.Second), 1)
	s := node("s", models.NodeSuspended, now.Add(2*time.Second), 2)
	f := newDistFixture(t, a, b, s)

	report, err := f.dist.Refresh(context.Background(), "c1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, report.Pushed)
	assert.Empty(t, f.fabric.Backend(s.RPCAddress).Maps())

	maps := f.fabric.Backend(a.RPCAddress).Maps()
	require.Len(t, maps, 1)
	assert.ElementsMatch(t, []int64{0, 1}, maps[0].DeviceOrders())
}

func TestRefresh_UnknownCluster(t *testing.T) {
	f := newDistFixture(t)
	_, err := f.dist.Refresh(context.Background(), "nope")
	assert.ErrorIs(t, err, metadata.ErrNotFound)
}
