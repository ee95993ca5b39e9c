package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/meshstor/meshstor/internal/models"
	"github.com/meshstor/meshstor/internal/rpc"
	"github.com/meshstor/meshstor/internal/rpc/rpctest"
)

func TestAddDevice_DiscoversHotPlugged(t *testing.T) {
	f := newFixture(t)
	f.cluster(t, "c1", models.HATypeSingle)
	devices := physical("10.0.0.1", 1)
	backendA := f.host("10.0.0.1", devices...)
	f.host("10.0.0.2", physical("10.0.0.2", 1)...)
	a := f.addNode(t, "c1", "10.0.0.1")
	b := f.addNode(t, "c1", "10.0.0.2")
	ctx := context.Background()

	res, err := f.svc.AddDevice(ctx, a.ID, "")
	require.NoError(t, err)
	assert.Empty(t, res.Devices, "nothing new yet")

	extra := rpctest.PhysicalDevice{PCIeAddress: "0000:05:00.0", Model: "ModelX", Serial: "extra", BlockSize: 4096, NumBlocks: 1 << 20}
	backendA.PlugDevice(extra)
	f.rescan("10.0.0.1", devices[0], extra)

	res, err = f.svc.AddDevice(ctx, a.ID, "")
	require.NoError(t, err)
	require.Len(t, res.Devices, 1)
	dev := res.Devices[0]
	assert.Equal(t, models.DeviceOnline, dev.Status)
	assert.Equal(t, int64(2), dev.ClusterDeviceOrder)
	assert.Equal(t, 1, dev.SequentialNumber)

	node := f.reload(t, a.ID)
	assert.Len(t, node.NVMeDevices, 2)
	assert.NotNil(t, f.reload(t, b.ID).RemoteDevice(dev.ID))

	// the refreshed maps list the new order
	maps := f.fabric.Backend("10.0.0.2:8080").Maps()
	require.NotEmpty(t, maps)
	assert.Contains(t, maps[len(maps)-1].DeviceOrders(), int64(2))
}

func TestAddDevice_RequiresOnlineNode(t *testing.T) {
	f := newFixture(t)
	f.cluster(t, "c1", models.HATypeSingle)
	f.host("10.0.0.1", physical("10.0.0.1", 1)...)
	a := f.addNode(t, "c1", "10.0.0.1")
	ctx := context.Background()

	_, err := f.svc.AddDevice(ctx, a.ID, a.NVMeDevices[0].ID)
	assert.True(t, IsKind(err, KindPolicy), "device already online")

	_, err = f.svc.AddDevice(ctx, a.ID, "missing")
	assert.True(t, IsKind(err, KindValidation))

	_, err = f.svc.SuspendNode(ctx, a.ID, false)
	require.NoError(t, err)
	_, err = f.svc.AddDevice(ctx, a.ID, "")
	assert.True(t, IsKind(err, KindPolicy))
}

func TestRemoveDevice(t *testing.T) {
	f := newFixture(t)
	f.cluster(t, "c1", models.HATypeSingle)
	backendA := f.host("10.0.0.1", physical("10.0.0.1", 2)...)
	f.host("10.0.0.2", physical("10.0.0.2", 1)...)
	a := f.addNode(t, "c1", "10.0.0.1")
	b := f.addNode(t, "c1", "10.0.0.2")
	ctx := context.Background()
	dev := a.NVMeDevices[0]

	mark := f.events.len()
	res, err := f.svc.RemoveDevice(ctx, dev.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)

	got := f.events.since(mark)
	require.Len(t, got, 1)
	assert.Equal(t, emitted{Kind: "device", ID: dev.ID, Status: "removed", Persisted: "online"}, got[0])

	node := f.reload(t, a.ID)
	assert.Equal(t, models.DeviceRemoved, node.Device(dev.ID).Status)
	assert.Nil(t, f.reload(t, b.ID).RemoteDevice(dev.ID))
	assert.False(t, backendA.HasBdev(dev.AlcemlBdev))
	maps := f.fabric.Backend("10.0.0.2:8080").Maps()
	require.NotEmpty(t, maps)
	assert.NotContains(t, maps[len(maps)-1].DeviceOrders(), dev.ClusterDeviceOrder)

	_, err = f.svc.RemoveDevice(ctx, dev.ID)
	assert.True(t, IsKind(err, KindPolicy), "already removed")

	_, err = f.svc.RemoveDevice(ctx, "missing")
	assert.True(t, IsKind(err, KindValidation))
}

func TestRemoveDevice_NewDeviceIsDropped(t *testing.T) {
	f := newFixture(t)
	f.cluster(t, "c1", models.HATypeSingle)
	f.host("10.0.0.1", physical("10.0.0.1", 1)...)
	a := f.addNode(t, "c1", "10.0.0.1")
	ctx := context.Background()

	node := f.reload(t, a.ID)
	node.NVMeDevices = append(node.NVMeDevices, &models.NVMeDevice{
		ID:                 "pending",
		NodeID:             a.ID,
		ClusterDeviceOrder: 7,
		Status:             models.DeviceNew,
	})
	require.NoError(t, f.store.PutNode(ctx, node))

	mark := f.events.len()
	_, err := f.svc.RemoveDevice(ctx, "pending")
	require.NoError(t, err)
	assert.Nil(t, f.reload(t, a.ID).Device("pending"))
	assert.Empty(t, f.events.since(mark))
}

func TestSetDeviceStatus(t *testing.T) {
	f := newFixture(t)
	f.cluster(t, "c1", models.HATypeSingle)
	f.host("10.0.0.1", physical("10.0.0.1", 1)...)
	a := f.addNode(t, "c1", "10.0.0.1")
	ctx := context.Background()
	id := a.NVMeDevices[0].ID

	// teardown: announced before it is written
	mark := f.events.len()
	_, err := f.svc.SetDeviceStatus(ctx, id, models.DeviceFailed)
	require.NoError(t, err)
	assert.Equal(t, []emitted{{Kind: "device", ID: id, Status: "failed", Persisted: "online"}}, f.events.since(mark))

	// availability: written before it is announced
	mark = f.events.len()
	_, err = f.svc.SetDeviceStatus(ctx, id, models.DeviceOnline)
	require.NoError(t, err)
	assert.Equal(t, []emitted{{Kind: "device", ID: id, Status: "online", Persisted: "online"}}, f.events.since(mark))

	mark = f.events.len()
	res, err := f.svc.SetDeviceStatus(ctx, id, models.DeviceOnline)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, f.events.since(mark), "unchanged status")

	_, err = f.svc.SetDeviceStatus(ctx, id, models.DeviceStatus("melted"))
	assert.True(t, IsKind(err, KindValidation))

	_, err = f.svc.SetDeviceStatus(ctx, id, models.DeviceNew)
	assert.True(t, IsKind(err, KindPolicy))
	assert.Equal(t, models.DeviceOnline, f.reload(t, a.ID).Device(id).Status)

	_, err = f.svc.SetDeviceStatus(ctx, id, models.DeviceRemoved)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceRemoved, f.reload(t, a.ID).Device(id).Status)
}

func TestSetDeviceStatus_OnlineCompletesChain(t *testing.T) {
	f := newFixture(t)
	f.cluster(t, "c1", models.HATypeSingle)
	devices := physical("10.0.0.1", 1)
	backendA := f.host("10.0.0.1", devices...)
	f.host("10.0.0.2", physical("10.0.0.2", 1)...)
	a := f.addNode(t, "c1", "10.0.0.1")
	b := f.addNode(t, "c1", "10.0.0.2")
	ctx := context.Background()

	// a hot-plugged device whose chain stops after the testing bdev
	extra := rpctest.PhysicalDevice{PCIeAddress: "0000:05:00.0", Model: "ModelX", Serial: "extra", BlockSize: 4096, NumBlocks: 1 << 20}
	backendA.PlugDevice(extra)
	f.rescan("10.0.0.1", devices[0], extra)
	backendA.FailOn(rpc.MethodAlcemlCreate, rpc.NewError(rpc.MethodAlcemlCreate, backendA.Address(), codes.DeadlineExceeded, "timeout"))
	_, err := f.svc.AddDevice(ctx, a.ID, "")
	require.Error(t, err)

	dev := f.reload(t, a.ID).DeviceBySerial("extra")
	require.NotNil(t, dev)
	assert.Equal(t, models.DeviceNew, dev.Status)
	assert.Equal(t, models.StageTestingAttached, dev.Stage)

	_, err = f.svc.SetDeviceStatus(ctx, dev.ID, models.DeviceFailed)
	require.NoError(t, err)

	// the chain still cannot be built: the device stays out of service
	_, err = f.svc.SetDeviceStatus(ctx, dev.ID, models.DeviceOnline)
	assert.True(t, IsKind(err, KindBackendRPC))
	stuck := f.reload(t, a.ID).Device(dev.ID)
	assert.Equal(t, models.DeviceFailed, stuck.Status)
	assert.Empty(t, stuck.NvmfNQN)

	backendA.ClearFailures()
	mark := f.events.len()
	res, err := f.svc.SetDeviceStatus(ctx, dev.ID, models.DeviceOnline)
	require.NoError(t, err)
	assert.True(t, res.Success)

	online := f.reload(t, a.ID).Device(dev.ID)
	assert.Equal(t, models.DeviceOnline, online.Status)
	assert.Equal(t, models.StageOnline, online.Stage)
	assert.NotEmpty(t, online.NvmfNQN)
	assert.True(t, backendA.HasBdev(online.AlcemlBdev))
	assert.True(t, backendA.HasBdev(online.PTBdev))
	assert.NotNil(t, f.reload(t, b.ID).RemoteDevice(dev.ID), "peer connects the device")
	assert.Equal(t, []emitted{{Kind: "device", ID: dev.ID, Status: "online", Persisted: "online"}}, f.events.since(mark))
}

func TestSetDeviceStatus_OnlineRequiresOnlineNode(t *testing.T) {
	f := newFixture(t)
	f.cluster(t, "c1", models.HATypeSingle)
	f.host("10.0.0.1", physical("10.0.0.1", 1)...)
	a := f.addNode(t, "c1", "10.0.0.1")
	ctx := context.Background()
	id := a.NVMeDevices[0].ID

	_, err := f.svc.SuspendNode(ctx, a.ID, false)
	require.NoError(t, err)

	_, err = f.svc.SetDeviceStatus(ctx, id, models.DeviceOnline)
	assert.True(t, IsKind(err, KindPolicy))
	assert.Equal(t, models.DeviceUnavailable, f.reload(t, a.ID).Device(id).Status)

	// reports are swallowed, teardown still applies
	assert.NoError(t, f.svc.ReportStatus(ctx, id, models.DeviceOnline))
	_, err = f.svc.SetDeviceStatus(ctx, id, models.DeviceFailed)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceFailed, f.reload(t, a.ID).Device(id).Status)
}

func TestReportStatus(t *testing.T) {
	f := newFixture(t)
	f.cluster(t, "c1", models.HATypeSingle)
	f.host("10.0.0.1", physical("10.0.0.1", 1)...)
	a := f.addNode(t, "c1", "10.0.0.1")
	ctx := context.Background()
	id := a.NVMeDevices[0].ID

	require.NoError(t, f.svc.ReportStatus(ctx, id, models.DeviceUnavailable))
	assert.Equal(t, models.DeviceUnavailable, f.reload(t, a.ID).Device(id).Status)

	// reports that can never apply are swallowed
	assert.NoError(t, f.svc.ReportStatus(ctx, "missing", models.DeviceFailed))
	assert.NoError(t, f.svc.ReportStatus(ctx, id, models.DeviceNew))
}

func TestListDevices(t *testing.T) {
	f := newFixture(t)
	f.cluster(t, "c1", models.HATypeSingle)
	f.host("10.0.0.1", physical("10.0.0.1", 2)...)
	a := f.addNode(t, "c1", "10.0.0.1")

	res, err := f.svc.ListDevices(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Len(t, res.Devices, 2)

	_, err = f.svc.ListDevices(context.Background(), "missing")
	assert.True(t, IsKind(err, KindValidation))
}
