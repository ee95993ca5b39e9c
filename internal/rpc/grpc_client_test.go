package rpc

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/meshstor/meshstor/internal/config"
	"github.com/meshstor/meshstor/internal/logging"
	"github.com/meshstor/meshstor/internal/models"
)

const testService = "meshstor.backend.v1.Backend"

type recordedCall struct {
	method string
	params map[string]interface{}
	auth   string
}

// stubBackend answers any method on a generic handler so tests can script
// responses per backend method name
type stubBackend struct {
	mu      sync.Mutex
	calls   []recordedCall
	replies map[string]func(params map[string]interface{}) (interface{}, error)
}

func (s *stubBackend) handle(_ interface{}, stream grpc.ServerStream) error {
	full, _ := grpc.MethodFromServerStream(stream)
	name := full[strings.LastIndex(full, "/")+1:]

	req := &structpb.Struct{}
	if err := stream.RecvMsg(req); err != nil {
		return err
	}

	var auth string
	if md, ok := metadata.FromIncomingContext(stream.Context()); ok {
		if v := md.Get("authorization"); len(v) > 0 {
			auth = v[0]
		}
	}

	s.mu.Lock()
	s.calls = append(s.calls, recordedCall{method: name, params: req.AsMap(), auth: auth})
	reply := s.replies[name]
	s.mu.Unlock()

	var result interface{} = true
	if reply != nil {
		var err error
		result, err = reply(req.AsMap())
		if err != nil {
			return err
		}
	}
	v, err := structpb.NewValue(result)
	if err != nil {
		return err
	}
	return stream.SendMsg(v)
}

func (s *stubBackend) lastCall() recordedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}

func startStubBackend(t *testing.T) (*stubBackend, string) {
	t.Helper()
	stub := &stubBackend{replies: map[string]func(map[string]interface{}) (interface{}, error){}}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer(grpc.UnknownServiceHandler(stub.handle))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	return stub, lis.Addr().String()
}

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	pool, err := NewPool(config.RPCConfig{
		Timeout:  5 * time.Second,
		PoolSize: 4,
		Service:  testService,
	}, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestGRPCClient_GetBdevs(t *testing.T) {
	stub, addr := startStubBackend(t)
	stub.replies["bdev_get_bdevs"] = func(map[string]interface{}) (interface{}, error) {
		return []interface{}{
			map[string]interface{}{
				"name":          "nvme_0000_01_00_0n1",
				"block_size":    4096,
				"num_blocks":    1000,
				"model_number":  "ModelX",
				"serial_number": "SN1",
			},
		}, nil
	}

	pool := newTestPool(t)
	client, err := pool.Client(&models.StorageNode{ID: "n1", RPCAddress: addr, RPCUsername: "spdk", RPCPassword: "secret"})
	require.NoError(t, err)

	bdevs, err := client.GetBdevs(context.Background(), "nvme_0000_01_00_0n1")
	require.NoError(t, err)
	require.Len(t, bdevs, 1)
	assert.Equal(t, "ModelX", bdevs[0].Model)
	assert.Equal(t, "SN1", bdevs[0].Serial)
	assert.Equal(t, uint64(4096*1000), bdevs[0].Size())

	call := stub.lastCall()
	assert.Equal(t, "bdev_get_bdevs", call.method)
	assert.Equal(t, "nvme_0000_01_00_0n1", call.params["name"])
	assert.True(t, strings.HasPrefix(call.auth, "Basic "))
}

func TestGRPCClient_AttachReturnsNames(t *testing.T) {
	stub, addr := startStubBackend(t)
	stub.replies["bdev_nvme_controller_attach"] = func(p map[string]interface{}) (interface{}, error) {
		return []interface{}{p["name"].(string) + "n1"}, nil
	}

	pool := newTestPool(t)
	client, err := pool.Client(&models.StorageNode{ID: "n1", RPCAddress: addr})
	require.NoError(t, err)

	names, err := client.AttachController(context.Background(), "nvme_0000_01_00_0", "0000:01:00.0")
	require.NoError(t, err)
	assert.Equal(t, []string{"nvme_0000_01_00_0n1"}, names)

	call := stub.lastCall()
	assert.Equal(t, "pcie", call.params["trtype"])
	assert.Equal(t, "0000:01:00.0", call.params["traddr"])
	assert.Empty(t, call.auth)
}

func TestGRPCClient_ErrorCodes(t *testing.T) {
	stub, addr := startStubBackend(t)
	stub.replies["bdev_alceml_create"] = func(map[string]interface{}) (interface{}, error) {
		return nil, status.Error(codes.AlreadyExists, "bdev exists")
	}
	stub.replies["bdev_delete"] = func(map[string]interface{}) (interface{}, error) {
		return nil, status.Error(codes.NotFound, "no such bdev")
	}

	pool := newTestPool(t)
	client, err := pool.Client(&models.StorageNode{ID: "n1", RPCAddress: addr})
	require.NoError(t, err)

	err = client.CreateAlceml(context.Background(), "alceml_x", "nvme_test", AlcemlOptions{UUID: "x", PBAPageSize: 2097152})
	require.Error(t, err)
	assert.True(t, IsAlreadyExists(err))

	err = client.DeleteBdev(context.Background(), "missing")
	require.Error(t, err)
	assert.False(t, IsAlreadyExists(err))

	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, MethodBdevDelete, rpcErr.Method)
	assert.Equal(t, codes.NotFound, rpcErr.Code)
	assert.Equal(t, addr, rpcErr.Address)
}

func TestGRPCClient_Timeout(t *testing.T) {
	stub, addr := startStubBackend(t)
	stub.replies["subsystem_create"] = func(map[string]interface{}) (interface{}, error) {
		time.Sleep(500 * time.Millisecond)
		return true, nil
	}

	pool, err := NewPool(config.RPCConfig{Timeout: 50 * time.Millisecond, PoolSize: 1, Service: testService}, logging.NewNop())
	require.NoError(t, err)
	defer pool.Close()

	client, err := pool.Client(&models.StorageNode{ID: "n1", RPCAddress: addr})
	require.NoError(t, err)

	err = client.CreateSubsystem(context.Background(), "nqn:dev:1", "serial", "model")
	require.Error(t, err)
	assert.True(t, IsTimeout(err), "got %v", err)
}

func TestGRPCClient_SendClusterMap(t *testing.T) {
	stub, addr := startStubBackend(t)
	pool := newTestPool(t)
	client, err := pool.Client(&models.StorageNode{ID: "n1", RPCAddress: addr})
	require.NoError(t, err)

	m := &models.ClusterMap{
		ClusterID:    "c1",
		TargetNodeID: "n1",
		Nodes: []models.MapNode{{
			Index:   0,
			NodeID:  "n1",
			Status:  models.NodeOnline,
			Devices: []models.MapDevice{{Order: 0, DeviceID: "d1", Status: models.DeviceOnline}},
		}},
	}
	require.NoError(t, client.SendClusterMap(context.Background(), m))

	call := stub.lastCall()
	assert.Equal(t, "distr_send_cluster_map", call.method)
	assert.Equal(t, "c1", call.params["cluster_id"])
	assert.Contains(t, call.params, "map_cluster")
}

func TestPool_ReusesConnections(t *testing.T) {
	_, addr := startStubBackend(t)
	pool := newTestPool(t)

	node := &models.StorageNode{ID: "n1", RPCAddress: addr}
	_, err := pool.Client(node)
	require.NoError(t, err)
	_, err = pool.Client(node)
	require.NoError(t, err)
	assert.Equal(t, 1, pool.conns.Len())
}

func TestPool_EvictsLeastRecentlyUsed(t *testing.T) {
	pool, err := NewPool(config.RPCConfig{Timeout: time.Second, PoolSize: 2, Service: testService}, logging.NewNop())
	require.NoError(t, err)
	defer pool.Close()

	for _, addr := range []string{"127.0.0.1:1", "127.0.0.1:2", "127.0.0.1:3"} {
		_, err := pool.Client(&models.StorageNode{ID: addr, RPCAddress: addr})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, pool.conns.Len())
	assert.False(t, pool.conns.Contains("127.0.0.1:1"))
}

func TestPool_RequiresAddress(t *testing.T) {
	pool := newTestPool(t)
	_, err := pool.Client(&models.StorageNode{ID: "n1"})
	assert.Error(t, err)
}

func TestParseMethod(t *testing.T) {
	m, ok := ParseMethod("bdev_PT_NoExcl_create")
	require.True(t, ok)
	assert.Equal(t, MethodPTNoExclCreate, m)
	assert.Equal(t, "/svc/bdev_PT_NoExcl_create", m.FullMethod("svc"))

	_, ok = ParseMethod("bogus")
	assert.False(t, ok)
	assert.Equal(t, "unknown", Method(0).String())
}
