package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/meshstor/meshstor/internal/logging"
	"github.com/meshstor/meshstor/internal/middleware"
	"github.com/meshstor/meshstor/internal/models"
	"github.com/meshstor/meshstor/internal/services"
)

// opCall records one invocation of a stubbed operation
type opCall struct {
	Op    string
	ID    string
	Force bool
	Arg   interface{}
}

// stubOps answers every operation with result or err and records the call
type stubOps struct {
	calls  []opCall
	result *services.Result
	clmap  *models.ClusterMap
	err    error
}

func (s *stubOps) answer(c opCall) (*services.Result, error) {
	s.calls = append(s.calls, c)
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	return &services.Result{Success: true, Message: c.Op}, nil
}

func (s *stubOps) last() opCall {
	if len(s.calls) == 0 {
		return opCall{}
	}
	return s.calls[len(s.calls)-1]
}

func (s *stubOps) CreateCluster(_ context.Context, cluster *models.Cluster) (*services.Result, error) {
	return s.answer(opCall{Op: "CreateCluster", ID: cluster.ID, Arg: cluster})
}

func (s *stubOps) GetCluster(_ context.Context, id string) (*services.Result, error) {
	return s.answer(opCall{Op: "GetCluster", ID: id})
}

func (s *stubOps) ListClusters(_ context.Context) (*services.Result, error) {
	return s.answer(opCall{Op: "ListClusters"})
}

func (s *stubOps) ClusterMap(_ context.Context, nodeID string) (*models.ClusterMap, error) {
	s.calls = append(s.calls, opCall{Op: "ClusterMap", ID: nodeID})
	return s.clmap, s.err
}

func (s *stubOps) AddNode(_ context.Context, req *services.AddNodeRequest) (*services.Result, error) {
	return s.answer(opCall{Op: "AddNode", ID: req.MgmtIP, Arg: req})
}

func (s *stubOps) GetNode(_ context.Context, nodeID string) (*services.Result, error) {
	return s.answer(opCall{Op: "GetNode", ID: nodeID})
}

func (s *stubOps) ListNodes(_ context.Context, clusterID string, includeRemoved bool) (*services.Result, error) {
	return s.answer(opCall{Op: "ListNodes", ID: clusterID, Force: includeRemoved})
}

func (s *stubOps) SuspendNode(_ context.Context, nodeID string, force bool) (*services.Result, error) {
	return s.answer(opCall{Op: "SuspendNode", ID: nodeID, Force: force})
}

func (s *stubOps) ResumeNode(_ context.Context, nodeID string) (*services.Result, error) {
	return s.answer(opCall{Op: "ResumeNode", ID: nodeID})
}

func (s *stubOps) ShutdownNode(_ context.Context, nodeID string, force bool) (*services.Result, error) {
	return s.answer(opCall{Op: "ShutdownNode", ID: nodeID, Force: force})
}

func (s *stubOps) RestartNode(_ context.Context, nodeID string) (*services.Result, error) {
	return s.answer(opCall{Op: "RestartNode", ID: nodeID})
}

func (s *stubOps) RemoveNode(_ context.Context, nodeID string, force bool) (*services.Result, error) {
	return s.answer(opCall{Op: "RemoveNode", ID: nodeID, Force: force})
}

func (s *stubOps) AddDevice(_ context.Context, nodeID, deviceID string) (*services.Result, error) {
	return s.answer(opCall{Op: "AddDevice", ID: nodeID, Arg: deviceID})
}

func (s *stubOps) ListDevices(_ context.Context, nodeID string) (*services.Result, error) {
	return s.answer(opCall{Op: "ListDevices", ID: nodeID})
}

func (s *stubOps) RemoveDevice(_ context.Context, deviceID string) (*services.Result, error) {
	return s.answer(opCall{Op: "RemoveDevice", ID: deviceID})
}

func (s *stubOps) SetDeviceStatus(_ context.Context, deviceID string, status models.DeviceStatus) (*services.Result, error) {
	return s.answer(opCall{Op: "SetDeviceStatus", ID: deviceID, Arg: status})
}

func testLogger() *logging.Logger {
	return logging.NewNop()
}

// newTestApp mounts h the way the router does, minus authentication
func newTestApp(ops NodeOperations) *fiber.App {
	h := New(testLogger(), ops, "test")
	app := fiber.New(fiber.Config{ErrorHandler: middleware.ErrorHandler(testLogger())})
	v1 := app.Group("/v1")
	v1.Post("/clusters", h.CreateCluster)
	v1.Get("/clusters", h.ListClusters)
	v1.Get("/clusters/:cluster_id", h.GetCluster)
	v1.Get("/clusters/:cluster_id/nodes", h.ListClusterNodes)
	v1.Post("/nodes", h.AddNode)
	v1.Get("/nodes", h.ListNodes)
	v1.Get("/nodes/:node_id", h.GetNode)
	v1.Delete("/nodes/:node_id", h.RemoveNode)
	v1.Post("/nodes/:node_id/suspend", h.SuspendNode)
	v1.Post("/nodes/:node_id/resume", h.ResumeNode)
	v1.Post("/nodes/:node_id/shutdown", h.ShutdownNode)
	v1.Post("/nodes/:node_id/restart", h.RestartNode)
	v1.Get("/nodes/:node_id/devices", h.ListDevices)
	v1.Post("/nodes/:node_id/devices", h.AddDevice)
	v1.Get("/nodes/:node_id/map", h.GetClusterMap)
	v1.Delete("/devices/:device_id", h.RemoveDevice)
	v1.Put("/devices/:device_id/status", h.SetDeviceStatus)
	return app
}

// call sends a request and decodes the JSON response into out
func call(t *testing.T, app *fiber.App, method, path, body string, out interface{}) int {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	if out != nil {
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, out), string(data))
	}
	return resp.StatusCode
}
