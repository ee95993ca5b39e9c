package router

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshstor/meshstor/internal/clustermap"
	"github.com/meshstor/meshstor/internal/config"
	"github.com/meshstor/meshstor/internal/logging"
	"github.com/meshstor/meshstor/internal/metadata"
	"github.com/meshstor/meshstor/internal/nodelock"
	"github.com/meshstor/meshstor/internal/rpc/rpctest"
	"github.com/meshstor/meshstor/internal/services"
)

// newApp wires the router to a node service backed by memory metadata
func newApp(t *testing.T, cfg *config.Config) *fiber.App {
	t.Helper()
	kv, err := metadata.NewMemoryKV()
	require.NoError(t, err)
	store := metadata.NewKVManager(kv, "/meshstor", time.Minute)
	t.Cleanup(func() { _ = store.Close() })

	logger := logging.NewNop()
	fabric := rpctest.NewFabric()
	svc := services.NewNodeService(services.Deps{
		Store:  store,
		Locker: nodelock.NewLocalLocker(),
		Maps:   clustermap.NewDistributor(fabric, store, clustermap.NewBuilder(cfg.ClusterMap.Partitions, nil), cfg.ClusterMap, 1, logger),
		Logger: logger,
	}, cfg)
	return New(logger, svc, cfg, "test")
}

func send(t *testing.T, app *fiber.App, method, path, body, apiKey string) int {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp.StatusCode
}

func TestRouter_Auth(t *testing.T) {
	cfg := config.DefaultConfig()
	apiKey := strings.Repeat("x", 40)
	cfg.Auth.Enabled = true
	cfg.Auth.APIKeys = []string{apiKey}
	app := newApp(t, cfg)

	assert.Equal(t, fiber.StatusOK, send(t, app, "GET", "/health", "", ""))
	assert.Equal(t, fiber.StatusUnauthorized, send(t, app, "GET", "/v1/clusters", "", ""))
	assert.Equal(t, fiber.StatusOK, send(t, app, "GET", "/v1/clusters", "", apiKey))
	assert.Equal(t, fiber.StatusNotFound, send(t, app, "GET", "/v2/anything", "", ""))
}

func TestRouter_ClusterRoundTrip(t *testing.T) {
	cfg := config.DefaultConfig()
	app := newApp(t, cfg)

	body := `{"id":"c1","model_ids":["ModelX"],"blk_size":4096,"page_size_in_blocks":256}`
	assert.Equal(t, fiber.StatusCreated, send(t, app, "POST", "/v1/clusters", body, ""))
	assert.Equal(t, fiber.StatusConflict, send(t, app, "POST", "/v1/clusters", body, ""))
	assert.Equal(t, fiber.StatusOK, send(t, app, "GET", "/v1/clusters/c1", "", ""))
	assert.Equal(t, fiber.StatusNotFound, send(t, app, "GET", "/v1/clusters/c9", "", ""))
	assert.Equal(t, fiber.StatusOK, send(t, app, "GET", "/v1/clusters/c1/nodes", "", ""))
	assert.Equal(t, fiber.StatusNotFound, send(t, app, "POST", "/v1/nodes/missing/suspend", "", ""))
	assert.Equal(t, fiber.StatusBadRequest, send(t, app, "POST", "/v1/nodes", `{"cluster_id":"c1"}`, ""))
}
