// Package agent talks to the node-local agent that runs next to each
// storage backend. The agent starts and stops the backend process and
// reports host metadata and the PCIe devices on the node's bus.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/tidwall/gjson"

	"github.com/meshstor/meshstor/internal/config"
	"github.com/meshstor/meshstor/internal/logging"
	"github.com/meshstor/meshstor/internal/models"
	"github.com/meshstor/meshstor/internal/utils"
)

// Agent endpoints
const (
	PathInfo         = "/snode/info"
	PathScanDevices  = "/snode/scan_devices"
	PathStartBackend = "/snode/spdk_process_start"
	PathStopBackend  = "/snode/spdk_process_kill"
)

// PCIeDevice is a device found on a node's PCIe bus
type PCIeDevice struct {
	Address  string `json:"address"`
	VendorID string `json:"vendor_id"`
	DeviceID string `json:"device_id"`
}

// HostInfo is what an agent reports about its host
type HostInfo struct {
	Hostname   string         `json:"hostname"`
	Interfaces []models.IFace `json:"network_interface"`
	CPUCount   int            `json:"cpu_count"`
	MemoryMB   int64          `json:"memory_mb"`
}

// BackendOptions configures a backend process start
type BackendOptions struct {
	CPUMask  string `json:"spdk_cpu_mask,omitempty"`
	MemoryMB int64  `json:"spdk_mem,omitempty"`
	Image    string `json:"spdk_image,omitempty"`
}

// Client is a session with node agents. address is the agent's host:port.
type Client interface {
	HostInfo(ctx context.Context, address string) (*HostInfo, error)
	ScanDevices(ctx context.Context, address string) ([]PCIeDevice, error)
	StartBackend(ctx context.Context, address string, opts BackendOptions) error
	StopBackend(ctx context.Context, address string) error
}

// HTTPClient calls agents over HTTP/JSON. Agents wrap every reply as
// {"status": bool, "results": ..., "error": string}.
type HTTPClient struct {
	timeout time.Duration
	logger  *logging.Logger
}

// NewHTTPClient creates an agent client
func NewHTTPClient(cfg config.AgentConfig, logger *logging.Logger) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = utils.AgentRequestTimeout
	}
	return &HTTPClient{timeout: timeout, logger: logger.Component("agent")}
}

// callTimeout bounds a call by the client timeout and the context deadline
func (c *HTTPClient) callTimeout(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	return timeout, nil
}

func (c *HTTPClient) do(ctx context.Context, a *fiber.Agent, address, path string) (gjson.Result, error) {
	timeout, err := c.callTimeout(ctx)
	if err != nil {
		return gjson.Result{}, err
	}
	a.Timeout(timeout)
	if err := a.Parse(); err != nil {
		return gjson.Result{}, fmt.Errorf("agent %s%s: %w", address, path, err)
	}

	code, body, errs := a.Bytes()
	if len(errs) > 0 {
		return gjson.Result{}, fmt.Errorf("agent %s%s: %w", address, path, errs[0])
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("agent %s%s: invalid json response (HTTP %d)", address, path, code)
	}

	reply := gjson.ParseBytes(body)
	if code >= 400 || !reply.Get("status").Bool() {
		msg := reply.Get("error").String()
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d", code)
		}
		return gjson.Result{}, fmt.Errorf("agent %s%s: %s", address, path, msg)
	}

	c.logger.Debug("Agent call succeeded", "address", address, "path", path)
	return reply.Get("results"), nil
}

func (c *HTTPClient) get(ctx context.Context, address, path string) (gjson.Result, error) {
	return c.do(ctx, fiber.Get("http://"+address+path), address, path)
}

func (c *HTTPClient) post(ctx context.Context, address, path string, body interface{}) (gjson.Result, error) {
	return c.do(ctx, fiber.Post("http://"+address+path).JSON(body), address, path)
}

func (c *HTTPClient) HostInfo(ctx context.Context, address string) (*HostInfo, error) {
	res, err := c.get(ctx, address, PathInfo)
	if err != nil {
		return nil, err
	}

	info := &HostInfo{
		Hostname: res.Get("hostname").String(),
		CPUCount: int(res.Get("cpu_count").Int()),
		MemoryMB: res.Get("memory_mb").Int(),
	}
	for _, iface := range res.Get("network_interface").Array() {
		info.Interfaces = append(info.Interfaces, models.IFace{
			Name:      iface.Get("name").String(),
			IP:        iface.Get("ip").String(),
			Transport: iface.Get("transport").String(),
			Status:    iface.Get("status").String(),
			Data:      iface.Get("data").Bool(),
		})
	}
	if info.Hostname == "" {
		return nil, fmt.Errorf("agent %s: host info has no hostname", address)
	}
	return info, nil
}

func (c *HTTPClient) ScanDevices(ctx context.Context, address string) ([]PCIeDevice, error) {
	res, err := c.get(ctx, address, PathScanDevices)
	if err != nil {
		return nil, err
	}

	var devices []PCIeDevice
	for _, d := range res.Get("nvme_devices").Array() {
		addr := d.Get("address").String()
		if addr == "" {
			continue
		}
		devices = append(devices, PCIeDevice{
			Address:  addr,
			VendorID: d.Get("vendor_id").String(),
			DeviceID: d.Get("device_id").String(),
		})
	}
	return devices, nil
}

func (c *HTTPClient) StartBackend(ctx context.Context, address string, opts BackendOptions) error {
	_, err := c.post(ctx, address, PathStartBackend, opts)
	return err
}

func (c *HTTPClient) StopBackend(ctx context.Context, address string) error {
	_, err := c.get(ctx, address, PathStopBackend)
	return err
}
