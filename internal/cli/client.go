// Package cli implements meshctl, the operator command line for the
// controller's HTTP API.
package cli

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/tidwall/gjson"

	"github.com/meshstor/meshstor/internal/models"
	"github.com/meshstor/meshstor/internal/services"
)

// APIError is an error response of the controller
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (HTTP %d): %s", e.Code, e.Status, e.Message)
}

// Client calls the controller API
type Client struct {
	server  string
	apiKey  string
	timeout time.Duration
}

// NewClient creates a client for the controller at server, e.g.
// http://10.0.0.10:5580
func NewClient(server, apiKey string, timeout time.Duration) *Client {
	return &Client{server: strings.TrimRight(server, "/"), apiKey: apiKey, timeout: timeout}
}

func (c *Client) do(a *fiber.Agent, out interface{}) error {
	if c.apiKey != "" {
		a.Set("X-API-Key", c.apiKey)
	}
	a.Timeout(c.timeout)
	if err := a.Parse(); err != nil {
		return err
	}

	code, body, errs := a.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("controller %s: %w", c.server, errs[0])
	}
	if code >= 400 {
		e := gjson.GetBytes(body, "error")
		apiErr := &APIError{Status: code, Code: e.Get("code").String(), Message: e.Get("message").String()}
		if apiErr.Code == "" {
			apiErr.Code = "ERROR"
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("controller %s: invalid response: %w", c.server, err)
	}
	return nil
}

func (c *Client) url(path string, query url.Values) string {
	u := c.server + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func forceQuery(force bool) url.Values {
	if !force {
		return nil
	}
	return url.Values{"force": []string{"true"}}
}

// ListClusters lists every cluster
func (c *Client) ListClusters() ([]*models.Cluster, error) {
	var resp models.ClusterListResponse
	err := c.do(fiber.Get(c.url("/v1/clusters", nil)), &resp)
	return resp.Clusters, err
}

// CreateCluster records a new cluster
func (c *Client) CreateCluster(req *models.CreateClusterRequest) (*models.Cluster, error) {
	var cluster models.Cluster
	if err := c.do(fiber.Post(c.url("/v1/clusters", nil)).JSON(req), &cluster); err != nil {
		return nil, err
	}
	return &cluster, nil
}

// ListNodes lists nodes, of one cluster when clusterID is set
func (c *Client) ListNodes(clusterID string, includeRemoved bool) ([]*models.StorageNode, error) {
	q := url.Values{}
	if clusterID != "" {
		q.Set("cluster_id", clusterID)
	}
	if includeRemoved {
		q.Set("include_removed", "true")
	}
	var resp models.NodeListResponse
	err := c.do(fiber.Get(c.url("/v1/nodes", q)), &resp)
	return resp.Nodes, err
}

// GetNode returns one node
func (c *Client) GetNode(nodeID string) (*models.StorageNode, error) {
	var node models.StorageNode
	if err := c.do(fiber.Get(c.url("/v1/nodes/"+url.PathEscape(nodeID), nil)), &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// AddNode joins a node
func (c *Client) AddNode(req *models.AddNodeRequest) (*services.Result, error) {
	var res services.Result
	if err := c.do(fiber.Post(c.url("/v1/nodes", nil)).JSON(req), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// NodeAction runs suspend, resume, shutdown or restart on a node
func (c *Client) NodeAction(nodeID, action string, force bool) (*services.Result, error) {
	var res services.Result
	path := "/v1/nodes/" + url.PathEscape(nodeID) + "/" + action
	if err := c.do(fiber.Post(c.url(path, forceQuery(force))), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RemoveNode retires a node
func (c *Client) RemoveNode(nodeID string, force bool) (*services.Result, error) {
	var res services.Result
	if err := c.do(fiber.Delete(c.url("/v1/nodes/"+url.PathEscape(nodeID), forceQuery(force))), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListDevices lists the devices of a node
func (c *Client) ListDevices(nodeID string) ([]*models.NVMeDevice, error) {
	var resp models.DeviceListResponse
	err := c.do(fiber.Get(c.url("/v1/nodes/"+url.PathEscape(nodeID)+"/devices", nil)), &resp)
	return resp.Devices, err
}

// AddDevice onboards a device, or discovers new ones when deviceID is empty
func (c *Client) AddDevice(nodeID, deviceID string) (*services.Result, error) {
	var res services.Result
	a := fiber.Post(c.url("/v1/nodes/"+url.PathEscape(nodeID)+"/devices", nil))
	if deviceID != "" {
		a.JSON(models.AddDeviceRequest{DeviceID: deviceID})
	}
	if err := c.do(a, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RemoveDevice retires a device
func (c *Client) RemoveDevice(deviceID string) (*services.Result, error) {
	var res services.Result
	if err := c.do(fiber.Delete(c.url("/v1/devices/"+url.PathEscape(deviceID), nil)), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SetDeviceStatus applies a device status
func (c *Client) SetDeviceStatus(deviceID, status string) (*services.Result, error) {
	var res services.Result
	a := fiber.Put(c.url("/v1/devices/"+url.PathEscape(deviceID)+"/status", nil)).
		JSON(models.SetDeviceStatusRequest{Status: status})
	if err := c.do(a, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
