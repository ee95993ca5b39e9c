package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/meshstor/meshstor/internal/agent"
	"github.com/meshstor/meshstor/internal/models"
	"github.com/meshstor/meshstor/internal/services"
	"github.com/meshstor/meshstor/internal/utils"
)

// AddNode joins a new storage node to a cluster. The response carries the
// node even when peers reported warnings.
func (h *Handler) AddNode(c *fiber.Ctx) error {
	var req models.AddNodeRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "INVALID_REQUEST", "Invalid request body: "+err.Error())
	}

	ctx, cancel := h.opContext(c, "add_node", h.timeout)
	defer cancel()
	res, err := h.ops.AddNode(ctx, &services.AddNodeRequest{
		ClusterID:      req.ClusterID,
		MgmtIP:         req.MgmtIP,
		AgentPort:      req.AgentPort,
		RPCPort:        req.RPCPort,
		RPCUsername:    req.RPCUsername,
		RPCPassword:    req.RPCPassword,
		DataInterfaces: req.DataInterfaces,
		Backend: agent.BackendOptions{
			CPUMask:  req.SPDKCPUMask,
			MemoryMB: req.SPDKMemoryMB,
			Image:    req.SPDKImage,
		},
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

// ListNodes lists nodes, optionally of one cluster
func (h *Handler) ListNodes(c *fiber.Ctx) error {
	return h.listNodes(c, c.Query("cluster_id"))
}

func (h *Handler) listNodes(c *fiber.Ctx, clusterID string) error {
	ctx, cancel := h.opContext(c, "list_nodes", utils.ListTimeout)
	defer cancel()
	res, err := h.ops.ListNodes(ctx, clusterID, c.QueryBool("include_removed"))
	if err != nil {
		return err
	}
	nodes := res.Nodes
	if nodes == nil {
		nodes = []*models.StorageNode{}
	}
	return c.JSON(models.NodeListResponse{Nodes: nodes, Count: len(nodes)})
}

// GetNode returns one node
func (h *Handler) GetNode(c *fiber.Ctx) error {
	ctx, cancel := h.opContext(c, "get_node", utils.ListTimeout)
	defer cancel()
	res, err := h.ops.GetNode(ctx, c.Params("node_id"))
	if err != nil {
		return err
	}
	return c.JSON(res.Node)
}

// nodeOperation runs a lifecycle operation on the node named in the path
func (h *Handler) nodeOperation(c *fiber.Ctx, name string, op func(ctx context.Context, nodeID string) (*services.Result, error)) error {
	ctx, cancel := h.opContext(c, name, h.timeout)
	defer cancel()
	res, err := op(ctx, c.Params("node_id"))
	if err != nil {
		return err
	}
	return c.JSON(res)
}

// SuspendNode takes an online node out of service
func (h *Handler) SuspendNode(c *fiber.Ctx) error {
	force := c.QueryBool("force")
	return h.nodeOperation(c, "suspend_node", func(ctx context.Context, id string) (*services.Result, error) {
		return h.ops.SuspendNode(ctx, id, force)
	})
}

// ResumeNode brings a suspended node back
func (h *Handler) ResumeNode(c *fiber.Ctx) error {
	return h.nodeOperation(c, "resume_node", h.ops.ResumeNode)
}

// ShutdownNode stops a suspended node's backend
func (h *Handler) ShutdownNode(c *fiber.Ctx) error {
	force := c.QueryBool("force")
	return h.nodeOperation(c, "shutdown_node", func(ctx context.Context, id string) (*services.Result, error) {
		return h.ops.ShutdownNode(ctx, id, force)
	})
}

// RestartNode restarts a node's backend and rejoins it
func (h *Handler) RestartNode(c *fiber.Ctx) error {
	return h.nodeOperation(c, "restart_node", h.ops.RestartNode)
}

// RemoveNode retires a node
func (h *Handler) RemoveNode(c *fiber.Ctx) error {
	force := c.QueryBool("force")
	return h.nodeOperation(c, "remove_node", func(ctx context.Context, id string) (*services.Result, error) {
		return h.ops.RemoveNode(ctx, id, force)
	})
}

// GetClusterMap returns the last map pushed to a node
func (h *Handler) GetClusterMap(c *fiber.Ctx) error {
	ctx, cancel := h.opContext(c, "get_cluster_map", utils.ListTimeout)
	defer cancel()
	m, err := h.ops.ClusterMap(ctx, c.Params("node_id"))
	if err != nil {
		return err
	}
	return c.JSON(m)
}
