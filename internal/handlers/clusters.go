package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/meshstor/meshstor/internal/models"
	"github.com/meshstor/meshstor/internal/utils"
)

// CreateCluster records a new cluster
func (h *Handler) CreateCluster(c *fiber.Ctx) error {
	var req models.CreateClusterRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "INVALID_REQUEST", "Invalid request body: "+err.Error())
	}

	ctx, cancel := h.opContext(c, "create_cluster", utils.ListTimeout)
	defer cancel()
	res, err := h.ops.CreateCluster(ctx, req.Cluster())
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(res.Cluster)
}

// ListClusters lists every cluster
func (h *Handler) ListClusters(c *fiber.Ctx) error {
	ctx, cancel := h.opContext(c, "list_clusters", utils.ListTimeout)
	defer cancel()
	res, err := h.ops.ListClusters(ctx)
	if err != nil {
		return err
	}
	clusters := res.Clusters
	if clusters == nil {
		clusters = []*models.Cluster{}
	}
	return c.JSON(models.ClusterListResponse{Clusters: clusters, Count: len(clusters)})
}

// GetCluster returns one cluster
func (h *Handler) GetCluster(c *fiber.Ctx) error {
	ctx, cancel := h.opContext(c, "get_cluster", utils.ListTimeout)
	defer cancel()
	res, err := h.ops.GetCluster(ctx, c.Params("cluster_id"))
	if err != nil {
		return err
	}
	return c.JSON(res.Cluster)
}

// ListClusterNodes lists the nodes of one cluster
func (h *Handler) ListClusterNodes(c *fiber.Ctx) error {
	return h.listNodes(c, c.Params("cluster_id"))
}
