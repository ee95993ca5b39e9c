package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/meshstor/meshstor/internal/logging"
	"github.com/meshstor/meshstor/internal/models"
	"github.com/meshstor/meshstor/internal/services"
	"github.com/meshstor/meshstor/internal/utils"
)

// NodeOperations is the lifecycle surface the HTTP API drives.
// *services.NodeService implements it.
type NodeOperations interface {
	CreateCluster(ctx context.Context, cluster *models.Cluster) (*services.Result, error)
	GetCluster(ctx context.Context, id string) (*services.Result, error)
	ListClusters(ctx context.Context) (*services.Result, error)
	ClusterMap(ctx context.Context, nodeID string) (*models.ClusterMap, error)

	AddNode(ctx context.Context, req *services.AddNodeRequest) (*services.Result, error)
	GetNode(ctx context.Context, nodeID string) (*services.Result, error)
	ListNodes(ctx context.Context, clusterID string, includeRemoved bool) (*services.Result, error)
	SuspendNode(ctx context.Context, nodeID string, force bool) (*services.Result, error)
	ResumeNode(ctx context.Context, nodeID string) (*services.Result, error)
	ShutdownNode(ctx context.Context, nodeID string, force bool) (*services.Result, error)
	RestartNode(ctx context.Context, nodeID string) (*services.Result, error)
	RemoveNode(ctx context.Context, nodeID string, force bool) (*services.Result, error)

	AddDevice(ctx context.Context, nodeID, deviceID string) (*services.Result, error)
	ListDevices(ctx context.Context, nodeID string) (*services.Result, error)
	RemoveDevice(ctx context.Context, deviceID string) (*services.Result, error)
	SetDeviceStatus(ctx context.Context, deviceID string, status models.DeviceStatus) (*services.Result, error)
}

// Handler contains all HTTP handlers
type Handler struct {
	logger  *logging.Logger
	ops     NodeOperations
	version string
	timeout time.Duration
}

// New creates a new handler instance
func New(logger *logging.Logger, ops NodeOperations, version string) *Handler {
	return &Handler{
		logger:  logger.Component("api"),
		ops:     ops,
		version: version,
		timeout: utils.DefaultRequestTimeout,
	}
}

// opContext bounds an operation by timeout and tags it for logging. It is
// detached from the request so a client disconnect does not abort a
// transition midway.
func (h *Handler) opContext(c *fiber.Ctx, op string, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx := logging.WithOperation(logging.Detach(c.UserContext()), op)
	return context.WithTimeout(ctx, timeout)
}

func badRequest(c *fiber.Ctx, code, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
		Error: models.ErrorDetail{
			Code:    code,
			Message: message,
			Path:    c.Path(),
		},
	})
}
