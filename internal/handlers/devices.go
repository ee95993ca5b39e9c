package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/meshstor/meshstor/internal/models"
	"github.com/meshstor/meshstor/internal/utils"
)

// ListDevices lists the devices of a node
func (h *Handler) ListDevices(c *fiber.Ctx) error {
	ctx, cancel := h.opContext(c, "list_devices", utils.ListTimeout)
	defer cancel()
	res, err := h.ops.ListDevices(ctx, c.Params("node_id"))
	if err != nil {
		return err
	}
	devices := res.Devices
	if devices == nil {
		devices = []*models.NVMeDevice{}
	}
	return c.JSON(models.DeviceListResponse{NodeID: res.Node.ID, Devices: devices, Count: len(devices)})
}

// AddDevice onboards new devices of a node. An empty body discovers
// hot-plugged hardware.
func (h *Handler) AddDevice(c *fiber.Ctx) error {
	var req models.AddDeviceRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "INVALID_REQUEST", "Invalid request body: "+err.Error())
		}
	}

	ctx, cancel := h.opContext(c, "add_device", h.timeout)
	defer cancel()
	res, err := h.ops.AddDevice(ctx, c.Params("node_id"), req.DeviceID)
	if err != nil {
		return err
	}
	return c.JSON(res)
}

// RemoveDevice retires a device
func (h *Handler) RemoveDevice(c *fiber.Ctx) error {
	ctx, cancel := h.opContext(c, "remove_device", h.timeout)
	defer cancel()
	res, err := h.ops.RemoveDevice(ctx, c.Params("device_id"))
	if err != nil {
		return err
	}
	return c.JSON(res)
}

// SetDeviceStatus applies an operator status change
func (h *Handler) SetDeviceStatus(c *fiber.Ctx) error {
	var req models.SetDeviceStatusRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "INVALID_REQUEST", "Invalid request body: "+err.Error())
	}
	if req.Status == "" {
		return badRequest(c, "INVALID_STATUS", "status is required")
	}

	ctx, cancel := h.opContext(c, "set_device_status", h.timeout)
	defer cancel()
	res, err := h.ops.SetDeviceStatus(ctx, c.Params("device_id"), models.DeviceStatus(req.Status))
	if err != nil {
		return err
	}
	return c.JSON(res)
}
