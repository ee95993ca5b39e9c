package middleware

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/meshstor/meshstor/internal/logging"
	"github.com/meshstor/meshstor/internal/models"
	"github.com/meshstor/meshstor/internal/services"
)

// StatusFor maps a service error to its HTTP status
func StatusFor(se *services.ServiceError) int {
	switch se.Kind {
	case services.KindValidation:
		if strings.HasSuffix(se.Code, "NOT_FOUND") {
			return fiber.StatusNotFound
		}
		return fiber.StatusBadRequest
	case services.KindPolicy:
		return fiber.StatusConflict
	case services.KindBackendRPC:
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

// ErrorHandler returns a custom error handler middleware
func ErrorHandler(logger *logging.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		detail := models.ErrorDetail{
			Code:    "ERROR",
			Message: "Internal Server Error",
			Path:    c.Path(),
		}

		var se *services.ServiceError
		var fe *fiber.Error
		switch {
		case errors.As(err, &se):
			code = StatusFor(se)
			detail.Code = se.Code
			detail.Kind = string(se.Kind)
			detail.Message = se.Error()
			detail.Details = se.Details
		case errors.As(err, &fe):
			code = fe.Code
			detail.Message = fe.Message
		}

		fields := []interface{}{
			"path", c.Path(),
			"method", c.Method(),
			"status", code,
			"error", err,
		}
		if code >= fiber.StatusInternalServerError {
			logger.Error("Request error", fields...)
		} else {
			logger.Warn("Request rejected", fields...)
		}

		return c.Status(code).JSON(models.ErrorResponse{Error: detail})
	}
}
