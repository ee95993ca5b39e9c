package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshstor/meshstor/internal/logging"
	"github.com/meshstor/meshstor/internal/models"
	"github.com/meshstor/meshstor/internal/services"
)

func serve(t *testing.T, handlerErr error) (int, models.ErrorResponse) {
	t.Helper()
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(logging.NewNop())})
	app.Get("/test", func(c *fiber.Ctx) error { return handlerErr })

	resp, err := app.Test(httptest.NewRequest("GET", "/test", nil))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var errResp models.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	return resp.StatusCode, errResp
}

func TestErrorHandler_ServiceErrors(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedCode   string
	}{
		{"unknown node", services.NewServiceError(services.KindValidation, "NODE_NOT_FOUND", "node x not found"), fiber.StatusNotFound, "NODE_NOT_FOUND"},
		{"bad input", services.NewServiceError(services.KindValidation, "INVALID_REQUEST", "mgmt_ip is required"), fiber.StatusBadRequest, "INVALID_REQUEST"},
		{"quorum", services.NewServiceError(services.KindPolicy, "HA_QUORUM", "too few nodes"), fiber.StatusConflict, "HA_QUORUM"},
		{"backend", services.NewServiceError(services.KindBackendRPC, "ONBOARDING_FAILED", "chain failed"), fiber.StatusBadGateway, "ONBOARDING_FAILED"},
		{"persistence", services.NewServiceError(services.KindPersistence, "PERSISTENCE_FAILED", "etcd down"), fiber.StatusInternalServerError, "PERSISTENCE_FAILED"},
		{"wrapped", fmt.Errorf("outer: %w", services.NewServiceError(services.KindPolicy, "NODE_BUSY", "busy")), fiber.StatusConflict, "NODE_BUSY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := serve(t, tt.err)
			assert.Equal(t, tt.expectedStatus, status)
			assert.Equal(t, tt.expectedCode, resp.Error.Code)
			assert.Equal(t, "/test", resp.Error.Path)
			assert.NotEmpty(t, resp.Error.Kind)
		})
	}
}

func TestErrorHandler_Details(t *testing.T) {
	err := services.NewServiceError(services.KindPolicy, "NODE_NOT_EMPTY", "node holds volumes").WithDetail("volumes", 2)
	status, resp := serve(t, err)
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, "policy", resp.Error.Kind)
	assert.Equal(t, float64(2), resp.Error.Details["volumes"])
}

func TestErrorHandler_FiberError(t *testing.T) {
	status, resp := serve(t, fiber.NewError(fiber.StatusTeapot, "I'm a teapot"))
	assert.Equal(t, fiber.StatusTeapot, status)
	assert.Equal(t, "I'm a teapot", resp.Error.Message)
	assert.Equal(t, "ERROR", resp.Error.Code)
}

func TestErrorHandler_GenericError(t *testing.T) {
	status, resp := serve(t, errors.New("something went wrong"))
	assert.Equal(t, fiber.StatusInternalServerError, status)
	assert.Equal(t, "Internal Server Error", resp.Error.Message)
}
