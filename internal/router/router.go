package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/meshstor/meshstor/internal/config"
	"github.com/meshstor/meshstor/internal/handlers"
	"github.com/meshstor/meshstor/internal/logging"
	"github.com/meshstor/meshstor/internal/middleware"
)

// Setup configures all routes and middlewares
func Setup(app *fiber.App, logger *logging.Logger, ops handlers.NodeOperations, cfg *config.Config, version string) *handlers.Handler {
	h := handlers.New(logger, ops, version)

	// Global middlewares
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-API-Key,X-Request-ID",
	}))
	app.Use(logging.FiberMiddleware(logger, logging.DefaultMiddlewareConfig()))

	// Health check (no auth required)
	app.Get("/health", h.Health)

	v1 := app.Group("/v1", middleware.APIKeyAuth(logger, cfg.Auth.APIKeys, cfg.Auth.Enabled))

	// Clusters
	v1.Post("/clusters", h.CreateCluster)
	v1.Get("/clusters", h.ListClusters)
	v1.Get("/clusters/:cluster_id", h.GetCluster)
	v1.Get("/clusters/:cluster_id/nodes", h.ListClusterNodes)

	// Storage node lifecycle
	v1.Post("/nodes", h.AddNode)
	v1.Get("/nodes", h.ListNodes)
	v1.Get("/nodes/:node_id", h.GetNode)
	v1.Delete("/nodes/:node_id", h.RemoveNode)
	v1.Post("/nodes/:node_id/suspend", h.SuspendNode)
	v1.Post("/nodes/:node_id/resume", h.ResumeNode)
	v1.Post("/nodes/:node_id/shutdown", h.ShutdownNode)
	v1.Post("/nodes/:node_id/restart", h.RestartNode)
	v1.Get("/nodes/:node_id/map", h.GetClusterMap)

	// Devices
	v1.Get("/nodes/:node_id/devices", h.ListDevices)
	v1.Post("/nodes/:node_id/devices", h.AddDevice)
	v1.Delete("/devices/:device_id", h.RemoveDevice)
	v1.Put("/devices/:device_id/status", h.SetDeviceStatus)

	// 404 handler
	app.Use(h.NotFound)

	return h
}

// New creates the controller's Fiber app
func New(logger *logging.Logger, ops handlers.NodeOperations, cfg *config.Config, version string) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "meshstor controller",
		DisableStartupMessage: true,
		ErrorHandler:          middleware.ErrorHandler(logger),
	})

	Setup(app, logger, ops, cfg, version)

	return app
}
