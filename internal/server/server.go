// Package server assembles the fiber application serving the bulk job API.
package server

import (
	"net/url"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/makeasinger/bulkgen/internal/auth"
	"github.com/makeasinger/bulkgen/internal/client"
	"github.com/makeasinger/bulkgen/internal/config"
	"github.com/makeasinger/bulkgen/internal/handler"
	"github.com/makeasinger/bulkgen/internal/logger"
	"github.com/makeasinger/bulkgen/internal/middleware"
	"github.com/makeasinger/bulkgen/internal/model"
	"github.com/makeasinger/bulkgen/internal/service"
	ws "github.com/makeasinger/bulkgen/internal/websocket"
	"github.com/makeasinger/bulkgen/pkg/response"
)

// Deps are the collaborators the HTTP layer is built from
type Deps struct {
	Config    *config.Config
	Bulk      *service.BulkService
	Analytics *service.AnalyticsService
	Instances client.InstanceLister
	Verifier  auth.TokenVerifier
	Limiter   *middleware.RateLimiter
	Hub       *ws.Hub
	// Health reports extra component state on /health
	Health fiber.Map
}

// New creates the fiber app with every route registered
func New(d Deps) *fiber.App {
	cfg := d.Config

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    10 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
		Output: logger.HTTP().Out,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PATCH,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "services": d.Health})
	})

	authHandler := handler.NewAuthHandler(d.Verifier)
	app.Get("/auth/verify", authHandler.Verify)

	if cfg.Storage.Driver == "local" && cfg.Storage.LocalPath != "" {
		app.Static(staticPrefix(cfg.Storage.PublicBaseURL), cfg.Storage.LocalPath)
	}

	var authenticate fiber.Handler
	if cfg.Gateway.Enabled {
		authenticate = middleware.GatewayAuthMiddleware()
	} else {
		authenticate = middleware.NewAuthMiddleware(d.Verifier).Authenticate()
	}

	limiter := d.Limiter
	if limiter == nil {
		limiter = middleware.NewRateLimiter(nil)
	}

	bulkHandler := handler.NewBulkHandler(d.Bulk, d.Analytics, validator.New())
	instanceHandler := handler.NewInstanceHandler(d.Instances)

	api := app.Group("/api", authenticate)
	api.Get("/instances", instanceHandler.List)

	jobs := api.Group("/bulk/jobs")
	jobs.Post("/", limiter.BulkCreateLimit(cfg.RateLimit.BulkCreatePerHour), bulkHandler.Create)
	jobs.Get("/", bulkHandler.List)
	jobs.Get("/:jobId", bulkHandler.Get)
	jobs.Patch("/:jobId/status", bulkHandler.UpdateStatus)
	jobs.Get("/:jobId/prompts", bulkHandler.Prompts)
	jobs.Get("/:jobId/matrix", bulkHandler.Matrix)
	jobs.Get("/:jobId/gallery", bulkHandler.Gallery)
	jobs.Get("/:jobId/score-pair", bulkHandler.ScorePair)
	jobs.Get("/:jobId/analytics", bulkHandler.Analytics)

	scoring := limiter.ScoreLimit(cfg.RateLimit.ScorePerMin)
	jobs.Post("/:jobId/score", scoring, bulkHandler.Score)
	jobs.Post("/:jobId/rate", scoring, bulkHandler.Rate)

	if d.Hub != nil {
		registerWebSocket(app, d.Bulk, d.Hub)
	}

	return app
}

func registerWebSocket(app *fiber.App, bulk *service.BulkService, hub *ws.Hub) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/bulk/jobs/:jobId", func(c *fiber.Ctx) error {
		// unknown jobs are rejected before the upgrade
		job, err := bulk.GetJob(c.UserContext(), c.Params("jobId"))
		if err != nil {
			return response.NotFound(c, "Job not found")
		}
		c.Locals("snapshot", job)
		return c.Next()
	}, websocket.New(func(c *websocket.Conn) {
		snapshot, _ := c.Locals("snapshot").(*model.Job)
		hub.HandleConnection(c, c.Params("jobId"), snapshot)
	}))
}

// staticPrefix returns the path part of the public base URL of stored outputs
func staticPrefix(publicBaseURL string) string {
	u, err := url.Parse(publicBaseURL)
	if err != nil || u.Path == "" {
		return "/files"
	}
	return u.Path
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    response.CodeServiceError,
			"message": message,
		},
	})
}
