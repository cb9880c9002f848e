package routes

import (
	"time"

	"thephotocrm/automation"
	"thephotocrm/content"
	controller "thephotocrm/controllers"
	"thephotocrm/middleware"
	"thephotocrm/store"
	"thephotocrm/worker"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Deps is everything the HTTP layer needs from main.
type Deps struct {
	DB              *gorm.DB
	Redis           *redis.Client
	Engine          *automation.Engine
	Schedules       *store.ScheduleStore
	Content         content.Source
	Hub             *worker.Hub
	JWTSecret       string
	IntakeRateLimit int
	DefaultLocation *time.Location
}

func SetupAPIRoutes(app *fiber.App, deps Deps) {
	// Initialize controllers with their respective loggers
	automationController := controller.NewAutomationController(deps.DB, deps.Engine, logrus.WithField("component", "automation_api"))
	dripController := controller.NewDripController(deps.DB, deps.Engine, deps.DefaultLocation, logrus.WithField("component", "drip_api"))
	eventController := controller.NewEventController(deps.DB, deps.Engine, logrus.WithField("component", "event_api"))
	executionController := controller.NewExecutionController(deps.Schedules, deps.Hub, logrus.WithField("component", "execution_api"))
	stageController := controller.NewStageController(deps.DB)
	templateController := controller.NewTemplateController(deps.DB, deps.Content)

	// API group with versioning and protection
	api := app.Group("/api/v1", middleware.Protected(deps.DB, deps.JWTSecret), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Event intake from the entity store
	events := api.Group("/events", middleware.IntakeRateLimiter(deps.IntakeRateLimit, deps.Redis))
	events.Post("/stage-change", eventController.StageChange)

	// Pipeline stages
	stages := api.Group("/stages")
	stages.Get("/", stageController.GetStages)
	stages.Post("/defaults", stageController.SeedDefaultStages)

	// Automation rules
	automations := api.Group("/automations")
	automations.Post("/", automationController.CreateRule)
	automations.Get("/", automationController.GetRules)
	automations.Get("/:id", automationController.GetRule)
	automations.Put("/:id", automationController.UpdateRule)
	automations.Delete("/:id", automationController.DeleteRule)
	automations.Post("/:id/enable", automationController.EnableRule)
	automations.Post("/:id/disable", automationController.DisableRule)
	automations.Post("/:id/steps", automationController.AddStep)
	automations.Put("/:id/steps/order", automationController.ReorderSteps)
	automations.Put("/:id/steps/:stepId", automationController.UpdateStep)
	automations.Delete("/:id/steps/:stepId", automationController.DeleteStep)

	// Drip campaigns
	drips := api.Group("/drip-campaigns")
	drips.Post("/", dripController.CreateCampaign)
	drips.Get("/", dripController.GetCampaigns)
	drips.Get("/:id", dripController.GetCampaign)
	drips.Put("/:id", dripController.UpdateCampaign)
	drips.Delete("/:id", dripController.DeleteCampaign)
	drips.Post("/:id/enable", dripController.EnableCampaign)
	drips.Post("/:id/disable", dripController.DisableCampaign)
	drips.Post("/:id/steps", dripController.AddStep)
	drips.Delete("/:id/steps/:stepId", dripController.DeleteStep)
	drips.Get("/:id/timeline", dripController.PreviewTimeline)
	drips.Get("/:id/enrollments", dripController.GetEnrollments)
	drips.Post("/:id/enrollments", dripController.Enroll)
	api.Delete("/drip-enrollments/:id", dripController.Unenroll)

	// Templates
	templates := api.Group("/templates")
	templates.Post("/", templateController.CreateTemplate)
	templates.Get("/", templateController.GetTemplates)
	templates.Get("/:id", templateController.GetTemplate)
	templates.Put("/:id", templateController.UpdateTemplate)
	templates.Delete("/:id", templateController.DeleteTemplate)
	templates.Post("/:id/preview", templateController.PreviewTemplate)

	// Scheduled executions; the stream is registered before /:id
	executions := api.Group("/executions")
	executions.Get("/stream", executionController.UpgradeCheck, websocket.New(executionController.Stream))
	executions.Get("/stats", executionController.GetStats)
	executions.Get("/", executionController.GetExecutions)
	executions.Get("/:id", executionController.GetExecution)
	executions.Post("/:id/retry", executionController.RetryExecution)

	logrus.Info("API routes initialized successfully")
}

func SetupRoutes(app *fiber.App, deps Deps) {
	// Setup health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Setup API routes
	SetupAPIRoutes(app, deps)

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
