// Package main provides the drip API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/soshogle/drip/pkg/abtest"
	"github.com/soshogle/drip/pkg/enrollment"
	"github.com/soshogle/drip/pkg/eventbus"
	"github.com/soshogle/drip/pkg/persistence"
	"github.com/soshogle/drip/pkg/scheduler"
	"github.com/soshogle/drip/pkg/services"
	"github.com/soshogle/drip/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	scheduler   *scheduler.Scheduler
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	p persistence.Persistence,
	eventBus eventbus.EventBus,
	sched *scheduler.Scheduler,
) *API {
	return &API{
		logger:      logger,
		persistence: p,
		eventBus:    eventBus,
		scheduler:   sched,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	workflowService := services.NewWorkflow(a.persistence)
	abTestService := services.NewABTest(a.persistence)
	conversionService := services.NewConversion(a.persistence, a.logger)
	enrollmentManager := enrollment.NewManager(a.persistence, a.eventBus, nil, a.logger)
	analyzer := abtest.NewAnalyzer(a.persistence, a.eventBus, a.logger, abtest.AnalyzerConfig{})

	handlers := web.NewAPIHandlers(
		workflowService,
		abTestService,
		conversionService,
		enrollmentManager,
		a.scheduler,
		analyzer,
		a.persistence,
		a.validate,
	)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Drip API")
	})

	w := app.Group("/workflows")
	w.Get("/", handlers.GetWorkflows)
	w.Post("/", handlers.CreateWorkflow)
	w.Get("/:id", handlers.GetWorkflow)
	w.Patch("/:id", handlers.UpdateWorkflow)
	w.Delete("/:id", handlers.DeleteWorkflow)
	w.Post("/:id/archive", handlers.ArchiveWorkflow)
	w.Post("/:id/enroll", handlers.EnrollEntities)
	w.Get("/:id/enrollments", handlers.GetEnrollments)

	e := app.Group("/enrollments")
	e.Post("/:id/cancel", handlers.CancelEnrollment)
	e.Post("/:id/pause", handlers.PauseEnrollment)
	e.Post("/:id/resume", handlers.ResumeEnrollment)
	e.Post("/:id/success", handlers.RecordSuccess)

	t := app.Group("/tests")
	t.Post("/", handlers.CreateTest)
	t.Get("/:id", handlers.GetTest)
	t.Post("/:id/analyze", handlers.AnalyzeTest)

	app.Post("/tick", handlers.Tick)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}
