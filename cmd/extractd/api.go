// Package main provides the extractd API server implementation.
package main

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"go.opentelemetry.io/otel/trace"

	"github.com/extractd/extractd/pkg/inspector"
	"github.com/extractd/extractd/pkg/store"
	"github.com/extractd/extractd/pkg/supervisor"
	"github.com/extractd/extractd/pkg/web"
)

type API struct {
	logger     *slog.Logger
	supervisor *supervisor.Supervisor
	inspector  *inspector.Inspector
	store      store.Store
	tracer     trace.Tracer
	validate   *validator.Validate
	app        *fiber.App
}

func NewAPI(
	logger *slog.Logger,
	consumerSupervisor *supervisor.Supervisor,
	offsetInspector *inspector.Inspector,
	specStore store.Store,
	tracer trace.Tracer,
) *API {
	return &API{
		logger:     logger,
		supervisor: consumerSupervisor,
		inspector:  offsetInspector,
		store:      specStore,
		tracer:     tracer,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.supervisor, a.inspector, a.store, a.validate, a.tracer)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Extractd API")
	})

	consumers := app.Group("/consumers")
	consumers.Get("/", handlers.GetConsumers)
	consumers.Post("/", handlers.CreateConsumer)
	consumers.Get("/:id", handlers.GetConsumer)
	consumers.Put("/:id", handlers.UpdateConsumer)
	consumers.Delete("/:id", handlers.DeleteConsumer)
	consumers.Post("/:id/start", handlers.StartConsumer)
	consumers.Post("/:id/stop", handlers.StopConsumer)

	groups := app.Group("/consumergroups")
	groups.Get("/", handlers.GetConsumerGroups)
	groups.Get("/:groupId/offsets", handlers.GetConsumerGroupOffsets)

	monitor := app.Group("/monitor")
	monitor.Get("/consumer-group-offsets", handlers.MonitorGroupOffsets)
	monitor.Get("/consumer-group-lag", handlers.MonitorGroupLag)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	a.app = a.App()

	return a.app.Listen(":" + strconv.Itoa(port))
}

func (a *API) Shutdown(ctx context.Context) error {
	if a.app == nil {
		return nil
	}

	return a.app.ShutdownWithContext(ctx)
}
