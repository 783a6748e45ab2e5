package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/citu-stde/stde-api/internal/config"
	"github.com/citu-stde/stde-api/internal/handler"
	"github.com/citu-stde/stde-api/internal/middleware"
	"github.com/citu-stde/stde-api/internal/models"
	"github.com/citu-stde/stde-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	DocumentHandler   *handler.DocumentHandler
	EvaluationHandler *handler.EvaluationHandler
	IdentityHandler   *handler.IdentityHandler
	ActivityHandler   *handler.ActivityHandler
	JWTMiddleware     fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg))
	app.Get("/metrics", observability.MetricsHandler())

	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	if deps.DocumentHandler != nil {
		documents := app.Group("/api/v1/documents", jwtMiddleware)
		deps.DocumentHandler.Register(documents)
	}

	if deps.EvaluationHandler != nil {
		evaluations := app.Group("/api/v1/evaluations", jwtMiddleware)
		deps.EvaluationHandler.Register(evaluations)

		usage := app.Group("/api/v1/usage", jwtMiddleware)
		deps.EvaluationHandler.RegisterUsage(usage)
	}

	if deps.IdentityHandler != nil {
		// The callback group is open: the popup authenticates with the
		// provider grant inside the message, not a platform credential.
		callback := app.Group("/api/v1/identity")
		callback.Use("/link/callback", middleware.RateLimit("identity-callback", 30, time.Minute))
		deps.IdentityHandler.RegisterCallback(callback)

		identity := app.Group("/api/v1/identity", jwtMiddleware)
		deps.IdentityHandler.Register(identity)
	}

	if deps.ActivityHandler != nil {
		activities := app.Group("/api/v1/activities", jwtMiddleware, middleware.RequireRole(models.RoleAdmin))
		deps.ActivityHandler.Register(activities)
	}
}
