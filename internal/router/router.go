package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gradesync-api/internal/config"
	"github.com/noah-isme/gradesync-api/internal/handler"
	"github.com/noah-isme/gradesync-api/internal/middleware"
	"github.com/noah-isme/gradesync-api/internal/observability"
	"github.com/noah-isme/gradesync-api/internal/realtime"
	"github.com/noah-isme/gradesync-api/internal/service"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	Hub             *realtime.Hub
	Records         service.RecordService
	RecordHandler   *handler.RecordHandler
	RealtimeHandler *handler.RealtimeHandler
	JWTMiddleware   fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	if deps.RealtimeHandler != nil {
		deps.RealtimeHandler.Register(app.Group("/realtime"))
	}

	api := app.Group("/api", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.Hub, deps.Records))

	if deps.RecordHandler == nil {
		return
	}

	// Mutations are open unless http.require_auth is set; they are always rate limited.
	guard := []fiber.Handler{middleware.RateLimit("records", cfg.RateLimit, time.Minute)}
	notifyGuard := []fiber.Handler{middleware.RateLimit("notifications", cfg.RateLimit, time.Minute)}
	if cfg.RequireAuth {
		jwtMiddleware := deps.JWTMiddleware
		if jwtMiddleware == nil {
			jwtMiddleware = middleware.JWTProtected(cfg.JWTSecret)
		}
		staff := middleware.WithAuth(func(c *fiber.Ctx) error { return c.Next() }, middleware.AuthOptions{Role: middleware.AuthRoleStaff})
		guard = append([]fiber.Handler{jwtMiddleware, staff}, guard...)
		notifyGuard = append([]fiber.Handler{jwtMiddleware, middleware.RequireStaff()}, notifyGuard...)
	}

	deps.RecordHandler.RegisterStudents(api.Group("/students"), guard...)
	deps.RecordHandler.RegisterGrades(api.Group("/grades"), guard...)
	api.Get("/stats/dashboard", deps.RecordHandler.Dashboard)
	api.Post("/notifications", append(notifyGuard, deps.RecordHandler.Notify)...)
}
