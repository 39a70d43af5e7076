package routes

import (
	"context"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/procpulse/auth-api/internal/auth"
	"github.com/procpulse/auth-api/internal/config"
	"github.com/procpulse/auth-api/internal/metrics"
	"github.com/procpulse/auth-api/internal/middleware"
)

// Setup configures all API routes
func Setup(app *fiber.App, cfg *config.Config, logger *logrus.Logger, middlewareManager *middleware.Manager, service *auth.Service, pool *pgxpool.Pool) {
	authHandler := NewAuthHandler(service, logger)

	// Health endpoints (no auth required)
	app.Get("/health", healthCheck)
	app.Get("/readyz", readinessCheck(middlewareManager, pool))
	app.Get("/version", versionHandler)

	// Metrics endpoint (no auth required)
	app.Get(cfg.Observability.MetricsPath, metrics.PrometheusHandler())

	api := app.Group("/api/v1")

	api.Use(metrics.HTTPMetricsMiddleware())
	api.Use(middlewareManager.ErrorLogger.Handle())

	// Auth routes (public)
	authRoutes := api.Group("/auth")
	authRoutes.Post("/register", authHandler.Register)
	authRoutes.Post("/login", authHandler.Login)
	authRoutes.Post("/validate", authHandler.Validate)
	authRoutes.Post("/logout", authHandler.Logout)

	// Protected routes (require a valid bearer token)
	protected := api.Group("/auth")
	protected.Use(middlewareManager.Auth.Authenticate())
	protected.Get("/me", authHandler.Me)

	// 404 handler
	app.Use(notFoundHandler)
}

// healthCheck returns the health status of the service
func healthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"service":   "auth-api",
	})
}

// readinessCheck verifies the durable store and the limiter backend.
// Redis being down degrades logins but the service stays up, so only
// Postgres gates readiness hard; Redis state is reported.
func readinessCheck(middlewareManager *middleware.Manager, pool *pgxpool.Pool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()

		if err := pool.Ping(ctx); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status":    "not ready",
				"reason":    "postgres unavailable",
				"timestamp": time.Now().UTC(),
			})
		}

		redisStatus := "ok"
		redisHealthCheck := middleware.RedisHealthCheck(middlewareManager.RedisClient, middlewareManager.Logger)
		if err := redisHealthCheck(); err != nil {
			redisStatus = "degraded"
		}

		return c.JSON(fiber.Map{
			"status":    "ready",
			"redis":     redisStatus,
			"timestamp": time.Now().UTC(),
			"service":   "auth-api",
		})
	}
}

// versionHandler returns version information
func versionHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"service": "auth-api",
		"version": getVersion(),
	})
}

// notFoundHandler handles 404 errors
func notFoundHandler(c *fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": fiber.Map{
			"code":     "NOT_FOUND",
			"message":  "The requested resource was not found",
			"path":     c.Path(),
			"trace_id": c.Get("X-Request-ID"),
		},
	})
}

func getVersion() string {
	if version := os.Getenv("APP_VERSION"); version != "" {
		return version
	}
	return "dev"
}
