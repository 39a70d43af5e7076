package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/procpulse/auth-api/internal/auth"
	"github.com/procpulse/auth-api/internal/config"
	"github.com/procpulse/auth-api/internal/limiter"
	"github.com/procpulse/auth-api/internal/logging"
	"github.com/procpulse/auth-api/internal/metrics"
	"github.com/procpulse/auth-api/internal/middleware"
	"github.com/procpulse/auth-api/internal/routes"
	"github.com/procpulse/auth-api/internal/store"
	"github.com/procpulse/auth-api/internal/token"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/sirupsen/logrus"
)

func main() {
	// Load configuration. A missing JWT secret outside development
	// fails here, before anything listens.
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(cfg)

	if cfg.UsingDevSecret() {
		logger.Warn("JWT_SECRET not set, using the built-in development secret. Never run this configuration in production.")
	}

	if err := metrics.Init(); err != nil {
		logger.WithError(err).Fatal("Failed to initialize metrics")
	}

	tracingShutdown, err := middleware.InitTracing(&cfg.Observability, cfg.Server.Environment, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to setup tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracingShutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Failed to shutdown tracing")
		}
	}()

	// Durable relational store (authoritative).
	ctx := context.Background()
	pool, err := store.NewPool(ctx, &cfg.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer pool.Close()

	if err := store.Migrate(ctx, pool); err != nil {
		logger.WithError(err).Fatal("Failed to ensure database schema")
	}
	logger.Info("Database connection established")

	tokens := token.NewIssuer(&cfg.JWT)

	middlewareManager, err := middleware.NewManager(cfg, tokens, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize middleware manager")
	}
	defer middlewareManager.Close()

	users := store.NewCredentialStore(pool, cfg.Postgres.StatementTimeout)
	sessions := store.NewSessionStore(pool, cfg.Postgres.StatementTimeout)
	audit := store.NewAuditLog(pool, cfg.Postgres.StatementTimeout)
	attempts := limiter.New(middlewareManager.RedisClient)

	service := auth.NewService(users, sessions, audit, attempts, tokens, cfg, logger)

	app := fiber.New(fiber.Config{
		AppName:      "Auth API",
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}

			logger.WithError(err).WithFields(logrus.Fields{
				"method": c.Method(),
				"path":   c.Path(),
				"status": code,
			}).Error("Request error")

			return c.Status(code).JSON(fiber.Map{
				"error": fiber.Map{
					"code":     "INTERNAL_ERROR",
					"message":  "Internal server error",
					"trace_id": c.Get("X-Request-ID"),
				},
			})
		},
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(helmet.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.CORS.AllowOrigins,
		AllowMethods: "GET,POST,HEAD,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-Requested-With",
		// Wildcard origins cannot be combined with credentials.
		AllowCredentials: cfg.CORS.AllowOrigins != "*",
		MaxAge:           86400,
	}))
	app.Use(otelfiber.Middleware())

	routes.Setup(app, cfg, logger, middlewareManager, service, pool)

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-c
		logger.Info("Gracefully shutting down...")
		if err := app.Shutdown(); err != nil {
			logger.WithError(err).Error("Server shutdown failed")
		}
	}()

	logger.WithField("port", cfg.Server.Port).Info("Starting Auth API server")
	if err := app.Listen(":" + cfg.Server.Port); err != nil {
		logger.WithError(err).Fatal("Server failed to start")
	}
}
