// Package api assembles the HTTP surface of the service.
package api

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/defiguard/backend/internal/api/handlers"
	"github.com/defiguard/backend/internal/metrics"
	"github.com/defiguard/backend/internal/middleware/ratelimit"
	"github.com/defiguard/backend/internal/middleware/security"
	"github.com/defiguard/backend/internal/middleware/validation"
	"github.com/defiguard/backend/pkg/config"
	"github.com/defiguard/backend/pkg/logger"
)

type Handlers struct {
	Threats *handlers.ThreatHandler
	Ingest  *handlers.IngestHandler
	Health  *handlers.HealthHandler
	Hub     *handlers.Hub
}

// NewApp builds the fiber app and its routes. The returned stop function
// releases the rate limiter.
func NewApp(cfg config.ServerConfig, h Handlers) (*fiber.App, func()) {
	app := fiber.New(fiber.Config{
		AppName:      "defi-guard",
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		BodyLimit:    cfg.BodyLimit,
	})

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.MaxRequestsPerMinute,
		SkipPrefixes:         []string{"/metrics", "/api/v1/health", "/ws/"},
		Logger:               logger.Named("ratelimit"),
	})

	app.Use(recover.New())
	if cfg.Development {
		app.Use(fiberlogger.New())
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(cfg.AllowedOrigins, ","),
		AllowHeaders: "Origin, Content-Type, Accept, X-Client-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		IsDevelopment:  cfg.Development,
	}))
	app.Use(limiter.Middleware())
	app.Use(validation.Middleware(validation.Config{
		Logger: logger.Named("validation"),
	}))

	app.Get("/metrics", metrics.MetricsHandler())

	v1 := app.Group("/api/v1")
	v1.Get("/health", h.Health.Health)

	v1.Get("/threats", h.Threats.ListThreats)
	v1.Get("/threats/:id", h.Threats.GetThreat)
	v1.Get("/threats/:id/similar", h.Threats.SimilarThreats)
	v1.Get("/protocols", h.Threats.ListProtocols)
	v1.Get("/protocols/:name/graph", h.Threats.ProtocolGraph)
	v1.Get("/statistics", h.Threats.Statistics)

	v1.Get("/sources", h.Ingest.ListSources)
	v1.Get("/runs", h.Ingest.ListRuns)
	v1.Post("/scrape", h.Ingest.Scrape)

	if h.Hub != nil {
		app.Use("/ws", h.Hub.Upgrade)
		app.Get("/ws/ingest", websocket.New(h.Hub.HandleConnection))
	}

	return app, limiter.Stop
}
