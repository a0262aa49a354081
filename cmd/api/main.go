package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"

	"github.com/defiguard/backend/internal/api"
	"github.com/defiguard/backend/internal/api/handlers"
	"github.com/defiguard/backend/internal/bootstrap"
	"github.com/defiguard/backend/internal/metrics"
	"github.com/defiguard/backend/internal/scheduler"
	"github.com/defiguard/backend/pkg/config"
	appLogger "github.com/defiguard/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting DeFi Guard API server")
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := handlers.NewHub()

	components, err := bootstrap.Build(ctx, cfg, hub)
	if err != nil {
		appLogger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	var schedOpts []scheduler.Option
	if components.Cache != nil {
		schedOpts = append(schedOpts, scheduler.WithRunCounter(components.Cache))
	}
	sched := scheduler.New(components.Manager, components.Store, scheduler.Config{
		Interval:        cfg.Scheduler.Interval(),
		MaintenanceHour: cfg.Scheduler.MaintenanceHour,
		ManualOnly:      !cfg.Scheduler.Enabled,
	}, schedOpts...)
	sched.Start(ctx)

	checks := []handlers.Check{
		{Name: "sqlite", Required: true, Probe: components.Store.Ping},
	}
	// Assigning nil pointers to the handler interfaces would make them non-nil.
	var (
		similar handlers.SimilarIndex
		graph   handlers.IncidentGraph
	)
	if components.Cache != nil {
		checks = append(checks, handlers.Check{Name: "redis", Probe: components.Cache.Ping})
	}
	if components.Graph != nil {
		graph = components.Graph
		checks = append(checks, handlers.Check{Name: "neo4j", Probe: components.Graph.Ping})
	}
	if components.Index != nil {
		similar = components.Index
		checks = append(checks, handlers.Check{Name: "milvus", Probe: components.Index.Ping})
	}

	app, stopLimiter := api.NewApp(cfg.Server, api.Handlers{
		Threats: handlers.NewThreatHandler(components.Store, similar, graph, components.Cutoffs),
		Ingest:  handlers.NewIngestHandler(sched, components.Manager, components.Store, time.Duration(cfg.Server.WriteTimeout)*time.Second),
		Health:  handlers.NewHealthHandler(checks...),
		Hub:     hub,
	})
	defer stopLimiter()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting",
		zap.String("address", addr),
		zap.Strings("sources", components.Manager.Sources()),
		zap.Bool("scheduler", cfg.Scheduler.Enabled),
	)

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		appLogger.Error("Server shutdown failed", zap.Error(err))
	}
	cancel()
	sched.Stop()
	appLogger.Info("Server stopped")
}
