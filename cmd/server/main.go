package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/astrolin/vigil/internal/config"
	"github.com/astrolin/vigil/internal/di"
	"github.com/astrolin/vigil/internal/scheduler"
	"github.com/astrolin/vigil/internal/server"
	"github.com/astrolin/vigil/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		bootstrapLog := logger.New(logger.Config{Level: "info", Pretty: true})
		bootstrapLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting Vigil")

	// Wire databases, repositories and services
	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire application")
	}
	defer container.Close()

	// Warm the symbol cache in the background; readiness is reported
	// through /ready until the load completes.
	cacheCtx, cancelCache := context.WithCancel(context.Background())
	defer cancelCache()
	container.Cache.Start(cacheCtx)

	// Register nightly batch jobs
	sched := scheduler.New(log)
	if err := registerJobs(sched, container, cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to register jobs")
	}
	sched.Start()
	defer sched.Stop()

	// Initialize HTTP server
	handlers := server.NewHandlers(
		container.Tracker,
		container.HistoryRepo,
		container.Onboarding,
		container.Cache,
		container.PortfolioRepo,
		container.SnapshotRepo,
		container.AnalyticsRepo,
		container.UniverseRepo,
		[]server.HealthChecker{container.UniverseDB, container.PortfolioDB, container.CacheDB},
		container.Calendar,
		log,
	)

	srv := server.New(server.Config{
		Port:     cfg.Port,
		DevMode:  cfg.DevMode,
		Log:      log,
		Handlers: handlers,
	})

	// Start server in goroutine
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}

func registerJobs(sched *scheduler.Scheduler, c *di.Container, cfg *config.Config) error {
	if err := sched.AddJob(cfg.SymbolBatchSchedule, scheduler.NewBatchJob("symbol_batch", c.SymbolRunner)); err != nil {
		return err
	}
	return sched.AddJob(cfg.PortfolioRefreshSchedule, scheduler.NewBatchJob("portfolio_refresh", c.PortfolioRunner))
}
