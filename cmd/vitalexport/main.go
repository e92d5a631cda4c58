package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vitalworks/vitalexport/internal/config"
	"github.com/vitalworks/vitalexport/internal/export"
	"github.com/vitalworks/vitalexport/internal/healthapi"
	"github.com/vitalworks/vitalexport/internal/httpapi"
	"github.com/vitalworks/vitalexport/internal/logging"
	"github.com/vitalworks/vitalexport/internal/schedule"
)

func main() {
	// A .env file is a convenience for local development; absence is fine.
	_ = godotenv.Load()

	configPath := os.Getenv("VITALEXPORT_CONFIG")
	if configPath == "" {
		configPath = "vitalexport.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, levelVar := logging.Setup(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	provider, err := healthapi.NewClient(healthapi.ClientOptions{
		BaseURL:    cfg.Provider.BaseURL,
		Token:      cfg.Provider.Token,
		HTTPClient: &http.Client{Timeout: cfg.Provider.Timeout},
		RateLimit:  cfg.Provider.RateLimit,
		Burst:      cfg.Provider.Burst,
	})
	if err != nil {
		log.Fatalf("failed to build provider client: %v", err)
	}

	registry := export.DefaultRegistry(provider, export.ReaderOptions{
		MinSessionDuration: cfg.Export.MinSessionDuration,
	})

	cursorStore, err := export.BuildCursorStoreFromDSN(cfg.CursorStore.DSN)
	if err != nil {
		log.Fatalf("failed to build cursor store: %v", err)
	}
	defer func() {
		if err := export.CloseCursorStore(cursorStore); err != nil {
			logger.Error("cursor store close failed", "error", err)
		}
	}()

	sink, err := export.BuildSinkFromDSN(cfg.Sink.DSN, cfg.Sink.Token)
	if err != nil {
		log.Fatalf("failed to build delivery sink: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	metrics := export.NewMetrics(promRegistry)

	orchestrator, err := export.NewOrchestrator(export.OrchestratorOptions{
		Provider:        provider,
		Registry:        registry,
		CursorStore:     cursorStore,
		Sink:            sink,
		Lookback:        cfg.Export.Lookback,
		ReadConcurrency: cfg.Export.ReadConcurrency,
		Metrics:         metrics,
		Logger:          logger.With("component", "orchestrator"),
	})
	if err != nil {
		log.Fatalf("failed to build orchestrator: %v", err)
	}

	coordinator, err := schedule.NewCoordinator(schedule.CoordinatorOptions{
		Runner:  orchestrator,
		Metrics: metrics,
		Logger:  logger.With("component", "coordinator"),
	})
	if err != nil {
		log.Fatalf("failed to build run coordinator: %v", err)
	}

	scheduler, err := schedule.NewScheduler(coordinator, logger.With("component", "scheduler"))
	if err != nil {
		log.Fatalf("failed to build scheduler: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := scheduler.Start(ctx, cfg.Export.Schedule); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}
	defer scheduler.Stop()

	// Live reload covers schedule and log level; everything else needs a
	// restart.
	watcher, err := config.NewWatcher(configPath, logger.With("component", "config"))
	if err != nil {
		logger.Warn("config watcher unavailable, live reload disabled", "error", err)
	} else {
		go func() {
			watchErr := watcher.Watch(ctx, func(next *config.Config) {
				levelVar.Set(logging.ParseLevel(next.Logging.Level))
				if err := scheduler.Reschedule(ctx, next.Export.Schedule); err != nil {
					logger.Error("failed to apply new export schedule", "error", err)
				}
			})
			if watchErr != nil {
				logger.Warn("config watcher exited", "error", watchErr)
			}
		}()
	}

	apiServer := httpapi.NewServer(coordinator, scheduler, promRegistry, httpapi.ServerConfig{
		AuthToken: cfg.API.AuthToken,
	}, logger.With("component", "httpapi"))

	httpServer := &http.Server{
		Addr:         cfg.API.ListenAddress,
		Handler:      apiServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("vitalexport listening", "addr", cfg.API.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
}
