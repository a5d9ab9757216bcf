package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ai-character-runtime/backend/internal/grpcserver"
	"ai-character-runtime/backend/pkg/config"
	"ai-character-runtime/backend/pkg/di"
	"ai-character-runtime/backend/pkg/logger"
	"ai-character-runtime/backend/pkg/observability"
	"ai-character-runtime/backend/pkg/router"
)

func main() {
	// Loads .env when present
	cfg := config.New()

	logConfig := logger.DefaultConfig()
	logConfig.Level = cfg.Logging.Level
	logConfig.JSON = cfg.Logging.Format != "text"
	log := logger.New(logConfig)
	logger.SetGlobal(log)

	log.Info("Starting application", "version", os.Getenv("APP_VERSION"), "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(cfg.Observability.ServiceName, cfg.Observability.TracingEnabled)
	if err != nil {
		log.LogError(err, "Failed to initialize tracing")
		os.Exit(1)
	}
	meterProvider, metricsHandler, err := observability.SetupMetrics()
	if err != nil {
		log.LogError(err, "Failed to initialize metrics")
		os.Exit(1)
	}

	db, err := config.NewDB(ctx, cfg, log)
	if err != nil {
		log.LogError(err, "Failed to initialize database")
		os.Exit(1)
	}

	container, err := di.New(ctx, cfg, db, log)
	if err != nil {
		log.LogError(err, "Failed to initialize dependency container")
		os.Exit(1)
	}

	var grpcSrv *grpcserver.Server
	if cfg.Server.GRPCPort != "" {
		grpcSrv = grpcserver.New(log)
		container.Health.OnUpdate(grpcSrv.SetServing)
	}
	container.Start(ctx)

	r := router.New(container)
	if cfg.Server.OpenAPISchemaPath != "" {
		if err := r.AddOpenAPIValidation(cfg.Server.OpenAPISchemaPath); err != nil {
			log.LogError(err, "OpenAPI validation disabled", "schema", cfg.Server.OpenAPISchemaPath)
		}
	}
	r.SetupRoutes(metricsHandler)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("Server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.LogError(err, "Server failed to start")
			stop()
		}
	}()

	if grpcSrv != nil {
		go func() {
			if err := grpcSrv.ListenAndServe(":" + cfg.Server.GRPCPort); err != nil {
				log.LogError(err, "gRPC server failed")
				stop()
			}
		}()
	}

	<-ctx.Done()
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.Timeout)
	defer cancel()

	container.Hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.LogError(err, "Server forced to shutdown")
	}
	if grpcSrv != nil {
		grpcSrv.Stop(shutdownCtx)
	}
	container.Close()

	if err := meterProvider.Shutdown(shutdownCtx); err != nil {
		log.LogError(err, "Failed to flush metrics")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.LogError(err, "Failed to flush traces")
	}

	log.Info("Server exited gracefully")
}
