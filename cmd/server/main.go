package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"diagram-collab/internal/api"
	"diagram-collab/internal/app"
	"diagram-collab/internal/config"
	"diagram-collab/internal/logger"
	"diagram-collab/internal/services"
	"diagram-collab/internal/services/collaboration"
	"diagram-collab/internal/telemetry"

	"go.uber.org/zap"
)

/*
Startup order:

  config → logger → tracing → store → broker → services → scheduler → HTTP

Shutdown runs in reverse: stop accepting requests, close websocket
connections, stop the scheduler, close the broker, flush traces, close the DB.
*/

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Must("development").Fatal("❌ Failed to load config", zap.Error(err))
	}

	log := logger.Must(cfg.LogEnv)
	defer log.Sync()

	log.Info("🚀 Starting diagram collaboration server...")

	// Tracing first so every later operation is traced
	jaegerShutdown, err := telemetry.InitJaeger(cfg.JaegerEndpoint, cfg.JaegerSampleRatio, log)
	if err != nil {
		log.Warn("⚠️  Failed to initialize Jaeger, continuing without tracing", zap.Error(err))
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}

	st, err := app.OpenStores(cfg, log)
	if err != nil {
		log.Fatal("❌ Failed to open store", zap.Error(err))
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 10*time.Second)
	fabric, err := app.OpenBroker(startCtx, cfg, log)
	cancelStart()
	if err != nil {
		log.Fatal("❌ Failed to open broker", zap.Error(err))
	}

	svc := app.NewServices(cfg, st, fabric, log)
	scheduler, err := services.NewScheduler(svc.Janitor, log, cfg.JanitorSweepSpec, cfg.JanitorStatsSpec)
	if err != nil {
		log.Fatal("❌ Invalid janitor schedule", zap.Error(err))
	}
	scheduler.Start()

	gateway := collaboration.NewGateway(fabric, svc.Broadcaster, svc.Lifecycle, svc.Presence, log)
	handler := api.NewHandler(svc.Lifecycle, svc.Presence, svc.Broadcaster, gateway, log)
	router := api.SetupRoutes(handler, log)

	server := &http.Server{
		Addr:        cfg.ListenAddr(),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// websocket connections manage their own write deadlines
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("🌐 Server listening",
			zap.String("addr", "http://"+cfg.ListenAddr()),
			zap.String("store", cfg.StoreDriver),
			zap.String("broker", cfg.BrokerDriver),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("❌ Server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Warn("⚠️  Server forced to shutdown", zap.Error(err))
	}
	if err := gateway.Manager().Shutdown(ctx); err != nil {
		log.Warn("⚠️  Gateway connections did not drain", zap.Error(err))
	}
	scheduler.Stop(ctx)
	if err := fabric.Close(); err != nil {
		log.Warn("⚠️  Failed to close broker", zap.Error(err))
	}
	if err := jaegerShutdown(ctx); err != nil {
		log.Warn("⚠️  Failed to shutdown Jaeger", zap.Error(err))
	}
	if err := st.Close(); err != nil {
		log.Warn("⚠️  Failed to close store", zap.Error(err))
	}

	log.Info("✓ Server shutdown complete")
}
