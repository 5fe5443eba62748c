// bulkjob-service is the HTTP coordinator for bulk writes whose tasks are
// scheduled by an external system.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bulkjob/internal/api"
	"bulkjob/internal/bulkapi"
	"bulkjob/internal/config"
	"bulkjob/internal/dispatcher"
	"bulkjob/internal/health"
	"bulkjob/internal/observability"
	"bulkjob/internal/operation"
	"bulkjob/internal/sharedconf"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Warn("Failed to load .env", "error", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: config.LogLevel()})))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	svcCfg := config.LoadServiceConfig()
	bulkCfg := bulkapi.LoadConfigFromEnv()
	dispatcherCfg := dispatcher.LoadConfigFromEnv()

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	client, err := bulkapi.NewHTTPClient(bulkCfg)
	if err != nil {
		return err
	}
	defer client.Close()

	healthChecker := health.NewChecker().Require("bulkapi", client)

	channels := operation.ChannelFactory(operation.MemoryChannels)
	if svcCfg.DatabaseURL != "" {
		store, err := sharedconf.OpenPostgres(ctx, svcCfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer store.Close()
		channels = store.Scope
		healthChecker.Require("sharedconf", store)
		slog.Info("Shared configuration stored in Postgres")
	} else {
		slog.Warn("Shared configuration kept in memory - tasks must read it from the API")
	}

	eventDispatcher := dispatcher.NewMemory(dispatcherCfg, metrics)
	notifier := &dispatcher.Notifier{
		Dispatcher: eventDispatcher,
		URL:        svcCfg.CallbackURL,
		SigningKey: svcCfg.CallbackKey,
	}
	if svcCfg.CallbackURL == "" {
		slog.Info("Lifecycle callbacks disabled - no CALLBACK_URL configured")
	}

	operations := operation.NewService(client, channels, operation.Config{
		Source:   "bulkjob/service",
		Metrics:  metrics,
		Notifier: notifier,
	})

	router := api.NewRouter(api.RouterConfig{
		Operations:    operations,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * bulkCfg.Timeout,
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 2)
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Stop receiving traffic before draining.
	healthChecker.SetShuttingDown()
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Operations are not resumed after a restart; open jobs are reported for manual abort.
	operations.Shutdown(context.Background())

	slog.Info("Draining callback dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := eventDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}
	stats := eventDispatcher.Stats()
	slog.Info("Dispatcher stats", "delivered", stats.Delivered, "failed", stats.Failed, "dropped", stats.Dropped)

	slog.Info("Shutdown complete")
	return nil
}
