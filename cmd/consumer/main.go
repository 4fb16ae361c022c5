// Command consumer runs the pattern-relay consumer-and-broadcast tier:
// bus client, pattern cache, scan engine, event subscriber, user filter,
// socket fan-out, offline buffer, flow logger, and their orchestrator,
// fronted by a single HTTP listener.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tickstock/patternrelay/internal/bus"
	"github.com/tickstock/patternrelay/internal/cache"
	"github.com/tickstock/patternrelay/internal/edge"
	"github.com/tickstock/patternrelay/internal/fanout"
	"github.com/tickstock/patternrelay/internal/flowlog"
	"github.com/tickstock/patternrelay/internal/offline"
	"github.com/tickstock/patternrelay/internal/orchestrator"
	"github.com/tickstock/patternrelay/internal/platform/config"
	"github.com/tickstock/patternrelay/internal/platform/healthkit"
	"github.com/tickstock/patternrelay/internal/platform/logging"
	"github.com/tickstock/patternrelay/internal/platform/metrics"
	"github.com/tickstock/patternrelay/internal/platform/middleware"
	"github.com/tickstock/patternrelay/internal/scan"
	"github.com/tickstock/patternrelay/internal/subscriber"
	"github.com/tickstock/patternrelay/internal/userfilter"
)

func main() {
	os.Exit(run())
}

func run() int {
	settings, err := config.LoadSettings()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load settings: %v\n", err)
		return 1
	}

	logger := logging.New(settings.ServiceName, settings.Logging.Level, settings.Logging.Format)
	metr := metrics.New(settings.ServiceName)
	ctx := context.Background()

	b, err := bus.NewRedisBus(bus.Config{
		Host:                 settings.Bus.Host,
		Port:                 settings.Bus.Port,
		DB:                   settings.Bus.DB,
		Password:             settings.Bus.Password,
		MaxConnections:       settings.Bus.MaxConnections,
		SocketTimeout:        settings.Bus.SocketTimeout,
		SocketConnectTimeout: settings.Bus.SocketConnectTimeout,
		HealthCheckInterval:  settings.Bus.HealthCheckInterval,
	}, logger, metr)
	if err != nil {
		logger.Error(ctx, "bus connection failed", err, nil)
		return 1
	}
	defer b.Close()

	patternCache := cache.New(b, cache.Config{
		PatternTTL:    settings.Cache.PatternTTL,
		IndexTTL:      settings.Cache.IndexTTL,
		ResponseTTL:   settings.Cache.ResponseTTL,
		CleanupPeriod: settings.Cache.CleanupPeriod,
	}, logger, metr)
	defer patternCache.Stop()

	scanEngine := scan.New(patternCache, logger, metr)

	userSource := userfilter.NewBusSource(b)
	userFilter := userfilter.New(userSource, b, userfilter.Config{
		RefreshInterval: settings.UserFilter.RefreshInterval,
		UpdateChannel:   userfilter.DefaultConfig().UpdateChannel,
	}, logger)

	registry := fanout.New(logger, metr)
	offlineBuffer := offline.New(b, registry, offline.Config{
		MaxOfflinePerUser: settings.Offline.MaxOfflinePerUser,
	}, logger, metr)
	flowTracker := flowlog.New(settings.ServiceName, logger, metr)

	sub := subscriber.New(b, subscriber.Config{
		Channels:          subscriber.DefaultChannels(),
		ReadTimeout:       settings.Subscriber.ReadTimeout,
		HeartbeatInterval: settings.Subscriber.HeartbeatInterval,
		PatternTTL:        settings.Cache.PatternTTL,
	}, logger, metr, patternCache, userFilter, registry, offlineBuffer, flowTracker, nil)

	orch := orchestrator.New(b, patternCache, userFilter, registry, offlineBuffer, flowTracker, sub, scanEngine, orchestrator.DefaultConfig(), logger, metr)

	probes := healthkit.NewProbeManager(10 * time.Second)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	if err := orch.Start(runCtx); err != nil {
		logger.Error(ctx, "orchestrator start failed", err, nil)
		return 1
	}
	probes.SetReady(true)

	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.MetricsMiddleware(settings.ServiceName, metr))
	router.Use(middleware.NewRecoveryMiddleware(logger).Handler)
	router.Use(middleware.NewSecurityHeadersMiddleware(nil).Handler)
	router.Use(middleware.NewBodyLimitMiddleware(0).Handler)
	router.Use(middleware.NewCORSMiddleware(&middleware.CORSConfig{AllowedOrigins: []string{"*"}}).Handler)

	scanLimiter := middleware.NewRateLimiterFromConfig(middleware.DefaultRateLimiterConfig(logger))
	stopLimiterCleanup := middleware.StartCleanupFromConfig(scanLimiter, middleware.DefaultRateLimiterConfig(logger))
	defer stopLimiterCleanup()

	scanValidator := middleware.NewValidationMiddleware(middleware.DefaultValidationConfig())

	router.Handle("/patterns/scan", scanLimiter.Handler(scanValidator.Handler(edge.ScanHandler(scanEngine)))).Methods(http.MethodGet, http.MethodPost)
	router.Handle("/health", edge.HealthHandler(orch)).Methods(http.MethodGet)
	router.Handle("/ws", edge.SocketHandler(registry, offlineBuffer, logger)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", probes.LivenessHandler()).Methods(http.MethodGet)
	router.HandleFunc("/readyz", probes.ReadinessHandler()).Methods(http.MethodGet)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", settings.Server.Host, settings.Server.Port),
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "consumer listening", map[string]interface{}{"addr": server.Addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info(ctx, "shutdown signal received", map[string]interface{}{"signal": sig.String()})
	case err := <-serverErrCh:
		logger.Error(ctx, "http server failed", err, nil)
		exitCode = 2
	}

	probes.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn(ctx, "http server shutdown did not complete cleanly", map[string]interface{}{"error": err.Error()})
	}

	cancelRun()
	orch.Stop()

	return exitCode
}
