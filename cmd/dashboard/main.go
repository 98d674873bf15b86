// Package main provides the entrypoint for the FleetView dashboard
// backend: it reconciles the upstream fleet feed and serves the view
// state to the dashboard frontend.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetview/fleetview/internal/api"
	"github.com/fleetview/fleetview/internal/api/middleware"
	"github.com/fleetview/fleetview/internal/api/ws"
	"github.com/fleetview/fleetview/internal/config"
	"github.com/fleetview/fleetview/internal/feed"
	"github.com/fleetview/fleetview/internal/snapshot"
	"github.com/fleetview/fleetview/internal/stream"
	"github.com/fleetview/fleetview/internal/telemetry"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	const serviceName = "fleetview-dashboard"

	configPath := flag.String("config", "", "path to config file (default config.yml if present)")
	flag.Parse()

	// Setup structured logging
	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	log.Info().
		Str("build_time", BuildTime).
		Msg("starting FleetView dashboard")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Initialize OpenTelemetry
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Environment:    cfg.Telemetry.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()

	if cfg.Telemetry.Enabled {
		log.Info().
			Str("otlp_endpoint", cfg.Telemetry.OTLPEndpoint).
			Msg("OpenTelemetry initialized")
	}

	httpMetrics, err := middleware.NewMetrics()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize HTTP metrics")
	}
	feedMetrics, err := feed.NewMetrics()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize feed metrics")
	}

	// Websocket push channel for the rendering layer
	hub := ws.NewHub(log.With().Str("component", "ws").Logger())
	defer hub.Close()

	// Snapshot fetch collaborator
	snapshots := snapshot.NewClient(snapshot.ClientConfig{
		BaseURL: cfg.Upstream.BaseURL,
		Path:    cfg.Upstream.SnapshotPath,
		Timeout: cfg.Upstream.SnapshotTimeout(),
		Logger:  log.With().Str("component", "snapshot").Logger(),
	})

	// Feed reconciler
	reconciler := feed.New(feed.Config{
		Snapshots:  snapshots,
		Logger:     log.With().Str("component", "feed").Logger(),
		WindowSize: cfg.Feed.RidershipWindow,
		AlertCap:   cfg.Feed.AlertCap,
		OnChange:   hub.Broadcast,
		Metrics:    feedMetrics,
	})

	// Startup snapshot. Failure leaves the view empty with the default
	// map center; the process keeps serving and surfaces an alert.
	if err := reconciler.Bootstrap(ctx); err != nil {
		log.Error().Err(err).Msg("startup snapshot failed, serving empty state")
		reconciler.RecordAlert("upstream snapshot unavailable at startup")
	} else {
		log.Info().Msg("startup snapshot loaded")
	}

	// Live event subscription
	subscriber := stream.NewSubscriber(stream.Config{
		URL:              cfg.Upstream.StreamURL(),
		HeartbeatTimeout: cfg.Upstream.HeartbeatTimeout(),
		Logger:           log.With().Str("component", "stream").Logger(),
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := subscriber.Run(ctx); err != nil {
			log.Error().Err(err).Msg("stream subscriber stopped")
		}
	}()
	go func() {
		defer wg.Done()
		reconciler.Run(ctx, subscriber.Messages())
	}()

	// HTTP server
	router := api.NewRouter(api.RouterConfig{
		Version:       Version,
		BuildTime:     BuildTime,
		Logger:        log,
		Metrics:       httpMetrics,
		State:         reconciler,
		StreamHandler: hub,
	})

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", server.Addr).
			Str("upstream", cfg.Upstream.BaseURL).
			Msg("server listening")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	// Release the live connection and stop the reconciler first, then
	// drain the HTTP server.
	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
		os.Exit(1)
	}

	log.Info().Msg("server stopped")
}
