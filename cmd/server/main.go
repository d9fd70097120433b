// Verilocate - Device Pairing and Telemetry Localization
// Copyright 2026 Verilocate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verilocate/verilocate

// Package main is the entry point for the Verilocate server.
//
// Verilocate pairs mobile devices against an external identity verifier
// via QR codes, ingests their telemetry logs in embedded-timestamp order,
// estimates device locations from Wi-Fi scan lines, and pushes directory
// and location updates to a live dashboard over WebSocket.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: layered defaults, config file, environment (Koanf v2)
//  2. Registry: BadgerDB device directory plus TTL-bound pending sessions
//  3. Sink: DuckDB append-only telemetry store
//  4. Verifier client: rate-limited, circuit-broken HTTPS calls
//  5. WebSocket hub: pairing channels and the dashboard slot
//  6. Ingestion engine: per-device ordered processing
//  7. HTTP server: REST API, WebSocket upgrade, Prometheus metrics
//
// The hub and HTTP server run under a Suture supervisor tree and restart
// independently on failure.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins): environment variables, config file, built-in defaults.
// Required settings:
//
//	export JWT_SECRET=$(openssl rand -base64 32)
//	export VERIFIER_URL=https://verifier.example.com
//	export CALLBACK_BASE_URL=http://203.0.113.7:8443
//	export LOCATOR_SCRIPT=/opt/verilocate/estimate.py
//	./verilocate
//
// # Signal Handling
//
// The server shuts down gracefully on SIGINT and SIGTERM: the HTTP server
// stops accepting connections and drains in-flight requests, the hub
// closes its channels, and the Badger and DuckDB handles are closed last.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/verilocate/verilocate/internal/api"
	"github.com/verilocate/verilocate/internal/auth"
	"github.com/verilocate/verilocate/internal/config"
	"github.com/verilocate/verilocate/internal/ingest"
	"github.com/verilocate/verilocate/internal/locator"
	"github.com/verilocate/verilocate/internal/logging"
	"github.com/verilocate/verilocate/internal/pairing"
	"github.com/verilocate/verilocate/internal/registry"
	"github.com/verilocate/verilocate/internal/session"
	"github.com/verilocate/verilocate/internal/sink"
	"github.com/verilocate/verilocate/internal/supervisor"
	"github.com/verilocate/verilocate/internal/verifier"
	"github.com/verilocate/verilocate/internal/websocket"
)

func main() {
	cfg, err := config.LoadWithKoanf()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Msg("Starting Verilocate server")

	if err := cfg.Validate(); err != nil {
		logging.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// One Badger handle backs both the device directory and the
	// pending-session table; they use disjoint key prefixes.
	badgerDB, err := registry.Open(cfg.Registry.Path, cfg.Registry.InMemory)
	if err != nil {
		logging.Fatal().Err(err).Str("path", cfg.Registry.Path).Msg("Failed to open registry database")
	}
	defer func() {
		if err := badgerDB.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing registry database")
		}
	}()

	directory := registry.NewStore(badgerDB)
	sessions := session.NewStore(badgerDB, cfg.Session.TTL)

	telemetry, err := sink.New(&cfg.Sink)
	if err != nil {
		logging.Fatal().Err(err).Str("path", cfg.Sink.Path).Msg("Failed to open telemetry sink")
	}
	defer func() {
		if err := telemetry.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing telemetry sink")
		}
	}()
	logging.Info().Str("path", cfg.Sink.Path).Msg("Telemetry sink ready")

	verifierClient, err := verifier.NewClient(&cfg.Verifier)
	if err != nil {
		logging.Fatal().Err(err).Str("base_url", cfg.Verifier.BaseURL).Msg("Failed to create verifier client")
	}

	jwtManager, err := auth.NewJWTManager(&cfg.Security)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize JWT manager")
	}

	heatmap, err := pairing.LoadHeatmap(cfg.Locator.HeatmapPath)
	if err != nil {
		logging.Fatal().Err(err).Str("path", cfg.Locator.HeatmapPath).Msg("Failed to load heatmap")
	}
	if heatmap == nil {
		logging.Warn().Msg("No heatmap configured; new devices get an empty calibration surface")
	}

	hub := websocket.NewHub()

	pairingService := pairing.NewService(sessions, directory, verifierClient, hub, pairing.Options{
		CallbackURL: cfg.Server.CallbackBaseURL + "/api/v1/auth/callback",
		DefaultLat:  cfg.Server.DefaultLatitude,
		DefaultLon:  cfg.Server.DefaultLongitude,
		Heatmap:     heatmap,
	})

	engine := ingest.NewEngine(telemetry, locator.NewRunner(&cfg.Locator), directory, hub)

	handler := api.NewHandler(engine, pairingService, directory, hub, jwtManager, cfg)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewRouter(handler).Setup(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  60 * time.Second,
	}

	// The slog adapter bridges zerolog to slog for sutureslog.
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddMessagingService(supervisor.NewHubService(hub))
	tree.AddAPIService(supervisor.NewHTTPServerService(server, 10*time.Second))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server added to supervisor tree")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Server stopped gracefully")
}
