// Fleetglass - Permission-Gated Vehicle Location Relay
// Copyright 2026 Fleetglass Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetglass/fleetglass

// Command server runs the Fleetglass relay: the websocket realtime
// surface, the HTTP pull surface, and the document store behind both.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fleetglass/fleetglass/internal/api"
	"github.com/fleetglass/fleetglass/internal/auth"
	"github.com/fleetglass/fleetglass/internal/config"
	"github.com/fleetglass/fleetglass/internal/docstore"
	"github.com/fleetglass/fleetglass/internal/history"
	"github.com/fleetglass/fleetglass/internal/ingest"
	"github.com/fleetglass/fleetglass/internal/logging"
	"github.com/fleetglass/fleetglass/internal/permission"
	"github.com/fleetglass/fleetglass/internal/relay"
	"github.com/fleetglass/fleetglass/internal/supervisor"
	"github.com/fleetglass/fleetglass/internal/supervisor/services"
)

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("addr", cfg.Addr()).
		Str("store_path", cfg.Store.Path).
		Bool("allow_unsigned", cfg.Security.AllowUnsigned).
		Msg("starting fleetglass server")

	// The root context is canceled by SIGINT/SIGTERM; everything under the
	// supervision tree shuts down from it.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := docstore.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	store := docstore.New(backend, docstore.Options{
		OpTimeout:      cfg.Store.OpTimeout,
		DisableBreaker: cfg.Store.BreakerDisabled,
	})
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("failed to close document store")
		}
	}()

	gate, err := auth.NewGate(&cfg.Security)
	if err != nil {
		return err
	}

	registry := relay.NewRegistry()
	perms := permission.NewService(store)
	reporter := ingest.New(store, perms, registry, ingest.Options{
		ReportRate:  cfg.Relay.ReportRate,
		ReportBurst: cfg.Relay.ReportBurst,
	})
	session := relay.NewSession(registry, reporter, perms)
	hq := history.New(store, history.Options{
		MaxResults: cfg.History.MaxResults,
		PageSize:   cfg.History.PageSize,
	})

	handler := api.NewHandler(ctx, gate, registry, session, hq, perms, store, api.HandlerOptions{
		ConnOptions: relay.ConnOptions{
			SendBuffer:      cfg.Relay.SendBuffer,
			MaxMessageBytes: cfg.Relay.MaxMessageBytes,
		},
		AllowedOrigins: cfg.Security.CORSOrigins,
	})
	router := api.NewRouter(handler, &cfg.Security)

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.Timeout,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddRelayService(services.NewRegistryService(registry))
	tree.AddAPIService(services.NewHTTPServerService(httpServer, cfg.Server.Timeout))

	logging.Info().Msg("fleetglass server running")

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logging.Info().Msg("fleetglass server stopped")
	return nil
}
