// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AleutianAI/AleutianAutofill/cmd/autofilld/config"
	"github.com/AleutianAI/AleutianAutofill/pkg/logging"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/backend"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/cache"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/coordinator"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/datatypes"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/messaging"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/middleware"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/observability"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/pushsession"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/routes"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/store"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// daemon holds the wired service graph.
type daemon struct {
	cfg     config.AutofillConfig
	logger  *slog.Logger
	db      *store.DB
	coord   *coordinator.Coordinator
	hub     *messaging.Hub
	badges  *coordinator.BadgeBoard
	router  *gin.Engine
	watcher *config.TokenWatcher
}

// newDaemon opens the store and wires the coordinator, its collaborators
// and the HTTP router. Nothing is started.
//
// # Inputs
//
//   - cfg: Validated configuration.
//   - logger: Root logger. nil uses slog.Default().
//   - reg: Metrics registry, also served on /metrics.
//
// # Outputs
//
//   - *daemon: Ready to start. Caller must call close.
//   - error: Non-nil if the store or backend client cannot be built.
func newDaemon(cfg config.AutofillConfig, logger *slog.Logger, reg *prometheus.Registry) (*daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dbCfg := store.DefaultDBConfig(cfg.DataDir)
	dbCfg.Logger = logger
	db, err := store.OpenDB(dbCfg)
	if err != nil {
		return nil, err
	}

	metrics := observability.NewMetrics(reg)
	audit := store.NewBadgerAuditLog(db, cfg.AuditRetention)

	bcfg := backend.DefaultConfig(cfg.Backend.BaseURL)
	bcfg.Timeout = cfg.Backend.Timeout
	bcfg.RequestsPerSecond = cfg.Backend.RequestsPerSecond
	bcfg.Burst = cfg.Backend.Burst
	bcfg.Logger = logger
	bcfg.Recorder = metrics
	client, err := backend.NewClient(bcfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	// The session is created before the coordinator it reports to; the
	// callbacks only fire after Start, by which time coord is set.
	var coord *coordinator.Coordinator
	scfg := pushsession.DefaultConfig(pushsession.WebSocketDialer{URL: cfg.Backend.PushURL})
	scfg.ReconnectDelay = cfg.Timing.Reconnect
	scfg.HeartbeatInterval = cfg.Timing.Heartbeat
	scfg.Logger = logger
	scfg.Recorder = metrics
	scfg.OnPredictions = func(domain string, preds []datatypes.PredictionItem) {
		coord.OnPushPredictions(domain, preds)
	}
	scfg.OnCredentialReady = func(vaultItemID, domain string) {
		coord.OnCredentialReady(vaultItemID, domain)
	}
	session := pushsession.New(scfg)

	hub := messaging.NewHub(logger)
	badges := coordinator.NewBadgeBoard(logger)

	ccfg := coordinator.DefaultConfig()
	ccfg.DebounceDelay = cfg.Timing.Debounce
	ccfg.BadgeClearDelay = cfg.Timing.BadgeClear
	ccfg.ReadyThreshold = cfg.Timing.ReadyThreshold
	ccfg.RequestTimeout = cfg.Backend.Timeout
	ccfg.Logger = logger
	ccfg.Recorder = metrics

	coord, err = coordinator.New(ccfg, coordinator.Deps{
		Backend: client,
		Cache: cache.NewPredictionCache(
			cache.WithTTL(cfg.Timing.CacheTTL),
			cache.WithDedupeInFlight(cfg.Timing.DedupeFetches),
			cache.WithRecorder(metrics),
		),
		Session:  session,
		Notifier: hub,
		Toolbar:  badges,
		Settings: store.NewBadgerSettings(db),
		Audit:    audit,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	instruments, err := telemetry.NewInstruments(otel.GetMeterProvider(), otel.GetTracerProvider())
	if err != nil {
		db.Close()
		return nil, err
	}
	instruments.Logger = logger

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("autofilld"))
	routes.SetupRoutes(router, routes.Options{
		Hub:       hub,
		Handler:   instruments.Wrap(coord),
		Status:    coord,
		Validator: middleware.NewValidator(cfg.AccessKey),
		Origins:   middleware.NewOriginPolicy(cfg.AllowedOrigins),
		Audit:     audit,
		Gatherer:  reg,
		Logger:    logger,
	})

	d := &daemon{
		cfg:    cfg,
		logger: logger,
		db:     db,
		coord:  coord,
		hub:    hub,
		badges: badges,
		router: router,
	}
	if cfg.Auth.TokenFile != "" {
		d.watcher, err = config.NewTokenWatcher(cfg.Auth.TokenFile, coord.SetAuthToken, logger)
		if err != nil {
			d.close()
			return nil, err
		}
	}
	return d, nil
}

// run starts the coordinator and serves until ctx is cancelled.
func (d *daemon) run(ctx context.Context) error {
	if err := d.coord.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}

	srv := &http.Server{
		Addr:              d.cfg.ListenAddr,
		Handler:           d.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.logger.Info("autofill coordinator listening", "addr", d.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		d.coord.Stop()
		return err
	})
	if d.watcher != nil {
		g.Go(func() error {
			return d.watcher.Run(gctx)
		})
	}
	return g.Wait()
}

func (d *daemon) close() {
	if err := d.db.Close(); err != nil {
		d.logger.Warn("failed to close store", "error", err)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Log.Level),
		LogDir:  cfg.Log.Dir,
		Service: "autofilld",
		JSON:    cfg.Log.JSON,
		Output:  os.Stderr,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	reg := prometheus.NewRegistry()
	providers, err := telemetry.Init(cmd.Context(), cfg.Telemetry, reg)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := providers.Shutdown(ctx); err != nil {
			logger.Slog().Warn("failed to flush telemetry", "error", err)
		}
	}()

	d, err := newDaemon(cfg, logger.Slog(), reg)
	if err != nil {
		return err
	}
	defer d.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return d.run(ctx)
}
