/*
SPDX-License-Identifier: Apache-2.0

Copyright 2025 WebMACS

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/webmacs/webmacs/internal/config"
	"github.com/webmacs/webmacs/internal/dispatch"
	"github.com/webmacs/webmacs/internal/hub"
	"github.com/webmacs/webmacs/internal/ingest"
	"github.com/webmacs/webmacs/internal/janitor"
	"github.com/webmacs/webmacs/internal/metrics"
	"github.com/webmacs/webmacs/internal/ota"
	"github.com/webmacs/webmacs/internal/rules"
	"github.com/webmacs/webmacs/internal/server"
	"github.com/webmacs/webmacs/internal/store"
)

// drainTimeout bounds how long shutdown waits for in-flight webhook
// deliveries.
const drainTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		// The logger is not up yet; this is the one unstructured exit.
		zap.NewExample().Sugar().Errorf("configuration error: %v", err)
		return err
	}

	var zlog *zap.Logger
	if cfg.Production() {
		zlog, err = zap.NewProduction()
	} else {
		zlog, err = zap.NewDevelopment()
	}
	if err != nil {
		return err
	}
	defer func() { _ = zlog.Sync() }()
	log := zapr.NewLogger(zlog)
	setupLog := log.WithName("setup")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		setupLog.Error(err, "Failed to open database")
		return err
	}
	defer func() { _ = st.Close() }()
	if err := st.Ping(ctx); err != nil {
		setupLog.Error(err, "Database unreachable")
		return err
	}
	if err := st.Migrate(ctx); err != nil {
		setupLog.Error(err, "Schema migration failed")
		return err
	}
	setupLog.Info("Database ready")

	if err := seedAdmin(ctx, setupLog, st, cfg); err != nil {
		setupLog.Error(err, "Admin seeding failed")
		return err
	}

	registry := promclient.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	shutdownMetrics, err := metrics.InitExporter(ctx, registry)
	if err != nil {
		setupLog.Error(err, "Metrics exporter init failed")
		return err
	}

	broker := hub.New(log)
	dispatcher := dispatch.New(log, st, int64(cfg.MaxConcurrentDeliveries), cfg.MaxDeliveryRetries)
	engine := rules.NewEngine(log, dispatcher)
	pipeline := ingest.New(log, dispatcher, engine, broker, cfg.SensorWebhookInterval)
	manager := ota.NewManager(log, st, cfg.UpdateDir, cfg.FirmwareRepo, cfg.RunningVersion)

	srv := server.New(log, cfg, st, pipeline, manager, broker, registry)

	jan := janitor.New(log, st, cfg.AccessTokenTTL)
	go jan.Run(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			setupLog.Error(err, "HTTP server failed")
			return err
		}
	case <-ctx.Done():
		setupLog.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		setupLog.Error(err, "HTTP shutdown incomplete")
	}
	broker.CloseTopic(hub.TopicController)
	broker.CloseTopic(hub.TopicFrontend)
	if err := dispatcher.Drain(shutdownCtx); err != nil {
		setupLog.Error(err, "Webhook deliveries still in flight at shutdown")
	}
	if err := shutdownMetrics(shutdownCtx); err != nil {
		setupLog.Error(err, "Metrics exporter shutdown failed")
	}
	setupLog.Info("Shutdown complete")
	return nil
}

// seedAdmin creates the initial admin account when the user table is empty
// and credentials are configured.
func seedAdmin(ctx context.Context, log logr.Logger, st *store.Store, cfg *config.Config) error {
	if cfg.AdminEmail == "" {
		return nil
	}
	return st.InTx(ctx, func(sess *store.Session) error {
		n, err := sess.CountUsers(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		u := &store.User{
			Username:     "admin",
			Email:        cfg.AdminEmail,
			PasswordHash: string(hash),
			Role:         "admin",
		}
		if err := sess.CreateUser(ctx, u); err != nil {
			return err
		}
		log.Info("Seeded initial admin user", "email", cfg.AdminEmail)
		return nil
	})
}
