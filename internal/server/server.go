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

/*
Package server exposes the WebMACS HTTP API under /api/v1: authentication,
datapoint ingress, OTA operations, webhook management, the health probe and
the persistent websocket channels.
*/
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-logr/logr"
	"github.com/go-playground/validator/v10"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/webmacs/webmacs/internal/config"
	"github.com/webmacs/webmacs/internal/hub"
	"github.com/webmacs/webmacs/internal/ingest"
	"github.com/webmacs/webmacs/internal/ota"
	"github.com/webmacs/webmacs/internal/store"
)

// shutdownGrace bounds how long an in-flight request may run after a stop
// signal.
const shutdownGrace = 10 * time.Second

// Server wires every component behind the chi router.
type Server struct {
	log      logr.Logger
	cfg      *config.Config
	store    *store.Store
	pipeline *ingest.Pipeline
	ota      *ota.Manager
	broker   *hub.Hub

	validate  *validator.Validate
	registry  *promclient.Registry
	startedAt time.Time

	httpServer *http.Server
}

// New assembles the server. The registry must be the one the metrics
// exporter was initialized against.
func New(log logr.Logger, cfg *config.Config, st *store.Store, pipeline *ingest.Pipeline,
	manager *ota.Manager, broker *hub.Hub, registry *promclient.Registry) *Server {
	s := &Server{
		log:       log.WithName("server"),
		cfg:       cfg,
		store:     st,
		pipeline:  pipeline,
		ota:       manager,
		broker:    broker,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		registry:  registry,
		startedAt: time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(withCorrelationID)
	r.Use(recoverer(s.log))
	r.Use(requestLogger(s.log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			if s.cfg.RateLimitPerMinute > 0 {
				r.Use(httprate.LimitByIP(s.cfg.RateLimitPerMinute, time.Minute))
			}
			r.Post("/auth/login", s.handleLogin)
		})

		// Websocket handshakes authenticate via query parameter, not header.
		r.Get("/ws/controller", s.handleControllerChannel)
		r.Get("/ws/frontend", s.handleFrontendChannel)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Post("/auth/logout", s.handleLogout)

			r.Post("/datapoints", s.handleCreateDatapoint)
			r.Post("/datapoints/batch", s.handleCreateDatapointBatch)
			r.Get("/datapoints/latest", s.handleLatestDatapoints)

			r.Get("/ota/check", s.handleOTACheck)
			r.Get("/ota", s.handleListFirmware)
			r.Post("/ota", s.handleCreateFirmware)
			r.Post("/ota/{id}/apply", s.handleOTAApply)
			r.Post("/ota/{id}/rollback", s.handleOTARollback)

			r.Post("/webhooks", s.handleCreateWebhook)
			r.Get("/webhooks", s.handleListWebhooks)
			r.Delete("/webhooks/{id}", s.handleDeleteWebhook)
			r.Get("/webhooks/{id}/deliveries", s.handleListDeliveries)
		})
	})

	return r
}

// Handler exposes the assembled router, mainly to tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("HTTP server listening", "addr", s.cfg.ListenAddr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
