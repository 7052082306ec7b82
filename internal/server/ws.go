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

package server

import (
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/webmacs/webmacs/internal/hub"
	"github.com/webmacs/webmacs/internal/ingest"
	"github.com/webmacs/webmacs/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Cross-origin policy is enforced by the CORS middleware on the
	// handshake request.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsAuth authenticates a websocket handshake via the token query
// parameter. Failures are reported before the upgrade.
func (s *Server) wsAuth(w http.ResponseWriter, r *http.Request) bool {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Detail: "missing token query parameter"})
		return false
	}
	if _, err := s.authenticate(r.Context(), raw); err != nil {
		writeError(w, r, s.log, err)
		return false
	}
	return true
}

// isConnectionError reports transport-level failures, as opposed to a
// malformed frame on a healthy connection.
func isConnectionError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// controllerFrame is one inbound telemetry message.
type controllerFrame struct {
	Datapoints []ingest.Reading `json:"datapoints"`
}

// handleControllerChannel is the persistent telemetry ingress. Each frame
// funnels through the same pipeline as the HTTP batch endpoint, in its own
// background session. The server never retries; the controller reconnects.
func (s *Server) handleControllerChannel(w http.ResponseWriter, r *http.Request) {
	if !s.wsAuth(w, r) {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error(err, "Controller channel upgrade failed")
		return
	}

	client := hub.NewWSClient(conn)
	s.broker.Attach(hub.TopicController, client)
	metrics.BroadcastClientsActive.Add(r.Context(), 1)
	defer func() {
		s.broker.Detach(hub.TopicController, client)
		metrics.BroadcastClientsActive.Add(r.Context(), -1)
		_ = client.Close()
		s.log.Info("Controller channel closed")
	}()
	s.log.Info("Controller channel connected")

	for {
		var frame controllerFrame
		if err := client.ReadJSON(&frame); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) || isConnectionError(err) {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.log.Error(err, "Controller channel read failed")
				}
				return
			}
			// Malformed frame; drop it and keep the channel alive.
			s.log.Info("Dropping malformed controller frame", "error", err.Error())
			continue
		}
		if len(frame.Datapoints) == 0 {
			continue
		}
		if len(frame.Datapoints) > ingest.MaxBatchSize {
			s.log.Info("Dropping oversized controller frame",
				"datapoints", len(frame.Datapoints))
			continue
		}
		if _, err := s.pipeline.Process(r.Context(), s.store.Background(), frame.Datapoints); err != nil {
			s.log.Error(err, "Controller frame ingestion failed")
		}
	}
}

// handleFrontendChannel attaches a browser subscriber to the frontend
// topic. Clients are receive-only apart from ping frames.
func (s *Server) handleFrontendChannel(w http.ResponseWriter, r *http.Request) {
	if !s.wsAuth(w, r) {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error(err, "Frontend channel upgrade failed")
		return
	}

	client := hub.NewWSClient(conn)
	s.broker.Attach(hub.TopicFrontend, client)
	metrics.BroadcastClientsActive.Add(r.Context(), 1)
	defer func() {
		s.broker.Detach(hub.TopicFrontend, client)
		metrics.BroadcastClientsActive.Add(r.Context(), -1)
		_ = client.Close()
	}()

	if err := client.Send([]byte(`{"type":"connected"}`)); err != nil {
		return
	}

	for {
		var frame struct {
			Type string `json:"type"`
		}
		if err := client.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Error(err, "Frontend channel read failed")
			}
			return
		}
		if frame.Type == "ping" {
			if err := client.Send([]byte(`{"type":"pong"}`)); err != nil {
				return
			}
		}
	}
}
