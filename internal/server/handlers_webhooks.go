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
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/webmacs/webmacs/internal/apperr"
	"github.com/webmacs/webmacs/internal/store"
)

type createWebhookRequest struct {
	URL     string   `json:"url" validate:"required,url"`
	Secret  *string  `json:"secret"`
	Events  []string `json:"events" validate:"required,min=1"`
	Enabled bool     `json:"enabled"`
}

// webhookResponse exposes the subscribed events while keeping the secret
// out of every response.
type webhookResponse struct {
	*store.Webhook
	Events []string `json:"events"`
}

func toWebhookResponse(w *store.Webhook) webhookResponse {
	var events []string
	_ = json.Unmarshal(w.Events, &events)
	return webhookResponse{Webhook: w, Events: events}
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req createWebhookRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, s.log, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, r, s.log, apperr.InvalidInput("url and a non-empty events list are required"))
		return
	}

	events, err := json.Marshal(req.Events)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	wh := &store.Webhook{
		URL:          req.URL,
		Secret:       req.Secret,
		Events:       events,
		Enabled:      req.Enabled,
		UserPublicID: authedUserID(r.Context()),
	}
	err = s.store.InTx(r.Context(), func(sess *store.Session) error {
		return sess.CreateWebhook(r.Context(), wh)
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWebhookResponse(wh))
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	page := pageFromQuery(r)
	hooks, total, err := s.store.Background().ListWebhooks(r.Context(), page)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	out := make([]webhookResponse, len(hooks))
	for i := range hooks {
		out[i] = toWebhookResponse(&hooks[i])
	}
	writePage(w, page, total, out)
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	err := s.store.InTx(r.Context(), func(sess *store.Session) error {
		return sess.DeleteWebhook(r.Context(), chi.URLParam(r, "id"))
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "webhook deleted"})
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	var status *store.DeliveryStatus
	if v := r.URL.Query().Get("status"); v != "" {
		switch st := store.DeliveryStatus(v); st {
		case store.DeliveryPending, store.DeliveryDelivered, store.DeliveryDeadLetter:
			status = &st
		default:
			writeError(w, r, s.log, apperr.InvalidInput("unknown delivery status"))
			return
		}
	}

	page := pageFromQuery(r)
	rows, total, err := s.store.Background().ListDeliveries(
		r.Context(), chi.URLParam(r, "id"), status, page)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writePage(w, page, total, rows)
}
