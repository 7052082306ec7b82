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
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/webmacs/webmacs/internal/apperr"
	"github.com/webmacs/webmacs/internal/ota"
	"github.com/webmacs/webmacs/internal/store"
)

func (s *Server) handleOTACheck(w http.ResponseWriter, r *http.Request) {
	res, err := s.ota.Check(r.Context(), s.store.Background())
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleOTAApply accepts an optional download request body; an empty body
// applies the record as-is.
func (s *Server) handleOTAApply(w http.ResponseWriter, r *http.Request) {
	var opts ota.ApplyOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, s.log, apperr.InvalidInput("malformed JSON body"))
		return
	}

	fw, err := s.ota.Apply(r.Context(), s.store.Background(), chi.URLParam(r, "id"), opts)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, fw)
}

func (s *Server) handleOTARollback(w http.ResponseWriter, r *http.Request) {
	fw, err := s.ota.Rollback(r.Context(), s.store.Background(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, fw)
}

type createFirmwareRequest struct {
	Version   string `json:"version" validate:"required"`
	Changelog string `json:"changelog"`
}

func (s *Server) handleCreateFirmware(w http.ResponseWriter, r *http.Request) {
	var req createFirmwareRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, s.log, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, r, s.log, apperr.InvalidInput("version is required"))
		return
	}
	if _, err := ota.ParseVersion(req.Version); err != nil {
		writeError(w, r, s.log, apperr.InvalidInput(err.Error()))
		return
	}

	fw := &store.FirmwareUpdate{Version: req.Version, Changelog: req.Changelog}
	err := s.store.InTx(r.Context(), func(sess *store.Session) error {
		return sess.CreateFirmware(r.Context(), fw)
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	created, err := s.store.Background().GetFirmware(r.Context(), fw.PublicID)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListFirmware(w http.ResponseWriter, r *http.Request) {
	page := pageFromQuery(r)
	records, total, err := s.store.Background().ListFirmware(r.Context(), page)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writePage(w, page, total, records)
}
