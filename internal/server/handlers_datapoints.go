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
	"fmt"
	"net/http"

	"github.com/webmacs/webmacs/internal/apperr"
	"github.com/webmacs/webmacs/internal/ingest"
	"github.com/webmacs/webmacs/internal/store"
)

type batchRequest struct {
	Datapoints []ingest.Reading `json:"datapoints" validate:"required,min=1,dive"`
}

func (s *Server) handleCreateDatapoint(w http.ResponseWriter, r *http.Request) {
	var reading ingest.Reading
	if err := decodeBody(r, &reading); err != nil {
		writeError(w, r, s.log, err)
		return
	}
	s.ingestBatch(w, r, []ingest.Reading{reading})
}

func (s *Server) handleCreateDatapointBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, s.log, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, r, s.log, apperr.InvalidInput("a non-empty datapoints list is required"))
		return
	}
	if len(req.Datapoints) > ingest.MaxBatchSize {
		writeError(w, r, s.log, apperr.InvalidInput(
			fmt.Sprintf("batch exceeds the maximum of %d datapoints", ingest.MaxBatchSize)))
		return
	}
	s.ingestBatch(w, r, req.Datapoints)
}

// ingestBatch validates the readings and runs them through the pipeline in
// one request transaction.
func (s *Server) ingestBatch(w http.ResponseWriter, r *http.Request, batch []ingest.Reading) {
	for _, reading := range batch {
		if reading.EventPublicID == "" {
			writeError(w, r, s.log, apperr.InvalidInput("event_public_id is required"))
			return
		}
	}

	var res ingest.Result
	err := s.store.InTx(r.Context(), func(sess *store.Session) error {
		var err error
		res, err = s.pipeline.Process(r.Context(), sess, batch)
		return err
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"message": fmt.Sprintf("%d datapoints successfully created.", res.Accepted),
	})
}

func (s *Server) handleLatestDatapoints(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.Background().LatestDatapoints(r.Context())
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}
