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
	"net/http"
	"time"
)

type healthResponse struct {
	Status        string     `json:"status"`
	Version       string     `json:"version"`
	Database      string     `json:"database"`
	LastDatapoint *time.Time `json:"last_datapoint"`
	UptimeSeconds int64      `json:"uptime_seconds"`
}

// handleHealth is unauthenticated; it reports degraded rather than erroring
// when the database is unreachable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	res := healthResponse{
		Status:        "ok",
		Version:       s.cfg.RunningVersion,
		Database:      "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}

	if err := s.store.Ping(r.Context()); err != nil {
		res.Status = "degraded"
		res.Database = "unreachable"
		writeJSON(w, http.StatusOK, res)
		return
	}

	last, err := s.store.Background().LastDatapointTime(r.Context())
	if err != nil {
		s.log.Error(err, "Failed to read last datapoint time")
	} else {
		res.LastDatapoint = last
	}
	writeJSON(w, http.StatusOK, res)
}
