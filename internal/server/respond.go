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

	"github.com/go-logr/logr"

	"github.com/webmacs/webmacs/internal/apperr"
	"github.com/webmacs/webmacs/internal/store"
)

// errorBody is the uniform error envelope.
type errorBody struct {
	Detail string `json:"detail"`
}

// paginated is the uniform list envelope.
type paginated struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Total    int `json:"total"`
	Data     any `json:"data"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// writeError maps taxonomy kinds to status codes. Unknown errors surface
// as opaque 500s; their detail goes to the log, not the wire.
func writeError(w http.ResponseWriter, r *http.Request, log logr.Logger, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindUnknown {
		log.Error(err, "Unhandled error",
			"method", r.Method, "path", r.URL.Path,
			"correlationID", correlationID(r.Context()))
	}
	writeJSON(w, kind.HTTPStatus(), errorBody{Detail: apperr.DetailOf(err)})
}

func writePage(w http.ResponseWriter, page store.Page, total int, data any) {
	page = page.Normalize()
	writeJSON(w, http.StatusOK, paginated{
		Page:     page.Page,
		PageSize: page.PageSize,
		Total:    total,
		Data:     data,
	})
}

// pageFromQuery parses ?page and ?page_size, leaving clamping to
// Page.Normalize.
func pageFromQuery(r *http.Request) store.Page {
	var p store.Page
	q := r.URL.Query()
	if v := q.Get("page"); v != "" {
		_ = decodeInt(v, &p.Page)
	}
	if v := q.Get("page_size"); v != "" {
		_ = decodeInt(v, &p.PageSize)
	}
	return p
}

func decodeInt(s string, dst *int) error {
	var n int
	if err := json.Unmarshal([]byte(s), &n); err != nil {
		return err
	}
	*dst = n
	return nil
}

// decodeBody parses a JSON request body into dst, mapping failures to
// InvalidInput.
func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.InvalidInput("malformed JSON body")
	}
	return nil
}
