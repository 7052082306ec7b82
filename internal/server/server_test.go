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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/webmacs/webmacs/internal/config"
	"github.com/webmacs/webmacs/internal/dispatch"
	"github.com/webmacs/webmacs/internal/hub"
	"github.com/webmacs/webmacs/internal/ingest"
	"github.com/webmacs/webmacs/internal/metrics"
	"github.com/webmacs/webmacs/internal/ota"
	"github.com/webmacs/webmacs/internal/rules"
	"github.com/webmacs/webmacs/internal/store"
)

func TestMain(m *testing.M) {
	if _, err := metrics.InitExporter(context.Background(), promclient.NewRegistry()); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Environment:             "development",
		ListenAddr:              "127.0.0.1:0",
		SecretKey:               "unit-test-secret-key-0123456789abcdef",
		AccessTokenTTL:          24 * time.Hour,
		SensorWebhookInterval:   5 * time.Second,
		MaxConcurrentDeliveries: 10,
		MaxDeliveryRetries:      5,
		UpdateDir:               t.TempDir(),
		PluginDir:               t.TempDir(),
		RunningVersion:          "2.0.0",
	}
}

// newTestServer wires a full server against a sqlmock-backed store.
func newTestServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(
		sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp),
		sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := store.NewWithDB(sqlx.NewDb(db, "sqlmock"))
	cfg := testConfig(t)
	log := logr.Discard()

	broker := hub.New(log)
	d := dispatch.New(log, st, int64(cfg.MaxConcurrentDeliveries), cfg.MaxDeliveryRetries)
	engine := rules.NewEngine(log, d)
	pipeline := ingest.New(log, d, engine, broker, cfg.SensorWebhookInterval)
	manager := ota.NewManager(log, st, cfg.UpdateDir, cfg.FirmwareRepo, cfg.RunningVersion)

	return New(log, cfg, st, pipeline, manager, broker, promclient.NewRegistry()), mock
}

// authToken mints a valid JWT for the canned test user.
func authToken(t *testing.T, s *Server) string {
	t.Helper()
	token, err := s.issueToken(&store.User{PublicID: "u-1", Role: "admin"}, store.UTCNow())
	require.NoError(t, err)
	return token
}

// expectJWTAuth covers the blacklist lookup the auth middleware performs.
func expectJWTAuth(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM blacklist_tokens`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
}

func doJSON(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

// TestMissingAuthRejected verifies protected routes demand a bearer token
// and answer with the uniform error envelope.
func TestMissingAuthRejected(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/v1/datapoints/latest", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "detail")
}

// TestLoginSuccess verifies the credential flow end to end, including the
// issued token passing the auth middleware afterwards.
func TestLoginSuccess(t *testing.T) {
	s, mock := newTestServer(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2secret"), bcrypt.MinCost)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT \* FROM users WHERE email`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "public_id", "username", "email", "password_hash", "role", "created_on",
		}).AddRow(int64(1), "u-1", "admin", "admin@example.com", string(hash), "admin", time.Now().UTC()))

	rec := doJSON(t, s, http.MethodPost, "/api/v1/auth/login", "",
		map[string]string{"email": "admin@example.com", "password": "hunter2secret"})
	require.Equal(t, http.StatusOK, rec.Code)

	var body loginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "u-1", body.PublicID)
	assert.Equal(t, "admin", body.Username)
	assert.True(t, strings.Count(body.AccessToken, ".") == 2)
}

// TestLoginBadPassword verifies wrong credentials answer 401 without
// leaking whether the account exists.
func TestLoginBadPassword(t *testing.T) {
	s, mock := newTestServer(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("correct"), bcrypt.MinCost)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT \* FROM users WHERE email`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "public_id", "username", "email", "password_hash", "role", "created_on",
		}).AddRow(int64(1), "u-1", "admin", "admin@example.com", string(hash), "admin", time.Now().UTC()))

	rec := doJSON(t, s, http.MethodPost, "/api/v1/auth/login", "",
		map[string]string{"email": "admin@example.com", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// TestLoginUnknownUser verifies an unknown email also answers 401, not 404.
func TestLoginUnknownUser(t *testing.T) {
	s, mock := newTestServer(t)
	mock.ExpectQuery(`SELECT \* FROM users WHERE email`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	rec := doJSON(t, s, http.MethodPost, "/api/v1/auth/login", "",
		map[string]string{"email": "ghost@example.com", "password": "whatever"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// TestBatchTooLarge posts 501 datapoints and expects 422.
func TestBatchTooLarge(t *testing.T) {
	s, mock := newTestServer(t)
	token := authToken(t, s)
	expectJWTAuth(mock)

	points := make([]map[string]any, 501)
	for i := range points {
		points[i] = map[string]any{"value": 1.0, "event_public_id": "e"}
	}
	rec := doJSON(t, s, http.MethodPost, "/api/v1/datapoints/batch", token,
		map[string]any{"datapoints": points})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

// TestBatchEmptyRejected posts an empty datapoints list and expects 422
// rather than a vacuous creation message.
func TestBatchEmptyRejected(t *testing.T) {
	s, mock := newTestServer(t)
	token := authToken(t, s)
	expectJWTAuth(mock)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/datapoints/batch", token,
		map[string]any{"datapoints": []any{}})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

// TestBatchAtBoundary posts exactly 500 datapoints for a plugin-linked
// event and expects the 201 creation envelope.
func TestBatchAtBoundary(t *testing.T) {
	s, mock := newTestServer(t)
	token := authToken(t, s)
	expectJWTAuth(mock)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT DISTINCT cm\.event_public_id`).
		WillReturnRows(sqlmock.NewRows([]string{"event_public_id"}).AddRow("e"))
	mock.ExpectQuery(`SELECT id, public_id, name, started_on, stopped_on`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "public_id", "name", "started_on", "stopped_on"}))
	mock.ExpectExec(`INSERT INTO datapoints`).WillReturnResult(sqlmock.NewResult(0, 500))
	mock.ExpectQuery(`SELECT \* FROM rules`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	points := make([]map[string]any, 500)
	for i := range points {
		points[i] = map[string]any{"value": 1.0, "event_public_id": "e"}
	}
	rec := doJSON(t, s, http.MethodPost, "/api/v1/datapoints/batch", token,
		map[string]any{"datapoints": points})
	require.Equal(t, http.StatusCreated, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "500 datapoints successfully created.", body["message"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestLatestDatapoints verifies one row per event with the newest value.
func TestLatestDatapoints(t *testing.T) {
	s, mock := newTestServer(t)
	token := authToken(t, s)
	expectJWTAuth(mock)

	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT DISTINCT ON \(event_public_id\)`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "public_id", "value", "timestamp", "event_public_id", "experiment_public_id",
		}).
			AddRow(int64(2), "dp-2", 20.0, now, "e1", nil).
			AddRow(int64(3), "dp-3", 5.0, now, "e2", nil))

	rec := doJSON(t, s, http.MethodGet, "/api/v1/datapoints/latest", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var rows []struct {
		Value         float64 `json:"value"`
		EventPublicID string  `json:"event_public_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, 20.0, rows[0].Value)
	assert.Equal(t, "e1", rows[0].EventPublicID)
	assert.Equal(t, 5.0, rows[1].Value)
	assert.Equal(t, "e2", rows[1].EventPublicID)
}

// TestOTAApplyConflict verifies an invalid lifecycle edge surfaces as 409.
func TestOTAApplyConflict(t *testing.T) {
	s, mock := newTestServer(t)
	token := authToken(t, s)
	expectJWTAuth(mock)

	mock.ExpectQuery(`SELECT \* FROM firmware_updates WHERE public_id`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "public_id", "version", "changelog", "status", "file_path",
			"file_hash_sha256", "file_size_bytes", "started_on", "completed_on", "error_message",
		}).AddRow(int64(1), "fw-1", "2.1.0", "", "completed", nil, nil, nil, nil, nil, nil))

	rec := doJSON(t, s, http.MethodPost, "/api/v1/ota/fw-1/apply", token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// TestOTACheck wires S7 through the HTTP surface.
func TestOTACheck(t *testing.T) {
	s, mock := newTestServer(t)
	token := authToken(t, s)
	expectJWTAuth(mock)

	mock.ExpectQuery(`SELECT \* FROM firmware_updates WHERE status IN`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "public_id", "version", "changelog", "status", "file_path",
			"file_hash_sha256", "file_size_bytes", "started_on", "completed_on", "error_message",
		}).AddRow(int64(1), "fw-1", "2.1.0", "", "pending", nil, nil, nil, nil, nil, nil))

	rec := doJSON(t, s, http.MethodGet, "/api/v1/ota/check", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		UpdateAvailable bool   `json:"update_available"`
		LatestVersion   string `json:"latest_version"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.UpdateAvailable)
	assert.Equal(t, "2.1.0", body.LatestVersion)
}

// TestCreateWebhook verifies creation hides the secret and echoes the
// parsed events list.
func TestCreateWebhook(t *testing.T) {
	s, mock := newTestServer(t)
	token := authToken(t, s)
	expectJWTAuth(mock)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO webhooks`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	rec := doJSON(t, s, http.MethodPost, "/api/v1/webhooks", token, map[string]any{
		"url":     "https://receiver.example.com/hook",
		"secret":  "shh",
		"events":  []string{"sensor.reading"},
		"enabled": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotContains(t, body, "secret")
	assert.Equal(t, []any{"sensor.reading"}, body["events"])
}

// TestHealthWithoutAuth verifies the probe is reachable unauthenticated
// and reports its fields.
func TestHealthWithoutAuth(t *testing.T) {
	s, mock := newTestServer(t)
	mock.ExpectPing()
	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT max\(timestamp\) FROM datapoints`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(now))

	rec := doJSON(t, s, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.Database)
	assert.Equal(t, "2.0.0", body.Version)
	require.NotNil(t, body.LastDatapoint)
	assert.WithinDuration(t, now, *body.LastDatapoint, time.Second)
}

// TestLogoutBlacklistsToken verifies logout inserts the presented JWT
// into the blacklist.
func TestLogoutBlacklistsToken(t *testing.T) {
	s, mock := newTestServer(t)
	token := authToken(t, s)
	expectJWTAuth(mock)
	mock.ExpectExec(`INSERT INTO blacklist_tokens`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	rec := doJSON(t, s, http.MethodPost, "/api/v1/auth/logout", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestRevokedTokenRejected verifies a blacklisted JWT no longer passes the
// middleware.
func TestRevokedTokenRejected(t *testing.T) {
	s, mock := newTestServer(t)
	token := authToken(t, s)
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM blacklist_tokens`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	rec := doJSON(t, s, http.MethodGet, "/api/v1/datapoints/latest", token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// TestAPITokenAuth verifies the opaque wm_ token path resolves via its
// SHA-256 hash.
func TestAPITokenAuth(t *testing.T) {
	s, mock := newTestServer(t)
	raw := "wm_0123456789abcdef"

	mock.ExpectQuery(`SELECT \* FROM api_tokens WHERE token_hash`).
		WithArgs(hashToken(raw)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "public_id", "name", "token_hash", "user_public_id", "created_on", "last_used_on",
		}).AddRow(int64(1), "t-1", "ci", hashToken(raw), "u-1", time.Now().UTC(), nil))
	mock.ExpectExec(`UPDATE api_tokens SET last_used_on`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT DISTINCT ON \(event_public_id\)`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	rec := doJSON(t, s, http.MethodGet, "/api/v1/datapoints/latest", raw, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// TestUnknownAPITokenRejected verifies an unknown wm_ token answers 401.
func TestUnknownAPITokenRejected(t *testing.T) {
	s, mock := newTestServer(t)
	mock.ExpectQuery(`SELECT \* FROM api_tokens WHERE token_hash`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	rec := doJSON(t, s, http.MethodGet, "/api/v1/datapoints/latest", "wm_nope", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// TestPaginationEnvelope verifies the list envelope shape and page-size
// clamping.
func TestPaginationEnvelope(t *testing.T) {
	s, mock := newTestServer(t)
	token := authToken(t, s)
	expectJWTAuth(mock)

	mock.ExpectQuery(`SELECT count\(\*\) FROM webhooks`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`SELECT \* FROM webhooks ORDER BY created_on`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "public_id", "url", "secret", "events", "enabled", "user_public_id", "created_on",
		}).AddRow(int64(1), "wh-1", "https://x.test", nil, []byte(`["a"]`), true, "u-1", time.Now().UTC()))

	rec := doJSON(t, s, http.MethodGet, "/api/v1/webhooks?page=1&page_size=9999", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Page     int             `json:"page"`
		PageSize int             `json:"page_size"`
		Total    int             `json:"total"`
		Data     json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Page)
	assert.Equal(t, 100, body.PageSize)
	assert.Equal(t, 1, body.Total)
}

