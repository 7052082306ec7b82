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

package ota

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webmacs/webmacs/internal/apperr"
	"github.com/webmacs/webmacs/internal/store"
)

func newMockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return store.NewWithDB(sqlx.NewDb(db, "sqlmock")), mock
}

func firmwareColumns() []string {
	return []string{
		"id", "public_id", "version", "changelog", "status", "file_path",
		"file_hash_sha256", "file_size_bytes", "started_on", "completed_on",
		"error_message",
	}
}

func expectGetFirmware(mock sqlmock.Sqlmock, status store.FirmwareStatus) {
	mock.ExpectQuery(`SELECT \* FROM firmware_updates WHERE public_id`).
		WillReturnRows(sqlmock.NewRows(firmwareColumns()).AddRow(
			int64(1), "fw-1", "2.1.0", "changelog", string(status),
			nil, nil, nil, nil, nil, nil))
}

func expectStatusWrite(mock sqlmock.Sqlmock) {
	mock.ExpectExec(`UPDATE firmware_updates SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

// TestApplyWithoutDownloadCompletes verifies a pending record completes
// directly when no download URL is supplied.
func TestApplyWithoutDownloadCompletes(t *testing.T) {
	st, mock := newMockStore(t)
	expectGetFirmware(mock, store.FirmwarePending)
	expectStatusWrite(mock)
	expectGetFirmware(mock, store.FirmwareCompleted)

	m := NewManager(logr.Discard(), st, t.TempDir(), "", "2.0.0")
	fw, err := m.Apply(context.Background(), st.Background(), "fw-1", ApplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, store.FirmwareCompleted, fw.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestApplyCompletedConflicts verifies applying an already-completed
// record raises InvalidTransition.
func TestApplyCompletedConflicts(t *testing.T) {
	st, mock := newMockStore(t)
	expectGetFirmware(mock, store.FirmwareCompleted)

	m := NewManager(logr.Discard(), st, t.TempDir(), "", "2.0.0")
	_, err := m.Apply(context.Background(), st.Background(), "fw-1", ApplyOptions{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))
}

// TestApplyDownloadFlow runs the full download, verify and apply walk
// against a local bundle server.
func TestApplyDownloadFlow(t *testing.T) {
	bundle := []byte("firmware-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bundle)
	}))
	defer srv.Close()

	sum := sha256.Sum256(bundle)
	wantHash := hex.EncodeToString(sum[:])

	st, mock := newMockStore(t)
	expectGetFirmware(mock, store.FirmwarePending)
	expectStatusWrite(mock) // downloading
	expectStatusWrite(mock) // verifying
	expectStatusWrite(mock) // applying
	expectStatusWrite(mock) // completed
	expectGetFirmware(mock, store.FirmwareCompleted)

	dir := t.TempDir()
	m := NewManager(logr.Discard(), st, dir, "", "2.0.0")
	fw, err := m.Apply(context.Background(), st.Background(), "fw-1", ApplyOptions{
		DownloadURL:    srv.URL,
		FileHashSHA256: wantHash,
	})
	require.NoError(t, err)
	assert.Equal(t, store.FirmwareCompleted, fw.Status)

	data, err := os.ReadFile(filepath.Join(dir, "firmware-2.1.0.tar.gz"))
	require.NoError(t, err)
	assert.Equal(t, bundle, data)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestApplyHashMismatchFails verifies a wrong expected hash parks the
// record in failed and removes the bundle.
func TestApplyHashMismatchFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("firmware-bytes"))
	}))
	defer srv.Close()

	st, mock := newMockStore(t)
	expectGetFirmware(mock, store.FirmwarePending)
	expectStatusWrite(mock) // downloading
	expectStatusWrite(mock) // verifying
	expectStatusWrite(mock) // failed
	expectGetFirmware(mock, store.FirmwareFailed)

	dir := t.TempDir()
	m := NewManager(logr.Discard(), st, dir, "", "2.0.0")
	fw, err := m.Apply(context.Background(), st.Background(), "fw-1", ApplyOptions{
		DownloadURL:    srv.URL,
		FileHashSHA256: "deadbeef",
	})
	require.NoError(t, err)
	assert.Equal(t, store.FirmwareFailed, fw.Status)
	assert.NoFileExists(t, filepath.Join(dir, "firmware-2.1.0.tar.gz"))
}

// TestApplyDownloadErrorFails verifies a non-200 bundle response parks the
// record in failed without leaving a partial file.
func TestApplyDownloadErrorFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	st, mock := newMockStore(t)
	expectGetFirmware(mock, store.FirmwarePending)
	expectStatusWrite(mock) // downloading
	expectStatusWrite(mock) // failed
	expectGetFirmware(mock, store.FirmwareFailed)

	dir := t.TempDir()
	m := NewManager(logr.Discard(), st, dir, "", "2.0.0")
	fw, err := m.Apply(context.Background(), st.Background(), "fw-1", ApplyOptions{
		DownloadURL: srv.URL,
	})
	require.NoError(t, err)
	assert.Equal(t, store.FirmwareFailed, fw.Status)
	assert.NoFileExists(t, filepath.Join(dir, "firmware-2.1.0.tar.gz"))
}

// TestRollbackFromCompleted verifies the completed → rolled_back edge.
func TestRollbackFromCompleted(t *testing.T) {
	st, mock := newMockStore(t)
	expectGetFirmware(mock, store.FirmwareCompleted)
	expectStatusWrite(mock)
	expectGetFirmware(mock, store.FirmwareRolledBack)

	m := NewManager(logr.Discard(), st, t.TempDir(), "", "2.0.0")
	fw, err := m.Rollback(context.Background(), st.Background(), "fw-1")
	require.NoError(t, err)
	assert.Equal(t, store.FirmwareRolledBack, fw.Status)
}

// TestRollbackFromPendingConflicts verifies rollback is only reachable
// from completed.
func TestRollbackFromPendingConflicts(t *testing.T) {
	st, mock := newMockStore(t)
	expectGetFirmware(mock, store.FirmwarePending)

	m := NewManager(logr.Discard(), st, t.TempDir(), "", "2.0.0")
	_, err := m.Rollback(context.Background(), st.Background(), "fw-1")
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))
}

// TestCheckReportsNewerLocalVersion covers discovery against the local
// table only: running 2.0.0 with a pending 2.1.0 record.
func TestCheckReportsNewerLocalVersion(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT \* FROM firmware_updates WHERE status IN`).
		WillReturnRows(sqlmock.NewRows(firmwareColumns()).AddRow(
			int64(1), "fw-1", "2.1.0", "changelog", "pending",
			nil, nil, nil, nil, nil, nil))

	m := NewManager(logr.Discard(), st, t.TempDir(), "", "2.0.0")
	res, err := m.Check(context.Background(), st.Background())
	require.NoError(t, err)
	assert.True(t, res.UpdateAvailable)
	assert.Equal(t, "2.0.0", res.CurrentVersion)
	assert.Equal(t, "2.1.0", res.LatestVersion)
	require.NotNil(t, res.LocalVersion)
	assert.Equal(t, "2.1.0", *res.LocalVersion)
	assert.Nil(t, res.GitHubVersion)
}

// TestCheckMergesGitHubRelease verifies the release index wins when it
// carries the higher version.
func TestCheckMergesGitHubRelease(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"tag_name":"v2.2.0"}`))
	}))
	defer srv.Close()

	st, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT \* FROM firmware_updates WHERE status IN`).
		WillReturnRows(sqlmock.NewRows(firmwareColumns()).AddRow(
			int64(1), "fw-1", "2.1.0", "changelog", "pending",
			nil, nil, nil, nil, nil, nil))

	m := NewManager(logr.Discard(), st, t.TempDir(), "acme/firmware", "2.0.0")
	m.releaseIndexURL = srv.URL + "/repos/%s/releases/latest"
	res, err := m.Check(context.Background(), st.Background())
	require.NoError(t, err)
	assert.True(t, res.UpdateAvailable)
	assert.Equal(t, "2.2.0", res.LatestVersion)
	require.NotNil(t, res.GitHubVersion)
	assert.Equal(t, "2.2.0", *res.GitHubVersion)
}

// TestCheckToleratesReleaseIndexFailure verifies a failing release index
// degrades to local-only discovery with the error reported in the
// envelope.
func TestCheckToleratesReleaseIndexFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	st, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT \* FROM firmware_updates WHERE status IN`).
		WillReturnRows(sqlmock.NewRows(firmwareColumns()))

	m := NewManager(logr.Discard(), st, t.TempDir(), "acme/firmware", "2.0.0")
	m.releaseIndexURL = srv.URL + "/repos/%s/releases/latest"
	res, err := m.Check(context.Background(), st.Background())
	require.NoError(t, err)
	assert.False(t, res.UpdateAvailable)
	assert.NotNil(t, res.GitHubError)
}

// TestVersionParse exercises the strict three-component grammar.
func TestVersionParse(t *testing.T) {
	v, err := ParseVersion("10.2.33")
	require.NoError(t, err)
	assert.Equal(t, Version{10, 2, 33}, v)
	assert.Equal(t, "10.2.33", v.String())

	for _, bad := range []string{"", "1", "1.2", "1.2.3.4", "a.b.c", "1.2.x", "1..3", "1.2.-3"} {
		_, err := ParseVersion(bad)
		assert.Error(t, err, "input %q", bad)
	}
}
