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
Package ota manages firmware update records through their bounded
lifecycle: download, hash verification, apply and rollback, plus update
discovery against the local table and the GitHub release index.
*/
package ota

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/sony/gobreaker"

	"github.com/webmacs/webmacs/internal/apperr"
	"github.com/webmacs/webmacs/internal/metrics"
	"github.com/webmacs/webmacs/internal/store"
)

const (
	// downloadTimeout bounds one firmware bundle fetch.
	downloadTimeout = 30 * time.Second
	// releaseIndexTimeout bounds the GitHub release lookup.
	releaseIndexTimeout = 8 * time.Second

	hashMismatchMessage = "SHA-256 hash verification failed"
)

// Manager drives the firmware state machine.
type Manager struct {
	log            logr.Logger
	store          *store.Store
	updateDir      string
	firmwareRepo   string // "owner/repo", empty disables the remote index
	runningVersion string

	client  *http.Client
	breaker *gobreaker.CircuitBreaker

	releaseIndexURL string

	now func() time.Time
}

// NewManager builds a Manager rooted at updateDir.
func NewManager(log logr.Logger, st *store.Store, updateDir, firmwareRepo, runningVersion string) *Manager {
	return &Manager{
		log:            log.WithName("ota"),
		store:          st,
		updateDir:      updateDir,
		firmwareRepo:   firmwareRepo,
		runningVersion: runningVersion,
		client:         &http.Client{Timeout: downloadTimeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "github-release-index",
			Timeout: time.Minute,
		}),
		releaseIndexURL: "https://api.github.com/repos/%s/releases/latest",
		now:             store.UTCNow,
	}
}

// ApplyOptions carries the optional download request for an apply call.
type ApplyOptions struct {
	DownloadURL    string `json:"download_url"`
	FileHashSHA256 string `json:"file_hash_sha256"`
}

// Apply moves a pending firmware record towards completed. Without a
// download URL the record completes directly; with one it runs the full
// download, verify and apply flow, parking the record in failed on any
// error rather than propagating it.
func (m *Manager) Apply(ctx context.Context, sess *store.Session, publicID string, opts ApplyOptions) (*store.FirmwareUpdate, error) {
	fw, err := sess.GetFirmware(ctx, publicID)
	if err != nil {
		return nil, err
	}

	if opts.DownloadURL == "" {
		if err := m.transition(ctx, sess, fw, store.FirmwareCompleted, store.FirmwareStateUpdate{
			CompletedOn: timePtr(m.now()),
			ClearError:  true,
		}); err != nil {
			return nil, err
		}
		return sess.GetFirmware(ctx, publicID)
	}

	if err := m.transition(ctx, sess, fw, store.FirmwareDownloading, store.FirmwareStateUpdate{
		StartedOn:  timePtr(m.now()),
		ClearError: true,
	}); err != nil {
		return nil, err
	}

	if err := m.runDownloadFlow(ctx, sess, fw, opts); err != nil {
		// The record is already parked in failed with its error message.
		m.log.Error(err, "Firmware apply failed", "firmware", publicID, "version", fw.Version)
	}
	return sess.GetFirmware(ctx, publicID)
}

// Rollback moves a completed record to rolled_back.
func (m *Manager) Rollback(ctx context.Context, sess *store.Session, publicID string) (*store.FirmwareUpdate, error) {
	fw, err := sess.GetFirmware(ctx, publicID)
	if err != nil {
		return nil, err
	}
	if err := m.transition(ctx, sess, fw, store.FirmwareRolledBack, store.FirmwareStateUpdate{}); err != nil {
		return nil, err
	}
	return sess.GetFirmware(ctx, publicID)
}

// Retry moves a failed or rolled_back record back to pending.
func (m *Manager) Retry(ctx context.Context, sess *store.Session, publicID string) (*store.FirmwareUpdate, error) {
	fw, err := sess.GetFirmware(ctx, publicID)
	if err != nil {
		return nil, err
	}
	if err := m.transition(ctx, sess, fw, store.FirmwarePending, store.FirmwareStateUpdate{
		ClearError: true,
	}); err != nil {
		return nil, err
	}
	return sess.GetFirmware(ctx, publicID)
}

// transition validates the edge, persists the new status and updates the
// in-memory record.
func (m *Manager) transition(ctx context.Context, sess *store.Session, fw *store.FirmwareUpdate, to store.FirmwareStatus, upd store.FirmwareStateUpdate) error {
	if err := checkTransition(fw.Status, to); err != nil {
		return err
	}
	if err := sess.SetFirmwareStatus(ctx, fw.PublicID, to, upd); err != nil {
		return err
	}
	fw.Status = to
	metrics.OTATransitionsTotal.Add(ctx, 1)
	return nil
}

// runDownloadFlow executes steps downloading → verifying → applying →
// completed. Failures park the record in failed and return the cause.
func (m *Manager) runDownloadFlow(ctx context.Context, sess *store.Session, fw *store.FirmwareUpdate, opts ApplyOptions) error {
	path := filepath.Join(m.updateDir, "firmware-"+sanitizeVersion(fw.Version)+".tar.gz")

	size, computedHash, err := m.download(ctx, opts.DownloadURL, path)
	if err != nil {
		m.fail(ctx, sess, fw, err.Error())
		removeQuietly(path)
		return err
	}

	if err := m.transition(ctx, sess, fw, store.FirmwareVerifying, store.FirmwareStateUpdate{
		FilePath:       &path,
		FileHashSHA256: &computedHash,
		FileSizeBytes:  &size,
	}); err != nil {
		return err
	}
	if opts.FileHashSHA256 != "" && !strings.EqualFold(opts.FileHashSHA256, computedHash) {
		m.fail(ctx, sess, fw, hashMismatchMessage)
		removeQuietly(path)
		return fmt.Errorf("%s: want %s, got %s", hashMismatchMessage, opts.FileHashSHA256, computedHash)
	}

	if err := m.transition(ctx, sess, fw, store.FirmwareApplying, store.FirmwareStateUpdate{}); err != nil {
		return err
	}
	// Re-read the stored bundle to catch on-disk corruption between steps.
	rereadHash, err := hashFile(path)
	if err != nil {
		m.fail(ctx, sess, fw, err.Error())
		return err
	}
	if rereadHash != computedHash {
		m.fail(ctx, sess, fw, hashMismatchMessage)
		return fmt.Errorf("%s on re-read", hashMismatchMessage)
	}

	return m.transition(ctx, sess, fw, store.FirmwareCompleted, store.FirmwareStateUpdate{
		CompletedOn: timePtr(m.now()),
	})
}

// fail parks the record in failed, keeping the original cause when the
// bookkeeping write itself errors.
func (m *Manager) fail(ctx context.Context, sess *store.Session, fw *store.FirmwareUpdate, message string) {
	err := m.transition(ctx, sess, fw, store.FirmwareFailed, store.FirmwareStateUpdate{
		ErrorMessage: &message,
	})
	if err != nil {
		m.log.Error(err, "Failed to park firmware in failed state", "firmware", fw.PublicID)
	}
}

// download streams url to path while hashing incrementally. It returns the
// byte count and the lowercase hex SHA-256 digest.
func (m *Manager) download(ctx context.Context, url, path string) (int64, string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return 0, "", err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("firmware download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, "", fmt.Errorf("firmware download failed: unexpected status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, "", err
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hasher), resp.Body)
	if err != nil {
		return 0, "", fmt.Errorf("firmware download failed: %w", err)
	}
	return size, hex.EncodeToString(hasher.Sum(nil)), nil
}

// CheckResult is the update discovery envelope.
type CheckResult struct {
	CurrentVersion  string  `json:"current_version"`
	LatestVersion   string  `json:"latest_version"`
	UpdateAvailable bool    `json:"update_available"`
	LocalVersion    *string `json:"local_version"`
	GitHubVersion   *string `json:"github_version"`
	GitHubError     *string `json:"github_error"`
}

// Check merges the local firmware table with the GitHub release index and
// reports the newest applicable version. The remote lookup is best-effort;
// its failure is reported in the envelope, never as an error.
func (m *Manager) Check(ctx context.Context, sess *store.Session) (*CheckResult, error) {
	res := &CheckResult{
		CurrentVersion: m.runningVersion,
		LatestVersion:  m.runningVersion,
	}

	records, err := sess.FirmwareByStatuses(ctx, store.FirmwarePending, store.FirmwareCompleted)
	if err != nil {
		return nil, err
	}
	for _, fw := range records {
		if IsNewer(fw.Version, m.runningVersion) {
			if res.LocalVersion == nil || IsNewer(fw.Version, *res.LocalVersion) {
				v := fw.Version
				res.LocalVersion = &v
			}
		}
	}

	if m.firmwareRepo != "" {
		ghVersion, err := m.latestGitHubRelease(ctx)
		if err != nil {
			msg := err.Error()
			res.GitHubError = &msg
			m.log.Info("GitHub release index lookup failed", "error", msg)
		} else if IsNewer(ghVersion, m.runningVersion) {
			res.GitHubVersion = &ghVersion
		}
	}

	for _, candidate := range []*string{res.LocalVersion, res.GitHubVersion} {
		if candidate != nil && IsNewer(*candidate, res.LatestVersion) {
			res.LatestVersion = *candidate
		}
	}
	res.UpdateAvailable = res.LatestVersion != m.runningVersion
	return res, nil
}

// latestGitHubRelease queries the release index behind a circuit breaker.
func (m *Manager) latestGitHubRelease(ctx context.Context) (string, error) {
	out, err := m.breaker.Execute(func() (any, error) {
		reqCtx, cancel := context.WithTimeout(ctx, releaseIndexTimeout)
		defer cancel()

		url := fmt.Sprintf(m.releaseIndexURL, m.firmwareRepo)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
		if err != nil {
			return "", err
		}
		req.Header.Set("Accept", "application/vnd.github+json")

		resp, err := m.client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", apperr.Newf(apperr.KindDependencyFailure,
				"release index returned status %d", resp.StatusCode)
		}

		var release struct {
			TagName string `json:"tag_name"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
			return "", err
		}
		return strings.TrimPrefix(release.TagName, "v"), nil
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// sanitizeVersion keeps the on-disk bundle name free of path separators.
func sanitizeVersion(v string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, v)
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// removeQuietly discards partial bundles; a leftover file is overwritten
// by the next apply attempt anyway.
func removeQuietly(path string) {
	_ = os.Remove(path)
}

func timePtr(t time.Time) *time.Time { return &t }
