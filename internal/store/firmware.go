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

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/webmacs/webmacs/internal/apperr"
)

// CreateFirmware registers a firmware version. Duplicate versions raise
// Conflict.
func (s *Session) CreateFirmware(ctx context.Context, fw *FirmwareUpdate) error {
	fw.PublicID = uuid.NewString()
	if fw.Status == "" {
		fw.Status = FirmwarePending
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO firmware_updates (public_id, version, changelog, status)
		VALUES ($1, $2, $3, $4)`,
		fw.PublicID, fw.Version, fw.Changelog, fw.Status)
	return mapWriteError(err, fmt.Sprintf("firmware version %q already exists", fw.Version))
}

// GetFirmware fetches a firmware record by public_id or raises NotFound.
func (s *Session) GetFirmware(ctx context.Context, publicID string) (*FirmwareUpdate, error) {
	var fw FirmwareUpdate
	err := s.q.GetContext(ctx, &fw, `SELECT * FROM firmware_updates WHERE public_id = $1`, publicID)
	if err != nil {
		return nil, notFoundOr(err, "firmware update", publicID)
	}
	return &fw, nil
}

// ListFirmware returns one page of firmware records, newest registration
// first, plus the total count.
func (s *Session) ListFirmware(ctx context.Context, page Page) ([]FirmwareUpdate, int, error) {
	page = page.Normalize()

	var total int
	if err := s.q.GetContext(ctx, &total, `SELECT count(*) FROM firmware_updates`); err != nil {
		return nil, 0, err
	}

	records := []FirmwareUpdate{}
	err := s.q.SelectContext(ctx, &records,
		`SELECT * FROM firmware_updates ORDER BY id DESC LIMIT $1 OFFSET $2`,
		page.PageSize, page.Offset())
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// FirmwareByStatuses lists firmware records in any of the given states.
// The OTA discovery path filters these by version tuple in Go; semver
// ordering is not expressible in SQL.
func (s *Session) FirmwareByStatuses(ctx context.Context, statuses ...FirmwareStatus) ([]FirmwareUpdate, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	placeholders := ""
	for i, st := range statuses {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += fmt.Sprintf("$%d", i+1)
		args[i] = st
	}

	records := []FirmwareUpdate{}
	err := s.q.SelectContext(ctx, &records,
		`SELECT * FROM firmware_updates WHERE status IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	return records, nil
}

// FirmwareStateUpdate is a sparse update applied together with a status
// transition.
type FirmwareStateUpdate struct {
	FilePath       *string
	FileHashSHA256 *string
	FileSizeBytes  *int64
	StartedOn      *time.Time
	CompletedOn    *time.Time
	ErrorMessage   *string
	ClearError     bool
}

// SetFirmwareStatus writes the new status plus any supplied fields. The
// caller (the OTA state machine) has already validated the transition.
func (s *Session) SetFirmwareStatus(ctx context.Context, publicID string, status FirmwareStatus, upd FirmwareStateUpdate) error {
	set := newSetClause()
	set.addNullable("status", status)
	set.add("file_path", upd.FilePath)
	set.add("file_hash_sha256", upd.FileHashSHA256)
	set.add("file_size_bytes", upd.FileSizeBytes)
	set.add("started_on", upd.StartedOn)
	set.add("completed_on", upd.CompletedOn)
	set.add("error_message", upd.ErrorMessage)
	if upd.ClearError {
		set.addNullable("error_message", nil)
	}

	query, args := set.build("firmware_updates", publicID)
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("firmware update", publicID)
	}
	return nil
}
