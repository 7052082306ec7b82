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
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webmacs/webmacs/internal/apperr"
)

// newMock returns a Store backed by a regexp-matching sqlmock handle.
func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(sqlx.NewDb(db, "sqlmock")), mock
}

// TestPageNormalize verifies the pagination clamps: page floors at 1 and
// page size is bounded to [1,100] with a default of 25.
func TestPageNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   Page
		want Page
	}{
		{"defaults", Page{}, Page{Page: 1, PageSize: 25}},
		{"negative page", Page{Page: -3, PageSize: 10}, Page{Page: 1, PageSize: 10}},
		{"negative size floors at one", Page{Page: 2, PageSize: -1}, Page{Page: 2, PageSize: 1}},
		{"oversized clamps to hundred", Page{Page: 1, PageSize: 9999}, Page{Page: 1, PageSize: 100}},
		{"boundary passes", Page{Page: 4, PageSize: 100}, Page{Page: 4, PageSize: 100}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Normalize())
		})
	}
}

// TestPageOffset verifies the row offset derived from a normalized page.
func TestPageOffset(t *testing.T) {
	p := Page{Page: 3, PageSize: 25}
	assert.Equal(t, 50, p.Offset())
	assert.Equal(t, 0, Page{Page: 1, PageSize: 25}.Offset())
}

// TestSetClause verifies the sparse-update builder: nil pointers are skipped,
// addNullable always writes, and placeholders number sequentially.
func TestSetClause(t *testing.T) {
	name := "thermistor"
	set := newSetClause()
	set.add("name", &name)
	set.add("min_value", (*float64)(nil))
	set.addNullable("unit", nil)

	require.False(t, set.empty())
	query, args := set.build("events", "ev-1")
	assert.Equal(t, "UPDATE events SET name = $1, unit = $2 WHERE public_id = $3", query)
	assert.Equal(t, []any{"thermistor", nil, "ev-1"}, args)
}

// TestSetClauseEmpty verifies that a builder with only skipped fields reports
// empty, so callers can short-circuit to a plain fetch.
func TestSetClauseEmpty(t *testing.T) {
	set := newSetClause()
	set.add("name", (*string)(nil))
	assert.True(t, set.empty())
}

// TestMapWriteError verifies the taxonomy mapping for driver errors: unique
// violations become Conflict and everything else passes through.
func TestMapWriteError(t *testing.T) {
	assert.NoError(t, mapWriteError(nil, "unused"))

	dup := &pgconn.PgError{Code: "23505"}
	err := mapWriteError(dup, "event name already exists")
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	plain := errors.New("connection reset")
	assert.Equal(t, plain, mapWriteError(plain, "unused"))
}

// TestInTxCommits verifies that a nil return from the callback commits.
func TestInTxCommits(t *testing.T) {
	st, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM events WHERE public_id`).
		WithArgs("ev-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := st.InTx(context.Background(), func(sess *Session) error {
		return sess.DeleteEvent(context.Background(), "ev-1")
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestInTxRollsBackOnError verifies that a callback error rolls the
// transaction back and surfaces unchanged.
func TestInTxRollsBackOnError(t *testing.T) {
	st, mock := newMock(t)

	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectRollback()

	err := st.InTx(context.Background(), func(sess *Session) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestDeleteEventNotFound verifies that deleting an unknown event raises
// NotFound instead of succeeding silently.
func TestDeleteEventNotFound(t *testing.T) {
	st, mock := newMock(t)

	mock.ExpectExec(`DELETE FROM events WHERE public_id`).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := st.Background().DeleteEvent(context.Background(), "missing")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

// TestActiveExperimentNone verifies that no running experiment yields
// (nil, nil) rather than an error.
func TestActiveExperimentNone(t *testing.T) {
	st, mock := newMock(t)

	mock.ExpectQuery(`SELECT id, public_id, name, started_on, stopped_on`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "public_id", "name", "started_on", "stopped_on"}))

	exp, err := st.Background().ActiveExperiment(context.Background())
	require.NoError(t, err)
	assert.Nil(t, exp)
}

// TestAPITokenByHashUnknown verifies that an unknown hash yields (nil, nil);
// the caller decides the authentication outcome.
func TestAPITokenByHashUnknown(t *testing.T) {
	st, mock := newMock(t)

	mock.ExpectQuery(`SELECT \* FROM api_tokens WHERE token_hash`).
		WithArgs("deadbeef").
		WillReturnRows(sqlmock.NewRows([]string{"id", "public_id", "name", "token_hash", "user_public_id", "created_on", "last_used_on"}))

	tok, err := st.Background().APITokenByHash(context.Background(), "deadbeef")
	require.NoError(t, err)
	assert.Nil(t, tok)
}

// TestUpdateEventNoFields verifies that an all-nil sparse update degrades to
// a plain fetch without issuing an UPDATE.
func TestUpdateEventNoFields(t *testing.T) {
	st, mock := newMock(t)

	created := time.Date(2024, 2, 10, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT \* FROM events WHERE public_id`).
		WithArgs("ev-1").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "public_id", "name", "min_value", "max_value", "unit", "event_type", "user_public_id", "created_on"}).
			AddRow(1, "ev-1", "temp", nil, nil, "C", "sensor", "u-1", created))

	ev, err := st.Background().UpdateEvent(context.Background(), "ev-1", EventUpdate{})
	require.NoError(t, err)
	assert.Equal(t, "temp", ev.Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestLastDatapointTimeEmpty verifies that an empty datapoints table yields a
// nil timestamp for the health report.
func TestLastDatapointTimeEmpty(t *testing.T) {
	st, mock := newMock(t)

	mock.ExpectQuery(`SELECT max\(timestamp\) FROM datapoints`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	ts, err := st.Background().LastDatapointTime(context.Background())
	require.NoError(t, err)
	assert.Nil(t, ts)
}

// TestDeleteExpiredBlacklistTokens verifies the janitor query reports the
// number of rows swept.
func TestDeleteExpiredBlacklistTokens(t *testing.T) {
	st, mock := newMock(t)

	mock.ExpectExec(`DELETE FROM blacklist_tokens WHERE blacklisted_on`).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := st.Background().DeleteExpiredBlacklistTokens(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}
