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

// Package store is the transactional persistence gateway for the WebMACS
// core. Request handlers run inside a single exclusive session that commits
// on success and rolls back on error; background tasks (webhook retries, OTA
// downloads, janitors) use pool-backed sessions that outlive any request.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"github.com/jmoiron/sqlx"

	"github.com/webmacs/webmacs/internal/apperr"
)

const (
	// maxOpenConns is the pool ceiling: base pool plus overflow.
	maxOpenConns = 30
	// maxIdleConns is the steady-state pool size.
	maxIdleConns = 20

	// uniqueViolation is the PostgreSQL error code for unique constraint hits.
	uniqueViolation = "23505"
)

// querier is the subset of sqlx shared by *sqlx.DB and *sqlx.Tx; every
// data-access method runs against it so the same code serves both request
// transactions and background sessions.
type querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// Store owns the database pool.
type Store struct {
	db *sqlx.DB
}

// Session is a handle for executing gateway operations. Request sessions wrap
// a transaction; background sessions run directly against the pool.
type Session struct {
	q querier
}

// Open connects to PostgreSQL and configures the pool.
func Open(databaseURL string) (*Store, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an already-open pool, typically a sqlmock handle.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Background returns a pool-backed session for work that outlives a request.
func (s *Store) Background() *Session {
	return &Session{q: s.db}
}

// InTx runs fn inside an exclusive transaction. The transaction commits when
// fn returns nil and rolls back on any error or panic.
func (s *Store) InTx(ctx context.Context, fn func(*Session) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&Session{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UTCNow returns the gateway's shared wall clock. All stored timestamps are
// timezone-aware UTC.
func UTCNow() time.Time {
	return time.Now().UTC()
}

// mapWriteError converts driver errors into the taxonomy: unique violations
// become Conflict, everything else passes through wrapped.
func mapWriteError(err error, conflictDetail string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return apperr.Wrap(apperr.KindConflict, conflictDetail, err)
	}
	return err
}

// notFoundOr converts sql.ErrNoRows into the taxonomy's NotFound.
func notFoundOr(err error, resource, publicID string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound(resource, publicID)
	}
	return err
}

// Page is a normalized pagination request.
type Page struct {
	Page     int
	PageSize int
}

const (
	defaultPageSize = 25
	maxPageSize     = 100
)

// Normalize clamps the page number to ≥1 and the page size to [1,100],
// defaulting to 25 when unset.
func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	switch {
	case p.PageSize == 0:
		p.PageSize = defaultPageSize
	case p.PageSize < 1:
		p.PageSize = 1
	case p.PageSize > maxPageSize:
		p.PageSize = maxPageSize
	}
	return p
}

// Offset returns the row offset for the normalized page.
func (p Page) Offset() int {
	return (p.Page - 1) * p.PageSize
}
