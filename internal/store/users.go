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
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/webmacs/webmacs/internal/apperr"
)

// CreateUser inserts a user account. Duplicate usernames or emails raise
// Conflict.
func (s *Session) CreateUser(ctx context.Context, u *User) error {
	u.PublicID = uuid.NewString()
	u.CreatedOn = UTCNow()
	if u.Role == "" {
		u.Role = "user"
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO users (public_id, username, email, password_hash, role, created_on)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		u.PublicID, u.Username, u.Email, u.PasswordHash, u.Role, u.CreatedOn)
	return mapWriteError(err, fmt.Sprintf("user %q already exists", u.Email))
}

// UserByEmail fetches a user by email or raises NotFound.
func (s *Session) UserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := s.q.GetContext(ctx, &u, `SELECT * FROM users WHERE email = $1`, email)
	if err != nil {
		return nil, notFoundOr(err, "user", email)
	}
	return &u, nil
}

// UserByPublicID fetches a user by public_id or raises NotFound.
func (s *Session) UserByPublicID(ctx context.Context, publicID string) (*User, error) {
	var u User
	err := s.q.GetContext(ctx, &u, `SELECT * FROM users WHERE public_id = $1`, publicID)
	if err != nil {
		return nil, notFoundOr(err, "user", publicID)
	}
	return &u, nil
}

// CountUsers returns the number of registered accounts. Admin seeding only
// runs against an empty table.
func (s *Session) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.q.GetContext(ctx, &n, `SELECT count(*) FROM users`); err != nil {
		return 0, err
	}
	return n, nil
}

// DeleteUser removes a user by public_id or raises NotFound. Everything the
// user owns cascades at the schema level.
func (s *Session) DeleteUser(ctx context.Context, publicID string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM users WHERE public_id = $1`, publicID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("user", publicID)
	}
	return nil
}

// BlacklistToken revokes a JWT until its natural expiry.
func (s *Session) BlacklistToken(ctx context.Context, token string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO blacklist_tokens (token, blacklisted_on) VALUES ($1, $2)
		ON CONFLICT (token) DO NOTHING`,
		token, UTCNow())
	return err
}

// TokenBlacklisted reports whether a JWT has been revoked.
func (s *Session) TokenBlacklisted(ctx context.Context, token string) (bool, error) {
	var exists bool
	err := s.q.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM blacklist_tokens WHERE token = $1)`, token)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// DeleteExpiredBlacklistTokens drops revocations older than the access-token
// expiry window; the JWTs they covered can no longer validate anyway.
func (s *Session) DeleteExpiredBlacklistTokens(ctx context.Context, window time.Duration) (int64, error) {
	cutoff := UTCNow().Add(-window)
	res, err := s.q.ExecContext(ctx, `DELETE FROM blacklist_tokens WHERE blacklisted_on < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CreateAPIToken stores the SHA-256 of a freshly minted opaque token.
func (s *Session) CreateAPIToken(ctx context.Context, t *APIToken) error {
	t.PublicID = uuid.NewString()
	t.CreatedOn = UTCNow()
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO api_tokens (public_id, name, token_hash, user_public_id, created_on)
		VALUES ($1, $2, $3, $4, $5)`,
		t.PublicID, t.Name, t.TokenHash, t.UserPublicID, t.CreatedOn)
	return mapWriteError(err, "api token already exists")
}

// APITokenByHash resolves an opaque token hash to its record, or nil when the
// hash is unknown.
func (s *Session) APITokenByHash(ctx context.Context, hash string) (*APIToken, error) {
	var t APIToken
	err := s.q.GetContext(ctx, &t, `SELECT * FROM api_tokens WHERE token_hash = $1`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// TouchAPIToken records the token's last use.
func (s *Session) TouchAPIToken(ctx context.Context, id int64) error {
	_, err := s.q.ExecContext(ctx, `UPDATE api_tokens SET last_used_on = $1 WHERE id = $2`, UTCNow(), id)
	return err
}

// InsertLogEntry appends an application log record.
func (s *Session) InsertLogEntry(ctx context.Context, level, message string, userPublicID *string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO log_entries (public_id, level, message, user_public_id, created_on)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), level, message, userPublicID, UTCNow())
	return err
}
