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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/webmacs/webmacs/internal/apperr"
	"github.com/webmacs/webmacs/internal/store"
)

// apiTokenPrefix marks opaque API tokens; everything else is treated as a
// JWT.
const apiTokenPrefix = "wm_"

type accessClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// issueToken mints an HS256 access token for the user.
func (s *Server) issueToken(u *store.User, now time.Time) (string, error) {
	claims := accessClaims{
		Role: u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.PublicID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.SecretKey))
}

// parseToken validates an HS256 token and returns its claims.
func (s *Server) parseToken(raw string) (*accessClaims, error) {
	claims := &accessClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return []byte(s.cfg.SecretKey), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, apperr.Unauthorized("invalid or expired token")
	}
	return claims, nil
}

// hashToken reduces an opaque API token to its stored form.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// identity is the resolved caller of an authenticated request.
type identity struct {
	UserPublicID string
	Role         string
}

// authenticate resolves either token shape to an identity.
func (s *Server) authenticate(ctx context.Context, raw string) (*identity, error) {
	if strings.HasPrefix(raw, apiTokenPrefix) {
		t, err := s.store.Background().APITokenByHash(ctx, hashToken(raw))
		if err != nil {
			return nil, err
		}
		if t == nil {
			return nil, apperr.Unauthorized("invalid API token")
		}
		if err := s.store.Background().TouchAPIToken(ctx, t.ID); err != nil {
			s.log.Error(err, "Failed to touch API token", "token", t.PublicID)
		}
		return &identity{UserPublicID: t.UserPublicID}, nil
	}

	claims, err := s.parseToken(raw)
	if err != nil {
		return nil, err
	}
	blacklisted, err := s.store.Background().TokenBlacklisted(ctx, raw)
	if err != nil {
		return nil, err
	}
	if blacklisted {
		return nil, apperr.Unauthorized("token has been revoked")
	}
	return &identity{UserPublicID: claims.Subject, Role: claims.Role}, nil
}

// requireAuth authenticates either token shape and annotates the context
// with the caller's identity.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := bearerToken(r)
		if err != nil {
			writeError(w, r, s.log, err)
			return
		}
		id, err := s.authenticate(r.Context(), raw)
		if err != nil {
			writeError(w, r, s.log, err)
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, id.UserPublicID)
		ctx = context.WithValue(ctx, userRoleKey, id.Role)
		ctx = context.WithValue(ctx, rawTokenKey, raw)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", apperr.Unauthorized("missing Authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", apperr.Unauthorized("malformed Authorization header")
	}
	return parts[1], nil
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	PublicID    string `json:"public_id"`
	Username    string `json:"username"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, s.log, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, r, s.log, apperr.InvalidInput("email and password are required"))
		return
	}

	u, err := s.store.Background().UserByEmail(r.Context(), req.Email)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			err = apperr.Unauthorized("invalid credentials")
		}
		writeError(w, r, s.log, err)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)) != nil {
		writeError(w, r, s.log, apperr.Unauthorized("invalid credentials"))
		return
	}

	token, err := s.issueToken(u, store.UTCNow())
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: token,
		PublicID:    u.PublicID,
		Username:    u.Username,
	})
}

// handleLogout revokes the presented JWT. Opaque API tokens are managed
// rows; revoking them is a delete, not a blacklist insert.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	raw, _ := r.Context().Value(rawTokenKey).(string)
	if raw != "" && !strings.HasPrefix(raw, apiTokenPrefix) {
		if err := s.store.Background().BlacklistToken(r.Context(), raw); err != nil {
			writeError(w, r, s.log, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}
