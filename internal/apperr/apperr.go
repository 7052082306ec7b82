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

// Package apperr defines the closed set of failure kinds produced by the
// WebMACS core. Every error crossing a component boundary carries one of
// these kinds; the HTTP layer maps each kind to a status code.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind int

const (
	// KindUnknown is the zero value; it maps to 500 at the boundary.
	KindUnknown Kind = iota

	// KindNotFound means no resource exists for the given public_id.
	KindNotFound

	// KindConflict means a uniqueness constraint was violated.
	KindConflict

	// KindInvalidInput means schema or cross-field validation failed.
	KindInvalidInput

	// KindUnauthorized means the credential is missing, invalid, or expired.
	KindUnauthorized

	// KindForbidden means the credential is valid but lacks the required role.
	KindForbidden

	// KindInvalidTransition means a state-machine transition is not permitted.
	KindInvalidTransition

	// KindDependencyFailure means an external dependency failed.
	KindDependencyFailure

	// KindTransient means a temporary condition; retrying may succeed.
	// Transient errors are consumed by retry loops, never by the boundary.
	KindTransient
)

// String returns the kind's name for logging.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvalidInput:
		return "invalid_input"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindDependencyFailure:
		return "dependency_failure"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// HTTPStatus maps a kind to its boundary status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindInvalidTransition:
		return http.StatusConflict
	case KindInvalidInput:
		return http.StatusUnprocessableEntity
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindDependencyFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is a kinded error with a human-readable detail message.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Unwrap exposes the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// New creates an Error of the given kind.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Newf creates an Error of the given kind with a formatted detail message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind around a cause.
func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// NotFound reports a missing resource by name and public_id.
func NotFound(resource, publicID string) *Error {
	return Newf(KindNotFound, "%s %q not found", resource, publicID)
}

// Conflict reports a uniqueness violation.
func Conflict(detail string) *Error {
	return New(KindConflict, detail)
}

// InvalidInput reports a validation failure.
func InvalidInput(detail string) *Error {
	return New(KindInvalidInput, detail)
}

// Unauthorized reports a credential failure.
func Unauthorized(detail string) *Error {
	return New(KindUnauthorized, detail)
}

// InvalidTransition reports a rejected state-machine transition.
func InvalidTransition(from, to string) *Error {
	return Newf(KindInvalidTransition, "transition from %q to %q is not allowed", from, to)
}

// KindOf extracts the kind from an error chain. Errors outside the taxonomy
// report KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// DetailOf returns the boundary-safe detail message for an error chain.
// Unknown errors collapse to a generic message so internals never leak.
func DetailOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Detail
	}
	return "internal server error"
}
