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

// CreateWebhook inserts a webhook subscription. Duplicate URLs raise Conflict.
func (s *Session) CreateWebhook(ctx context.Context, w *Webhook) error {
	w.PublicID = uuid.NewString()
	w.CreatedOn = UTCNow()
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO webhooks (public_id, url, secret, events, enabled, user_public_id, created_on)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		w.PublicID, w.URL, w.Secret, string(w.Events), w.Enabled, w.UserPublicID, w.CreatedOn)
	return mapWriteError(err, fmt.Sprintf("webhook url %q already exists", w.URL))
}

// GetWebhook fetches a webhook by public_id or raises NotFound.
func (s *Session) GetWebhook(ctx context.Context, publicID string) (*Webhook, error) {
	var w Webhook
	err := s.q.GetContext(ctx, &w, `SELECT * FROM webhooks WHERE public_id = $1`, publicID)
	if err != nil {
		return nil, notFoundOr(err, "webhook", publicID)
	}
	return &w, nil
}

// EnabledWebhooks returns every enabled subscription with its raw events
// blob. The dispatcher parses the blob and skips malformed entries.
func (s *Session) EnabledWebhooks(ctx context.Context) ([]Webhook, error) {
	hooks := []Webhook{}
	err := s.q.SelectContext(ctx, &hooks, `SELECT * FROM webhooks WHERE enabled`)
	if err != nil {
		return nil, err
	}
	return hooks, nil
}

// ListWebhooks returns one page of webhooks, plus the total count.
func (s *Session) ListWebhooks(ctx context.Context, page Page) ([]Webhook, int, error) {
	page = page.Normalize()

	var total int
	if err := s.q.GetContext(ctx, &total, `SELECT count(*) FROM webhooks`); err != nil {
		return nil, 0, err
	}

	hooks := []Webhook{}
	err := s.q.SelectContext(ctx, &hooks,
		`SELECT * FROM webhooks ORDER BY created_on DESC LIMIT $1 OFFSET $2`,
		page.PageSize, page.Offset())
	if err != nil {
		return nil, 0, err
	}
	return hooks, total, nil
}

// DeleteWebhook removes a webhook by public_id or raises NotFound.
// Deliveries cascade.
func (s *Session) DeleteWebhook(ctx context.Context, publicID string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM webhooks WHERE public_id = $1`, publicID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("webhook", publicID)
	}
	return nil
}

// InsertDelivery records a new pending delivery row and fills its ids.
func (s *Session) InsertDelivery(ctx context.Context, d *WebhookDelivery) error {
	d.PublicID = uuid.NewString()
	d.Status = DeliveryPending
	d.CreatedOn = UTCNow()
	return s.q.GetContext(ctx, &d.ID, `
		INSERT INTO webhook_deliveries (public_id, webhook_id, event_type, payload, status, attempts, created_on)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
		RETURNING id`,
		d.PublicID, d.WebhookID, d.EventType, string(d.Payload), d.Status, d.CreatedOn)
}

// MarkDeliveryDelivered moves a delivery to its delivered terminal state.
func (s *Session) MarkDeliveryDelivered(ctx context.Context, id int64, attempts, statusCode int) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = $1, attempts = $2, last_status_code = $3, last_error = NULL, delivered_on = $4
		WHERE id = $5`,
		DeliveryDelivered, attempts, statusCode, UTCNow(), id)
	return err
}

// MarkDeliveryFailed records a failed attempt. With final set, the row moves
// to its dead_letter terminal state.
func (s *Session) MarkDeliveryFailed(ctx context.Context, id int64, attempts int, statusCode *int, lastError string, final bool) error {
	status := DeliveryPending
	if final {
		status = DeliveryDeadLetter
	}
	_, err := s.q.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = $1, attempts = $2, last_status_code = $3, last_error = $4
		WHERE id = $5`,
		status, attempts, statusCode, lastError, id)
	return err
}

// ListDeliveries returns one page of a webhook's deliveries, newest first,
// optionally filtered by status.
func (s *Session) ListDeliveries(ctx context.Context, webhookPublicID string, status *DeliveryStatus, page Page) ([]WebhookDelivery, int, error) {
	w, err := s.GetWebhook(ctx, webhookPublicID)
	if err != nil {
		return nil, 0, err
	}
	page = page.Normalize()

	var total int
	deliveries := []WebhookDelivery{}
	if status != nil {
		err = s.q.GetContext(ctx, &total,
			`SELECT count(*) FROM webhook_deliveries WHERE webhook_id = $1 AND status = $2`, w.ID, *status)
		if err != nil {
			return nil, 0, err
		}
		err = s.q.SelectContext(ctx, &deliveries, `
			SELECT * FROM webhook_deliveries WHERE webhook_id = $1 AND status = $2
			ORDER BY created_on DESC, id DESC LIMIT $3 OFFSET $4`,
			w.ID, *status, page.PageSize, page.Offset())
	} else {
		err = s.q.GetContext(ctx, &total,
			`SELECT count(*) FROM webhook_deliveries WHERE webhook_id = $1`, w.ID)
		if err != nil {
			return nil, 0, err
		}
		err = s.q.SelectContext(ctx, &deliveries, `
			SELECT * FROM webhook_deliveries WHERE webhook_id = $1
			ORDER BY created_on DESC, id DESC LIMIT $2 OFFSET $3`,
			w.ID, page.PageSize, page.Offset())
	}
	if err != nil {
		return nil, 0, err
	}
	return deliveries, total, nil
}

// PurgeDeliveriesBefore deletes terminal deliveries older than the cutoff.
// Used by the retention janitor only; the core never deletes deliveries.
func (s *Session) PurgeDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		DELETE FROM webhook_deliveries
		WHERE status <> $1 AND created_on < $2`,
		DeliveryPending, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
