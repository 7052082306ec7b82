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

// CreateRule inserts a threshold rule. Duplicate names raise Conflict.
// Cross-field constraints (threshold_high presence and ordering) are
// validated at the input boundary.
func (s *Session) CreateRule(ctx context.Context, r *Rule) error {
	r.PublicID = uuid.NewString()
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO rules (public_id, name, event_public_id, operator, threshold, threshold_high,
			action_type, webhook_event_type, enabled, cooldown_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.PublicID, r.Name, r.EventPublicID, r.Operator, r.Threshold, r.ThresholdHigh,
		r.ActionType, r.WebhookEventType, r.Enabled, r.CooldownSeconds)
	return mapWriteError(err, fmt.Sprintf("rule name %q already exists", r.Name))
}

// GetRule fetches a rule by public_id or raises NotFound.
func (s *Session) GetRule(ctx context.Context, publicID string) (*Rule, error) {
	var r Rule
	err := s.q.GetContext(ctx, &r, `SELECT * FROM rules WHERE public_id = $1`, publicID)
	if err != nil {
		return nil, notFoundOr(err, "rule", publicID)
	}
	return &r, nil
}

// EnabledRulesForEvent returns all enabled rules bound to the event.
func (s *Session) EnabledRulesForEvent(ctx context.Context, eventPublicID string) ([]Rule, error) {
	rules := []Rule{}
	err := s.q.SelectContext(ctx, &rules, `
		SELECT * FROM rules WHERE event_public_id = $1 AND enabled`, eventPublicID)
	if err != nil {
		return nil, err
	}
	return rules, nil
}

// TouchRuleTriggered flushes last_triggered_at immediately, closing the
// cooldown window before the rule's action fires.
func (s *Session) TouchRuleTriggered(ctx context.Context, publicID string, at time.Time) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE rules SET last_triggered_at = $1 WHERE public_id = $2`, at.UTC(), publicID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("rule", publicID)
	}
	return nil
}

// RuleUpdate is a sparse update for rules.
type RuleUpdate struct {
	Name             *string
	Operator         *RuleOperator
	Threshold        *float64
	ThresholdHigh    *float64
	ActionType       *RuleAction
	WebhookEventType *string
	Enabled          *bool
	CooldownSeconds  *int
}

// UpdateRule applies a sparse update to a rule.
func (s *Session) UpdateRule(ctx context.Context, publicID string, upd RuleUpdate) (*Rule, error) {
	set := newSetClause()
	set.add("name", upd.Name)
	set.add("operator", upd.Operator)
	set.add("threshold", upd.Threshold)
	set.add("threshold_high", upd.ThresholdHigh)
	set.add("action_type", upd.ActionType)
	set.add("webhook_event_type", upd.WebhookEventType)
	set.add("enabled", upd.Enabled)
	set.add("cooldown_seconds", upd.CooldownSeconds)
	if set.empty() {
		return s.GetRule(ctx, publicID)
	}

	query, args := set.build("rules", publicID)
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, mapWriteError(err, "rule name already exists")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperr.NotFound("rule", publicID)
	}
	return s.GetRule(ctx, publicID)
}

// ListRules returns one page of rules ordered by name, plus the total count.
func (s *Session) ListRules(ctx context.Context, page Page) ([]Rule, int, error) {
	page = page.Normalize()

	var total int
	if err := s.q.GetContext(ctx, &total, `SELECT count(*) FROM rules`); err != nil {
		return nil, 0, err
	}

	rules := []Rule{}
	err := s.q.SelectContext(ctx, &rules,
		`SELECT * FROM rules ORDER BY name LIMIT $1 OFFSET $2`, page.PageSize, page.Offset())
	if err != nil {
		return nil, 0, err
	}
	return rules, total, nil
}

// DeleteRule removes a rule by public_id or raises NotFound.
func (s *Session) DeleteRule(ctx context.Context, publicID string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM rules WHERE public_id = $1`, publicID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("rule", publicID)
	}
	return nil
}
