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
Package rules evaluates threshold rules against incoming sensor values and
fires their configured actions.
*/
package rules

import (
	"context"
	"math"
	"time"

	"github.com/go-logr/logr"

	"github.com/webmacs/webmacs/internal/dispatch"
	"github.com/webmacs/webmacs/internal/metrics"
	"github.com/webmacs/webmacs/internal/store"
)

// defaultWebhookEventType is used when a webhook rule does not configure
// its own outbound event type.
const defaultWebhookEventType = "sensor.threshold_exceeded"

const floatEqualityEpsilon = 1e-9

// Eval applies operator to value against threshold (and thresholdHigh for
// range operators). Range operators with a missing thresholdHigh evaluate
// to false rather than erroring.
func Eval(value float64, op store.RuleOperator, threshold float64, thresholdHigh *float64) bool {
	switch op {
	case store.OpGT:
		return value > threshold
	case store.OpLT:
		return value < threshold
	case store.OpGTE:
		return value >= threshold
	case store.OpLTE:
		return value <= threshold
	case store.OpEQ:
		return math.Abs(value-threshold) < floatEqualityEpsilon
	case store.OpBetween:
		if thresholdHigh == nil {
			return false
		}
		return value >= threshold && value <= *thresholdHigh
	case store.OpNotBetween:
		if thresholdHigh == nil {
			return false
		}
		return value < threshold || value > *thresholdHigh
	default:
		return false
	}
}

// Engine runs the trigger flow for one (event, value) pair at a time.
type Engine struct {
	log        logr.Logger
	dispatcher *dispatch.Dispatcher

	now func() time.Time
}

// NewEngine wires the engine to the webhook dispatcher.
func NewEngine(log logr.Logger, dispatcher *dispatch.Dispatcher) *Engine {
	return &Engine{
		log:        log.WithName("rules"),
		dispatcher: dispatcher,
		now:        store.UTCNow,
	}
}

// Evaluate fetches all enabled rules for the event and fires every rule
// whose predicate holds and whose cooldown has elapsed. The cooldown stamp
// is flushed through the session before the action runs so concurrent
// batches cannot double-fire. It returns the number of rules triggered.
func (e *Engine) Evaluate(ctx context.Context, sess *store.Session, eventPublicID string, value float64) (int, error) {
	ruleSet, err := sess.EnabledRulesForEvent(ctx, eventPublicID)
	if err != nil {
		return 0, err
	}

	now := e.now()
	triggered := 0
	for i := range ruleSet {
		r := &ruleSet[i]
		if !Eval(value, r.Operator, r.Threshold, r.ThresholdHigh) {
			continue
		}
		if inCooldown(r, now) {
			continue
		}
		if err := sess.TouchRuleTriggered(ctx, r.PublicID, now); err != nil {
			return triggered, err
		}
		e.fire(ctx, r, eventPublicID, value, now)
		triggered++
		metrics.RuleTriggersTotal.Add(ctx, 1)
	}
	return triggered, nil
}

func inCooldown(r *store.Rule, now time.Time) bool {
	if r.LastTriggeredAt == nil || r.CooldownSeconds <= 0 {
		return false
	}
	return now.Sub(*r.LastTriggeredAt) < time.Duration(r.CooldownSeconds)*time.Second
}

// fire executes the rule action. Webhook dispatches detach into the
// background; they must never block ingestion.
func (e *Engine) fire(ctx context.Context, r *store.Rule, eventPublicID string, value float64, now time.Time) {
	switch r.ActionType {
	case store.ActionWebhook:
		eventType := defaultWebhookEventType
		if r.WebhookEventType != nil && *r.WebhookEventType != "" {
			eventType = *r.WebhookEventType
		}
		p := dispatch.NewPayload(eventType, now).
			Set("rule", r.Name).
			Set("operator", string(r.Operator)).
			Set("threshold", r.Threshold).
			Set("sensor", eventPublicID).
			Set("value", value)
		if err := e.dispatcher.Dispatch(ctx, p); err != nil {
			e.log.Error(err, "Failed to dispatch rule webhook",
				"rule", r.PublicID, "event", eventPublicID)
		}
	case store.ActionLog:
		e.log.Info("Rule triggered",
			"rule", r.Name, "event", eventPublicID,
			"operator", string(r.Operator), "threshold", r.Threshold, "value", value)
	default:
		e.log.Info("Rule has unknown action type, ignoring",
			"rule", r.PublicID, "actionType", string(r.ActionType))
	}
}
