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
Package ingest implements the datapoint hot path: filter by plugin linkage,
persist, fire throttled webhooks, evaluate rules and broadcast to frontend
subscribers.
*/
package ingest

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/webmacs/webmacs/internal/dispatch"
	"github.com/webmacs/webmacs/internal/hub"
	"github.com/webmacs/webmacs/internal/metrics"
	"github.com/webmacs/webmacs/internal/rules"
	"github.com/webmacs/webmacs/internal/store"
)

// broadcastInterval rate-limits frontend fan-out per event.
const broadcastInterval = 200 * time.Millisecond

// sensorReadingType is the outbound webhook event type for raw readings.
const sensorReadingType = "sensor.reading"

// MaxBatchSize caps one ingestion request.
const MaxBatchSize = 500

// Reading is one incoming datapoint before validation.
type Reading struct {
	Value         float64 `json:"value"`
	EventPublicID string  `json:"event_public_id" validate:"required"`
}

// Result summarizes one processed batch.
type Result struct {
	Accepted int
	Rejected int
}

// Pipeline owns the per-process throttle state and the side-effect wiring.
// One Pipeline instance serves all ingress paths (REST and controller
// websocket).
type Pipeline struct {
	log        logr.Logger
	dispatcher *dispatch.Dispatcher
	engine     *rules.Engine
	broker     *hub.Hub

	webhookGate   *throttleGate
	broadcastGate *throttleGate
}

// New builds a Pipeline. webhookInterval is the per-event sensor webhook
// throttle, already clamped by the configuration layer.
func New(log logr.Logger, dispatcher *dispatch.Dispatcher, engine *rules.Engine, broker *hub.Hub, webhookInterval time.Duration) *Pipeline {
	return &Pipeline{
		log:           log.WithName("ingest"),
		dispatcher:    dispatcher,
		engine:        engine,
		broker:        broker,
		webhookGate:   newThrottleGate(webhookInterval),
		broadcastGate: newThrottleGate(broadcastInterval),
	}
}

// Process runs one batch through the pipeline inside the caller's session.
// Persistence happens before any side effect is scheduled; rule evaluation
// errors are logged, never propagated.
func (p *Pipeline) Process(ctx context.Context, sess *store.Session, batch []Reading) (Result, error) {
	start := time.Now()
	var res Result
	if len(batch) == 0 {
		return res, nil
	}

	// Filter by active plugin linkage.
	ids := make([]string, 0, len(batch))
	seen := make(map[string]struct{}, len(batch))
	for _, r := range batch {
		if _, ok := seen[r.EventPublicID]; ok {
			continue
		}
		seen[r.EventPublicID] = struct{}{}
		ids = append(ids, r.EventPublicID)
	}
	active, err := sess.ActiveEventIDs(ctx, ids)
	if err != nil {
		return res, err
	}

	accepted := make([]Reading, 0, len(batch))
	for _, r := range batch {
		if _, ok := active[r.EventPublicID]; ok {
			accepted = append(accepted, r)
		} else {
			res.Rejected++
		}
	}
	res.Accepted = len(accepted)
	if len(accepted) == 0 {
		p.observe(ctx, res, start)
		return res, nil
	}

	// Resolve the single active experiment, if any.
	var experimentID *string
	exp, err := sess.ActiveExperiment(ctx)
	if err != nil {
		return res, err
	}
	if exp != nil {
		experimentID = &exp.PublicID
	}

	// Persist with one shared timestamp.
	now := store.UTCNow()
	rows := make([]store.Datapoint, len(accepted))
	for i, r := range accepted {
		rows[i] = store.Datapoint{
			PublicID:           uuid.NewString(),
			Value:              r.Value,
			Timestamp:          now,
			EventPublicID:      r.EventPublicID,
			ExperimentPublicID: experimentID,
		}
	}
	if err := sess.InsertDatapoints(ctx, rows); err != nil {
		return res, err
	}

	p.fireWebhooks(ctx, accepted, now)
	p.evaluateRules(ctx, sess, accepted)
	p.broadcast(rows)

	p.observe(ctx, res, start)
	return res, nil
}

// fireWebhooks dispatches a sensor.reading payload per throttle-admitted
// datapoint. Dispatches detach into the background.
func (p *Pipeline) fireWebhooks(ctx context.Context, accepted []Reading, now time.Time) {
	for _, r := range accepted {
		if !p.webhookGate.Admit(r.EventPublicID) {
			metrics.WebhookThrottleSkipsTotal.Add(ctx, 1)
			continue
		}
		payload := dispatch.NewPayload(sensorReadingType, now).
			Set("sensor", r.EventPublicID).
			Set("value", r.Value)
		if err := p.dispatcher.Dispatch(ctx, payload); err != nil {
			p.log.Error(err, "Failed to dispatch sensor webhook",
				"event", r.EventPublicID)
		}
	}
}

// evaluateRules runs the engine once per event on the last value seen in
// the batch. Evaluator errors must never abort the ingestion.
func (p *Pipeline) evaluateRules(ctx context.Context, sess *store.Session, accepted []Reading) {
	lastValue := make(map[string]float64, len(accepted))
	order := make([]string, 0, len(accepted))
	for _, r := range accepted {
		if _, ok := lastValue[r.EventPublicID]; !ok {
			order = append(order, r.EventPublicID)
		}
		lastValue[r.EventPublicID] = r.Value
	}
	for _, id := range order {
		if _, err := p.engine.Evaluate(ctx, sess, id, lastValue[id]); err != nil {
			metrics.RuleEvaluationErrorsTotal.Add(ctx, 1)
			p.log.Error(err, "Rule evaluation failed", "event", id)
		}
	}
}

// broadcast sends one datapoints_batch frame covering every admitted
// event's datapoints from this batch.
func (p *Pipeline) broadcast(rows []store.Datapoint) {
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.EventPublicID)
	}
	admitted := p.broadcastGate.AdmitSet(ids)
	if len(admitted) == 0 {
		return
	}

	out := make([]store.Datapoint, 0, len(rows))
	for _, row := range rows {
		if _, ok := admitted[row.EventPublicID]; ok {
			out = append(out, row)
		}
	}
	msg := map[string]any{
		"type":       "datapoints_batch",
		"datapoints": out,
	}
	if err := p.broker.Broadcast(hub.TopicFrontend, msg); err != nil {
		p.log.Error(err, "Failed to broadcast datapoints batch")
		return
	}
	metrics.BroadcastMessagesTotal.Add(context.Background(), 1)
}

func (p *Pipeline) observe(ctx context.Context, res Result, start time.Time) {
	metrics.IngestBatchesTotal.Add(ctx, 1)
	metrics.DatapointsAcceptedTotal.Add(ctx, int64(res.Accepted))
	metrics.DatapointsRejectedTotal.Add(ctx, int64(res.Rejected))
	metrics.IngestDurationSeconds.Record(ctx, time.Since(start).Seconds())
}
