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
Package metrics provides the OpenTelemetry-based metrics exporter for the
WebMACS core. It bridges OTLP instruments onto a Prometheus registry served
by the HTTP server's /metrics endpoint.
*/
package metrics

import (
	"context"
	"fmt"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

var (
	otelMeter metric.Meter

	// DatapointsAcceptedTotal counts datapoints persisted by ingestion.
	DatapointsAcceptedTotal metric.Int64Counter
	// DatapointsRejectedTotal counts datapoints dropped by the plugin filter.
	DatapointsRejectedTotal metric.Int64Counter
	// IngestBatchesTotal counts ingestion batches processed.
	IngestBatchesTotal metric.Int64Counter
	// IngestDurationSeconds observes end-to-end batch processing time.
	IngestDurationSeconds metric.Float64Histogram

	// WebhookDeliveriesTotal counts deliveries reaching the delivered state.
	WebhookDeliveriesTotal metric.Int64Counter
	// WebhookDeadLettersTotal counts deliveries exhausting their retries.
	WebhookDeadLettersTotal metric.Int64Counter
	// WebhookAttemptsTotal counts individual delivery attempts.
	WebhookAttemptsTotal metric.Int64Counter
	// WebhookDeliveryDurationSeconds observes successful delivery latency.
	WebhookDeliveryDurationSeconds metric.Float64Histogram
	// WebhookThrottleSkipsTotal counts sensor webhooks suppressed by the gate.
	WebhookThrottleSkipsTotal metric.Int64Counter

	// RuleTriggersTotal counts fired rule actions.
	RuleTriggersTotal metric.Int64Counter
	// RuleEvaluationErrorsTotal counts evaluator errors caught by ingestion.
	RuleEvaluationErrorsTotal metric.Int64Counter

	// BroadcastMessagesTotal counts frames fanned out to the frontend topic.
	BroadcastMessagesTotal metric.Int64Counter
	// BroadcastClientsActive gauges currently attached hub clients.
	BroadcastClientsActive metric.Int64UpDownCounter

	// OTATransitionsTotal counts firmware state-machine transitions.
	OTATransitionsTotal metric.Int64Counter
	// JanitorDeletionsTotal counts rows removed by background janitors.
	JanitorDeletionsTotal metric.Int64Counter
)

// InitExporter initializes the OTLP-to-Prometheus bridge against the given
// registry and registers all instruments. It returns a shutdown function.
func InitExporter(_ context.Context, registry *promclient.Registry) (func(context.Context) error, error) {
	exporter, err := prometheus.New(
		prometheus.WithRegisterer(registry),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	otelMeter = provider.Meter("webmacs")

	// Register instruments in compact loops to keep complexity low.
	type cSpec struct {
		name string
		dest *metric.Int64Counter
	}
	type hSpec struct {
		name string
		dest *metric.Float64Histogram
	}
	type uSpec struct {
		name string
		dest *metric.Int64UpDownCounter
	}

	counters := []cSpec{
		{"webmacs_datapoints_accepted_total", &DatapointsAcceptedTotal},
		{"webmacs_datapoints_rejected_total", &DatapointsRejectedTotal},
		{"webmacs_ingest_batches_total", &IngestBatchesTotal},
		{"webmacs_webhook_deliveries_total", &WebhookDeliveriesTotal},
		{"webmacs_webhook_dead_letters_total", &WebhookDeadLettersTotal},
		{"webmacs_webhook_attempts_total", &WebhookAttemptsTotal},
		{"webmacs_webhook_throttle_skips_total", &WebhookThrottleSkipsTotal},
		{"webmacs_rule_triggers_total", &RuleTriggersTotal},
		{"webmacs_rule_evaluation_errors_total", &RuleEvaluationErrorsTotal},
		{"webmacs_broadcast_messages_total", &BroadcastMessagesTotal},
		{"webmacs_ota_transitions_total", &OTATransitionsTotal},
		{"webmacs_janitor_deletions_total", &JanitorDeletionsTotal},
	}
	for _, s := range counters {
		v, err := otelMeter.Int64Counter(s.name)
		if err != nil {
			return nil, err
		}
		*s.dest = v
	}

	hists := []hSpec{
		{"webmacs_ingest_duration_seconds", &IngestDurationSeconds},
		{"webmacs_webhook_delivery_duration_seconds", &WebhookDeliveryDurationSeconds},
	}
	for _, s := range hists {
		v, err := otelMeter.Float64Histogram(s.name)
		if err != nil {
			return nil, err
		}
		*s.dest = v
	}

	upDowns := []uSpec{
		{"webmacs_broadcast_clients_active", &BroadcastClientsActive},
	}
	for _, s := range upDowns {
		v, err := otelMeter.Int64UpDownCounter(s.name)
		if err != nil {
			return nil, err
		}
		*s.dest = v
	}

	return provider.Shutdown, nil
}
