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
Package dispatch delivers signed webhook notifications with bounded
concurrency, retries and dead-lettering.
*/
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/semaphore"

	"github.com/webmacs/webmacs/internal/metrics"
	"github.com/webmacs/webmacs/internal/store"
)

const (
	// deliveryTimeout bounds each outbound POST.
	deliveryTimeout = 10 * time.Second
	// backoffBase is the exponential retry base in seconds.
	backoffBase = 2
)

// Dispatcher fans out event payloads to all subscribed webhooks. Each
// delivery runs in its own goroutine gated by a shared semaphore so a slow
// receiver cannot monopolize outbound capacity.
type Dispatcher struct {
	log        logr.Logger
	store      *store.Store
	client     *http.Client
	sem        *semaphore.Weighted
	maxRetries int

	wg sync.WaitGroup

	// Overridable in tests.
	now     func() time.Time
	backoff func(attempt int) time.Duration
}

// New creates a Dispatcher with the given concurrency permits and retry
// budget.
func New(log logr.Logger, st *store.Store, maxConcurrent int64, maxRetries int) *Dispatcher {
	return &Dispatcher{
		log:        log.WithName("dispatch"),
		store:      st,
		client:     &http.Client{Timeout: deliveryTimeout},
		sem:        semaphore.NewWeighted(maxConcurrent),
		maxRetries: maxRetries,
		now:        time.Now,
		backoff: func(attempt int) time.Duration {
			return time.Duration(math.Pow(backoffBase, float64(attempt))) * time.Second
		},
	}
}

// Dispatch serializes the payload once and spawns a delivery task per
// subscribed webhook. It returns after scheduling; deliveries complete in
// the background and are awaited by Drain on shutdown.
func (d *Dispatcher) Dispatch(ctx context.Context, p *Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to serialize webhook payload: %w", err)
	}
	eventType := p.EventType()

	hooks, err := d.store.Background().EnabledWebhooks(ctx)
	if err != nil {
		return fmt.Errorf("failed to load enabled webhooks: %w", err)
	}

	// Deliveries outlive the spawning request: detach from its cancellation
	// while keeping its values, so only Drain bounds in-flight work.
	deliverCtx := context.WithoutCancel(ctx)

	for i := range hooks {
		wh := hooks[i]
		ok, err := subscribed(wh.Events, eventType)
		if err != nil {
			d.log.Error(err, "Skipping webhook with malformed events list",
				"webhook", wh.PublicID)
			continue
		}
		if !ok {
			continue
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.deliver(deliverCtx, &wh, eventType, body)
		}()
	}
	return nil
}

// Drain blocks until all in-flight deliveries have reached a terminal
// state or the context expires.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliver owns one WebhookDelivery row from insertion to its terminal
// state. The semaphore permit is held across all attempts.
func (d *Dispatcher) deliver(ctx context.Context, wh *store.Webhook, eventType string, body []byte) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		d.log.Error(err, "Abandoning delivery before first attempt",
			"webhook", wh.PublicID)
		return
	}
	defer d.sem.Release(1)

	db := d.store.Background()
	row := &store.WebhookDelivery{
		WebhookID: wh.ID,
		EventType: eventType,
		Payload:   body,
		Status:    store.DeliveryPending,
	}
	if err := db.InsertDelivery(ctx, row); err != nil {
		d.log.Error(err, "Failed to record webhook delivery",
			"webhook", wh.PublicID)
		return
	}

	for attempt := 1; attempt <= d.maxRetries; attempt++ {
		start := d.now()
		statusCode, err := d.post(ctx, wh, body)
		metrics.WebhookAttemptsTotal.Add(ctx, 1)

		if err == nil && statusCode < 300 {
			if dbErr := db.MarkDeliveryDelivered(ctx, row.ID, attempt, statusCode); dbErr != nil {
				d.log.Error(dbErr, "Failed to mark delivery delivered",
					"webhook", wh.PublicID)
			}
			metrics.WebhookDeliveriesTotal.Add(ctx, 1)
			metrics.WebhookDeliveryDurationSeconds.Record(ctx, d.now().Sub(start).Seconds())
			return
		}

		var codePtr *int
		lastError := ""
		if err != nil {
			lastError = err.Error()
		} else {
			codePtr = &statusCode
			lastError = fmt.Sprintf("unexpected status %d", statusCode)
		}
		final := attempt == d.maxRetries
		if dbErr := db.MarkDeliveryFailed(ctx, row.ID, attempt, codePtr, lastError, final); dbErr != nil {
			d.log.Error(dbErr, "Failed to record delivery attempt",
				"webhook", wh.PublicID, "attempt", attempt)
		}
		if final {
			metrics.WebhookDeadLettersTotal.Add(ctx, 1)
			d.log.Info("Webhook delivery dead-lettered",
				"webhook", wh.PublicID, "eventType", eventType, "attempts", attempt)
			return
		}

		select {
		case <-time.After(d.backoff(attempt)):
		case <-ctx.Done():
			return
		}
	}
}

// post performs one signed POST. A zero status code with non-nil error
// means a transport failure.
func (d *Dispatcher) post(ctx context.Context, wh *store.Webhook, body []byte) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	ts := d.now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Timestamp", fmt.Sprintf("%d", ts))
	if wh.Secret != nil && *wh.Secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(*wh.Secret, ts, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// subscribed reports whether the raw events blob, a JSON array of event
// type strings, contains eventType.
func subscribed(raw []byte, eventType string) (bool, error) {
	var events []string
	if err := json.Unmarshal(raw, &events); err != nil {
		return false, fmt.Errorf("failed to parse events list: %w", err)
	}
	for _, e := range events {
		if e == eventType {
			return true, nil
		}
	}
	return false, nil
}
