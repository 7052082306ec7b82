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
Package janitor hosts the periodic cleanup loops: expired token revocations
and webhook delivery retention.
*/
package janitor

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/webmacs/webmacs/internal/metrics"
	"github.com/webmacs/webmacs/internal/store"
)

const (
	// blacklistCadence is how often expired revocations are swept.
	blacklistCadence = time.Hour
	// deliveryCadence is how often old delivery rows are purged.
	deliveryCadence = 24 * time.Hour
	// deliveryRetention keeps terminal delivery rows for inspection.
	deliveryRetention = 30 * 24 * time.Hour
)

// Janitor owns the background cleanup loops.
type Janitor struct {
	log      logr.Logger
	store    *store.Store
	tokenTTL time.Duration
}

// New builds a Janitor. tokenTTL is the access-token expiry window; a
// revocation older than that covers a token that can no longer validate.
func New(log logr.Logger, st *store.Store, tokenTTL time.Duration) *Janitor {
	return &Janitor{
		log:      log.WithName("janitor"),
		store:    st,
		tokenTTL: tokenTTL,
	}
}

// Run blocks until the context is cancelled, sweeping on each cadence.
func (j *Janitor) Run(ctx context.Context) {
	blacklistTick := time.NewTicker(blacklistCadence)
	deliveryTick := time.NewTicker(deliveryCadence)
	defer blacklistTick.Stop()
	defer deliveryTick.Stop()

	j.log.Info("Janitor started",
		"blacklistCadence", blacklistCadence.String(),
		"deliveryRetention", deliveryRetention.String())

	for {
		select {
		case <-ctx.Done():
			j.log.Info("Janitor stopped")
			return
		case <-blacklistTick.C:
			j.sweepBlacklist(ctx)
		case <-deliveryTick.C:
			j.sweepDeliveries(ctx)
		}
	}
}

func (j *Janitor) sweepBlacklist(ctx context.Context) {
	n, err := j.store.Background().DeleteExpiredBlacklistTokens(ctx, j.tokenTTL)
	if err != nil {
		j.log.Error(err, "Blacklist sweep failed")
		return
	}
	if n > 0 {
		metrics.JanitorDeletionsTotal.Add(ctx, n)
		j.log.Info("Swept expired token revocations", "deleted", n)
	}
}

func (j *Janitor) sweepDeliveries(ctx context.Context) {
	cutoff := store.UTCNow().Add(-deliveryRetention)
	n, err := j.store.Background().PurgeDeliveriesBefore(ctx, cutoff)
	if err != nil {
		j.log.Error(err, "Delivery retention sweep failed")
		return
	}
	if n > 0 {
		metrics.JanitorDeletionsTotal.Add(ctx, n)
		j.log.Info("Purged old webhook deliveries", "deleted", n)
	}
}
