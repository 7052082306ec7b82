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

package ingest

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// throttleGate rate-limits per-event side effects. Keys are xxhash digests
// of event public_ids; the map grows with the number of distinct active
// events and is never pruned within a process lifetime.
type throttleGate struct {
	mu       sync.Mutex
	interval time.Duration
	lastFire map[uint64]time.Time

	now func() time.Time
}

func newThrottleGate(interval time.Duration) *throttleGate {
	return &throttleGate{
		interval: interval,
		lastFire: make(map[uint64]time.Time),
		now:      time.Now,
	}
}

// Admit reports whether the event may fire now, updating the stamp when it
// does. Callers denied admission are skipped silently.
func (g *throttleGate) Admit(eventPublicID string) bool {
	key := xxhash.Sum64String(eventPublicID)
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	if last, ok := g.lastFire[key]; ok && now.Sub(last) < g.interval {
		return false
	}
	g.lastFire[key] = now
	return true
}

// AdmitSet filters eventPublicIDs down to those admitted in one pass under
// a single lock acquisition.
func (g *throttleGate) AdmitSet(eventPublicIDs []string) map[string]struct{} {
	now := g.now()
	admitted := make(map[string]struct{}, len(eventPublicIDs))

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range eventPublicIDs {
		key := xxhash.Sum64String(id)
		if last, ok := g.lastFire[key]; ok && now.Sub(last) < g.interval {
			continue
		}
		g.lastFire[key] = now
		admitted[id] = struct{}{}
	}
	return admitted
}
