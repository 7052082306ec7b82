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

package ota

import (
	"github.com/webmacs/webmacs/internal/apperr"
	"github.com/webmacs/webmacs/internal/store"
)

// allowedTransitions is the closed transition table of the firmware
// lifecycle. Anything absent here is an InvalidTransition.
var allowedTransitions = map[store.FirmwareStatus]map[store.FirmwareStatus]struct{}{
	store.FirmwarePending: {
		store.FirmwareDownloading: {},
		store.FirmwareCompleted:   {},
		store.FirmwareFailed:      {},
	},
	store.FirmwareDownloading: {
		store.FirmwareVerifying: {},
		store.FirmwareFailed:    {},
	},
	store.FirmwareVerifying: {
		store.FirmwareApplying: {},
		store.FirmwareFailed:   {},
	},
	store.FirmwareApplying: {
		store.FirmwareCompleted: {},
		store.FirmwareFailed:    {},
	},
	store.FirmwareCompleted: {
		store.FirmwareRolledBack: {},
	},
	store.FirmwareFailed: {
		store.FirmwarePending: {},
	},
	store.FirmwareRolledBack: {
		store.FirmwarePending: {},
	},
}

// CanTransition reports whether from → to is an allowed lifecycle edge.
func CanTransition(from, to store.FirmwareStatus) bool {
	targets, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = targets[to]
	return ok
}

// checkTransition returns an InvalidTransition error for disallowed edges.
func checkTransition(from, to store.FirmwareStatus) error {
	if !CanTransition(from, to) {
		return apperr.InvalidTransition(string(from), string(to))
	}
	return nil
}
