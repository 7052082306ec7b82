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
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/webmacs/webmacs/internal/apperr"
	"github.com/webmacs/webmacs/internal/store"
)

var _ = Describe("Firmware state machine", func() {
	allStates := []store.FirmwareStatus{
		store.FirmwarePending,
		store.FirmwareDownloading,
		store.FirmwareVerifying,
		store.FirmwareApplying,
		store.FirmwareCompleted,
		store.FirmwareFailed,
		store.FirmwareRolledBack,
	}

	DescribeTable("allows exactly the lifecycle edges",
		func(from store.FirmwareStatus, allowed ...store.FirmwareStatus) {
			allowedSet := map[store.FirmwareStatus]bool{}
			for _, to := range allowed {
				allowedSet[to] = true
			}
			for _, to := range allStates {
				Expect(CanTransition(from, to)).To(Equal(allowedSet[to]),
					"edge %s -> %s", from, to)
			}
		},
		Entry("from pending", store.FirmwarePending,
			store.FirmwareDownloading, store.FirmwareCompleted, store.FirmwareFailed),
		Entry("from downloading", store.FirmwareDownloading,
			store.FirmwareVerifying, store.FirmwareFailed),
		Entry("from verifying", store.FirmwareVerifying,
			store.FirmwareApplying, store.FirmwareFailed),
		Entry("from applying", store.FirmwareApplying,
			store.FirmwareCompleted, store.FirmwareFailed),
		Entry("from completed", store.FirmwareCompleted,
			store.FirmwareRolledBack),
		Entry("from failed", store.FirmwareFailed,
			store.FirmwarePending),
		Entry("from rolled_back", store.FirmwareRolledBack,
			store.FirmwarePending),
	)

	It("rejects transitions from unknown states", func() {
		Expect(CanTransition("bogus", store.FirmwarePending)).To(BeFalse())
	})

	It("rejects self transitions", func() {
		for _, s := range allStates {
			Expect(CanTransition(s, s)).To(BeFalse(), "self edge %s", s)
		}
	})

	It("maps rejected edges to the InvalidTransition kind", func() {
		err := checkTransition(store.FirmwareCompleted, store.FirmwareDownloading)
		Expect(err).To(HaveOccurred())
		Expect(apperr.KindOf(err)).To(Equal(apperr.KindInvalidTransition))
	})
})

var _ = Describe("Version ordering", func() {
	DescribeTable("IsNewer",
		func(candidate, current string, want bool) {
			Expect(IsNewer(candidate, current)).To(Equal(want))
		},
		Entry("patch bump", "2.0.1", "2.0.0", true),
		Entry("minor bump", "2.1.0", "2.0.0", true),
		Entry("major bump", "3.0.0", "2.9.9", true),
		Entry("equal", "2.0.0", "2.0.0", false),
		Entry("older", "1.9.9", "2.0.0", false),
		Entry("numeric not lexicographic", "2.10.0", "2.9.0", true),
		Entry("malformed candidate", "2.0", "2.0.0", false),
		Entry("malformed candidate suffix", "2.0.0-rc1", "2.0.0", false),
		Entry("malformed current", "2.0.1", "garbage", false),
		Entry("negative component", "2.-1.0", "2.0.0", false),
	)
})
