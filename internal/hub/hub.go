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

// Package hub provides a topic-keyed publish/subscribe over persistent
// client connections. Membership mutations are serialized under a single
// mutex per hub; broadcasts snapshot the member set under the mutex and send
// outside it, pruning clients whose send fails.
package hub

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
)

// Well-known topics.
const (
	// TopicController carries inbound telemetry producers.
	TopicController = "controller"
	// TopicFrontend carries browser subscribers.
	TopicFrontend = "frontend"
)

// Client is a persistent connection that can accept serialized frames.
// Send must be safe for concurrent use; a failed Send marks the client dead.
type Client interface {
	Send(data []byte) error
	Close() error
}

// Hub is the broadcast hub. The zero value is not usable; construct with New.
type Hub struct {
	log logr.Logger

	mu     sync.Mutex
	topics map[string]map[Client]struct{}
}

// New creates an empty hub.
func New(log logr.Logger) *Hub {
	return &Hub{
		log:    log.WithName("hub"),
		topics: make(map[string]map[Client]struct{}),
	}
}

// Attach registers a client under a topic after the protocol handshake.
func (h *Hub) Attach(topic string, c Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.topics[topic]
	if !ok {
		members = make(map[Client]struct{})
		h.topics[topic] = members
	}
	members[c] = struct{}{}
}

// Detach removes a client from a topic. Detaching an unknown client is a
// no-op.
func (h *Hub) Detach(topic string, c Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(topic, c)
}

func (h *Hub) detachLocked(topic string, c Client) {
	members, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.topics, topic)
	}
}

// Count returns the current number of members of a topic.
func (h *Hub) Count(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

// Broadcast serializes payload once and sends it to every current member of
// the topic. Clients whose send fails are detached and closed. Members
// observed in the snapshot were members at some instant during the call; no
// ordering is guaranteed against concurrent attach/detach.
func (h *Hub) Broadcast(topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize broadcast payload: %w", err)
	}
	h.BroadcastRaw(topic, data)
	return nil
}

// BroadcastRaw sends pre-serialized bytes to every current member of the
// topic.
func (h *Hub) BroadcastRaw(topic string, data []byte) {
	h.mu.Lock()
	members := make([]Client, 0, len(h.topics[topic]))
	for c := range h.topics[topic] {
		members = append(members, c)
	}
	h.mu.Unlock()

	var failed []Client
	for _, c := range members {
		if err := c.Send(data); err != nil {
			h.log.V(1).Info("dropping client after failed send", "topic", topic, "error", err.Error())
			failed = append(failed, c)
		}
	}
	if len(failed) == 0 {
		return
	}

	h.mu.Lock()
	for _, c := range failed {
		h.detachLocked(topic, c)
	}
	h.mu.Unlock()

	for _, c := range failed {
		_ = c.Close()
	}
}

// CloseTopic detaches and closes every member of a topic. Used during
// shutdown to disconnect persistent channels cleanly.
func (h *Hub) CloseTopic(topic string) {
	h.mu.Lock()
	members := make([]Client, 0, len(h.topics[topic]))
	for c := range h.topics[topic] {
		members = append(members, c)
	}
	delete(h.topics, topic)
	h.mu.Unlock()

	for _, c := range members {
		_ = c.Close()
	}
}
