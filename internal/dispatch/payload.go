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

package dispatch

import (
	"bytes"
	"encoding/json"
	"time"
)

// Payload is an insertion-ordered JSON object. Signatures are computed over
// the serialized bytes, so field order must be stable across processes.
type Payload struct {
	keys   []string
	values map[string]any
}

// NewPayload returns a payload carrying the mandatory envelope fields.
func NewPayload(eventType string, at time.Time) *Payload {
	p := &Payload{values: make(map[string]any, 6)}
	p.Set("type", eventType)
	p.Set("time", at.UTC().Format(time.RFC3339))
	return p
}

// Set adds or overwrites a field, preserving first-insertion order.
func (p *Payload) Set(key string, value any) *Payload {
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
	return p
}

// EventType returns the payload's type field, or "" when absent.
func (p *Payload) EventType() string {
	if v, ok := p.values["type"].(string); ok {
		return v
	}
	return ""
}

// MarshalJSON serializes fields in insertion order.
func (p *Payload) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range p.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(p.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
