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

package store

import (
	"time"
)

// EventType classifies a sensor/actuator channel.
type EventType string

// Event channel types.
const (
	EventTypeSensor    EventType = "sensor"
	EventTypeActuator  EventType = "actuator"
	EventTypeRange     EventType = "range"
	EventTypeCmdButton EventType = "cmd_button"
	EventTypeCmdOpened EventType = "cmd_opened"
	EventTypeCmdClosed EventType = "cmd_closed"
)

// Event is a named sensor/actuator channel. Names are unique globally.
type Event struct {
	ID           int64     `db:"id" json:"-"`
	PublicID     string    `db:"public_id" json:"public_id"`
	Name         string    `db:"name" json:"name"`
	Min          *float64  `db:"min_value" json:"min"`
	Max          *float64  `db:"max_value" json:"max"`
	Unit         string    `db:"unit" json:"unit"`
	Type         EventType `db:"event_type" json:"type"`
	UserPublicID string    `db:"user_public_id" json:"user_public_id"`
	CreatedOn    time.Time `db:"created_on" json:"created_on"`
}

// Experiment is a time-bounded measurement session. At most one experiment
// has a null stopped_on at any time.
type Experiment struct {
	ID        int64      `db:"id" json:"-"`
	PublicID  string     `db:"public_id" json:"public_id"`
	Name      string     `db:"name" json:"name"`
	StartedOn time.Time  `db:"started_on" json:"started_on"`
	StoppedOn *time.Time `db:"stopped_on" json:"stopped_on"`
}

// Datapoint is a single immutable reading.
type Datapoint struct {
	ID                 int64     `db:"id" json:"-"`
	PublicID           string    `db:"public_id" json:"public_id"`
	Value              float64   `db:"value" json:"value"`
	Timestamp          time.Time `db:"timestamp" json:"timestamp"`
	EventPublicID      string    `db:"event_public_id" json:"event_public_id"`
	ExperimentPublicID *string   `db:"experiment_public_id" json:"experiment_public_id"`
}

// PluginStatus is the connection state of a plugin instance.
type PluginStatus string

// Plugin instance states.
const (
	PluginStatusInactive  PluginStatus = "inactive"
	PluginStatusConnected PluginStatus = "connected"
	PluginStatusError     PluginStatus = "error"
	PluginStatusDemo      PluginStatus = "demo"
)

// PluginInstance is a configured instance of a device driver.
type PluginInstance struct {
	ID           int64        `db:"id" json:"-"`
	PublicID     string       `db:"public_id" json:"public_id"`
	PluginID     string       `db:"plugin_id" json:"plugin_id"`
	InstanceName string       `db:"instance_name" json:"instance_name"`
	DemoMode     bool         `db:"demo_mode" json:"demo_mode"`
	Enabled      bool         `db:"enabled" json:"enabled"`
	Status       PluginStatus `db:"status" json:"status"`
	Config       []byte       `db:"config" json:"-"`
}

// ChannelDirection is the data direction of a plugin channel.
type ChannelDirection string

// Channel directions.
const (
	DirectionInput         ChannelDirection = "input"
	DirectionOutput        ChannelDirection = "output"
	DirectionBidirectional ChannelDirection = "bidirectional"
)

// ChannelMapping links a plugin instance channel to an Event. The pair
// (plugin_instance_id, channel_id) is unique. Mappings reference the instance
// by surrogate key for cascade performance.
type ChannelMapping struct {
	ID               int64            `db:"id" json:"-"`
	PublicID         string           `db:"public_id" json:"public_id"`
	PluginInstanceID int64            `db:"plugin_instance_id" json:"-"`
	ChannelID        string           `db:"channel_id" json:"channel_id"`
	ChannelName      string           `db:"channel_name" json:"channel_name"`
	Direction        ChannelDirection `db:"direction" json:"direction"`
	Unit             string           `db:"unit" json:"unit"`
	EventPublicID    *string          `db:"event_public_id" json:"event_public_id"`
}

// RuleOperator is a threshold comparison operator.
type RuleOperator string

// Rule operators.
const (
	OpGT         RuleOperator = "gt"
	OpLT         RuleOperator = "lt"
	OpEQ         RuleOperator = "eq"
	OpGTE        RuleOperator = "gte"
	OpLTE        RuleOperator = "lte"
	OpBetween    RuleOperator = "between"
	OpNotBetween RuleOperator = "not_between"
)

// RuleAction selects what a triggered rule does.
type RuleAction string

// Rule actions.
const (
	ActionWebhook RuleAction = "webhook"
	ActionLog     RuleAction = "log"
)

// Rule is a threshold condition bound to an event.
type Rule struct {
	ID               int64        `db:"id" json:"-"`
	PublicID         string       `db:"public_id" json:"public_id"`
	Name             string       `db:"name" json:"name"`
	EventPublicID    string       `db:"event_public_id" json:"event_public_id"`
	Operator         RuleOperator `db:"operator" json:"operator"`
	Threshold        float64      `db:"threshold" json:"threshold"`
	ThresholdHigh    *float64     `db:"threshold_high" json:"threshold_high"`
	ActionType       RuleAction   `db:"action_type" json:"action_type"`
	WebhookEventType *string      `db:"webhook_event_type" json:"webhook_event_type"`
	Enabled          bool         `db:"enabled" json:"enabled"`
	CooldownSeconds  int          `db:"cooldown_seconds" json:"cooldown_seconds"`
	LastTriggeredAt  *time.Time   `db:"last_triggered_at" json:"last_triggered_at"`
}

// Webhook is a subscription to the outbound event stream. URLs are unique;
// Events holds the raw JSON array of subscribed event type strings.
type Webhook struct {
	ID           int64     `db:"id" json:"-"`
	PublicID     string    `db:"public_id" json:"public_id"`
	URL          string    `db:"url" json:"url"`
	Secret       *string   `db:"secret" json:"-"`
	Events       []byte    `db:"events" json:"-"`
	Enabled      bool      `db:"enabled" json:"enabled"`
	UserPublicID string    `db:"user_public_id" json:"user_public_id"`
	CreatedOn    time.Time `db:"created_on" json:"created_on"`
}

// DeliveryStatus is the lifecycle state of a webhook delivery.
type DeliveryStatus string

// Delivery states.
const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryDeadLetter DeliveryStatus = "dead_letter"
)

// WebhookDelivery records one attempted delivery. It references its webhook
// by surrogate key for cascade performance.
type WebhookDelivery struct {
	ID          int64          `db:"id" json:"-"`
	PublicID    string         `db:"public_id" json:"public_id"`
	WebhookID   int64          `db:"webhook_id" json:"-"`
	EventType   string         `db:"event_type" json:"event_type"`
	Payload     []byte         `db:"payload" json:"payload"`
	Status      DeliveryStatus `db:"status" json:"status"`
	Attempts    int            `db:"attempts" json:"attempts"`
	LastStatus  *int           `db:"last_status_code" json:"last_status_code"`
	LastError   *string        `db:"last_error" json:"last_error"`
	CreatedOn   time.Time      `db:"created_on" json:"created_on"`
	DeliveredOn *time.Time     `db:"delivered_on" json:"delivered_on"`
}

// FirmwareStatus is the OTA lifecycle state of a firmware record.
type FirmwareStatus string

// Firmware states.
const (
	FirmwarePending     FirmwareStatus = "pending"
	FirmwareDownloading FirmwareStatus = "downloading"
	FirmwareVerifying   FirmwareStatus = "verifying"
	FirmwareApplying    FirmwareStatus = "applying"
	FirmwareCompleted   FirmwareStatus = "completed"
	FirmwareFailed      FirmwareStatus = "failed"
	FirmwareRolledBack  FirmwareStatus = "rolled_back"
)

// FirmwareUpdate is a registered firmware version.
type FirmwareUpdate struct {
	ID             int64          `db:"id" json:"-"`
	PublicID       string         `db:"public_id" json:"public_id"`
	Version        string         `db:"version" json:"version"`
	Changelog      string         `db:"changelog" json:"changelog"`
	Status         FirmwareStatus `db:"status" json:"status"`
	FilePath       *string        `db:"file_path" json:"file_path"`
	FileHashSHA256 *string        `db:"file_hash_sha256" json:"file_hash_sha256"`
	FileSizeBytes  *int64         `db:"file_size_bytes" json:"file_size_bytes"`
	StartedOn      *time.Time     `db:"started_on" json:"started_on"`
	CompletedOn    *time.Time     `db:"completed_on" json:"completed_on"`
	ErrorMessage   *string        `db:"error_message" json:"error_message"`
}

// User is an account that owns events, webhooks, rules, and dashboards.
type User struct {
	ID           int64     `db:"id" json:"-"`
	PublicID     string    `db:"public_id" json:"public_id"`
	Username     string    `db:"username" json:"username"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	Role         string    `db:"role" json:"role"`
	CreatedOn    time.Time `db:"created_on" json:"created_on"`
}

// APIToken is an opaque long-lived credential. Only the SHA-256 of the token
// is stored.
type APIToken struct {
	ID           int64      `db:"id" json:"-"`
	PublicID     string     `db:"public_id" json:"public_id"`
	Name         string     `db:"name" json:"name"`
	TokenHash    string     `db:"token_hash" json:"-"`
	UserPublicID string     `db:"user_public_id" json:"user_public_id"`
	CreatedOn    time.Time  `db:"created_on" json:"created_on"`
	LastUsedOn   *time.Time `db:"last_used_on" json:"last_used_on"`
}

// BlacklistToken is a revoked JWT awaiting natural expiry.
type BlacklistToken struct {
	ID            int64     `db:"id" json:"-"`
	Token         string    `db:"token" json:"-"`
	BlacklistedOn time.Time `db:"blacklisted_on" json:"blacklisted_on"`
}
