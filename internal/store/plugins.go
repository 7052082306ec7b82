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
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/webmacs/webmacs/internal/apperr"
)

// ActiveEventIDs returns the subset of the given event public_ids that are
// the current target of a channel mapping whose plugin instance is enabled.
// This is the plugin registry gateway used by the ingestion pipeline.
func (s *Session) ActiveEventIDs(ctx context.Context, eventPublicIDs []string) (map[string]struct{}, error) {
	active := make(map[string]struct{}, len(eventPublicIDs))
	if len(eventPublicIDs) == 0 {
		return active, nil
	}

	query, args, err := sqlx.In(`
		SELECT DISTINCT cm.event_public_id
		FROM channel_mappings cm
		JOIN plugin_instances pi ON pi.id = cm.plugin_instance_id
		WHERE pi.enabled AND cm.event_public_id IN (?)`, eventPublicIDs)
	if err != nil {
		return nil, err
	}

	ids := []string{}
	if err := s.q.SelectContext(ctx, &ids, s.q.Rebind(query), args...); err != nil {
		return nil, err
	}
	for _, id := range ids {
		active[id] = struct{}{}
	}
	return active, nil
}

// CreatePluginInstance inserts a plugin instance. Duplicate instance names
// raise Conflict.
func (s *Session) CreatePluginInstance(ctx context.Context, pi *PluginInstance) error {
	pi.PublicID = uuid.NewString()
	if pi.Status == "" {
		pi.Status = PluginStatusInactive
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO plugin_instances (public_id, plugin_id, instance_name, demo_mode, enabled, status, config)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		pi.PublicID, pi.PluginID, pi.InstanceName, pi.DemoMode, pi.Enabled, pi.Status, pi.Config)
	return mapWriteError(err, fmt.Sprintf("plugin instance %q already exists", pi.InstanceName))
}

// GetPluginInstance fetches a plugin instance by public_id or raises NotFound.
func (s *Session) GetPluginInstance(ctx context.Context, publicID string) (*PluginInstance, error) {
	var pi PluginInstance
	err := s.q.GetContext(ctx, &pi, `
		SELECT id, public_id, plugin_id, instance_name, demo_mode, enabled, status, config
		FROM plugin_instances WHERE public_id = $1`, publicID)
	if err != nil {
		return nil, notFoundOr(err, "plugin instance", publicID)
	}
	return &pi, nil
}

// SetPluginInstanceState updates the enabled flag and status of an instance.
func (s *Session) SetPluginInstanceState(ctx context.Context, publicID string, enabled bool, status PluginStatus) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE plugin_instances SET enabled = $1, status = $2 WHERE public_id = $3`,
		enabled, status, publicID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("plugin instance", publicID)
	}
	return nil
}

// MappedEventIDs lists the event public_ids currently linked to an instance's
// channel mappings.
func (s *Session) MappedEventIDs(ctx context.Context, instanceID int64) ([]string, error) {
	ids := []string{}
	err := s.q.SelectContext(ctx, &ids, `
		SELECT event_public_id FROM channel_mappings
		WHERE plugin_instance_id = $1 AND event_public_id IS NOT NULL`, instanceID)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// CreateChannelMapping links a plugin channel to an optional event. The pair
// (instance, channel_id) is unique.
func (s *Session) CreateChannelMapping(ctx context.Context, cm *ChannelMapping) error {
	cm.PublicID = uuid.NewString()
	if cm.Direction == "" {
		cm.Direction = DirectionInput
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO channel_mappings (public_id, plugin_instance_id, channel_id, channel_name, direction, unit, event_public_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		cm.PublicID, cm.PluginInstanceID, cm.ChannelID, cm.ChannelName, cm.Direction, cm.Unit, cm.EventPublicID)
	return mapWriteError(err, fmt.Sprintf("channel %q is already mapped for this instance", cm.ChannelID))
}

// DeletePluginInstance removes an instance with the required two-phase
// cleanup of everything reachable through its events: mapping references are
// nulled, rules on those events deleted, widget references nulled, datapoints
// bulk-deleted, the events removed, and finally the instance itself (its
// mappings cascade).
func (s *Session) DeletePluginInstance(ctx context.Context, publicID string) error {
	pi, err := s.GetPluginInstance(ctx, publicID)
	if err != nil {
		return err
	}

	eventIDs, err := s.MappedEventIDs(ctx, pi.ID)
	if err != nil {
		return err
	}

	if len(eventIDs) > 0 {
		steps := []string{
			`UPDATE channel_mappings SET event_public_id = NULL WHERE event_public_id IN (?)`,
			`DELETE FROM rules WHERE event_public_id IN (?)`,
			`UPDATE dashboard_widgets SET event_public_id = NULL WHERE event_public_id IN (?)`,
			`DELETE FROM datapoints WHERE event_public_id IN (?)`,
			`DELETE FROM events WHERE public_id IN (?)`,
		}
		for _, step := range steps {
			query, args, err := sqlx.In(step, eventIDs)
			if err != nil {
				return err
			}
			if _, err := s.q.ExecContext(ctx, s.q.Rebind(query), args...); err != nil {
				return err
			}
		}
	}

	_, err = s.q.ExecContext(ctx, `DELETE FROM plugin_instances WHERE id = $1`, pi.ID)
	return err
}
