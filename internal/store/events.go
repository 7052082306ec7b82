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
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/webmacs/webmacs/internal/apperr"
)

// CreateEvent inserts a new event channel. Duplicate names raise Conflict.
func (s *Session) CreateEvent(ctx context.Context, ev *Event) error {
	ev.PublicID = uuid.NewString()
	ev.CreatedOn = UTCNow()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO events (public_id, name, min_value, max_value, unit, event_type, user_public_id, created_on)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.PublicID, ev.Name, ev.Min, ev.Max, ev.Unit, ev.Type, ev.UserPublicID, ev.CreatedOn)
	return mapWriteError(err, fmt.Sprintf("event name %q already exists", ev.Name))
}

// GetEvent fetches an event by public_id or raises NotFound.
func (s *Session) GetEvent(ctx context.Context, publicID string) (*Event, error) {
	var ev Event
	err := s.q.GetContext(ctx, &ev, `SELECT * FROM events WHERE public_id = $1`, publicID)
	if err != nil {
		return nil, notFoundOr(err, "event", publicID)
	}
	return &ev, nil
}

// ListEvents returns one page of events ordered by name, plus the total count.
func (s *Session) ListEvents(ctx context.Context, page Page) ([]Event, int, error) {
	page = page.Normalize()

	var total int
	if err := s.q.GetContext(ctx, &total, `SELECT count(*) FROM events`); err != nil {
		return nil, 0, err
	}

	events := []Event{}
	err := s.q.SelectContext(ctx, &events, `
		SELECT * FROM events ORDER BY name LIMIT $1 OFFSET $2`,
		page.PageSize, page.Offset())
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// DeleteEvent removes an event by public_id or raises NotFound. Datapoints
// and rules cascade; widget and mapping references are nulled by the schema.
func (s *Session) DeleteEvent(ctx context.Context, publicID string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM events WHERE public_id = $1`, publicID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("event", publicID)
	}
	return nil
}

// EventUpdate is a sparse update: only non-nil fields are written.
type EventUpdate struct {
	Name *string
	Min  *float64
	Max  *float64
	Unit *string
	Type *EventType
}

// UpdateEvent applies a sparse update to an event. Uniqueness violations
// raise Conflict; a missing event raises NotFound.
func (s *Session) UpdateEvent(ctx context.Context, publicID string, upd EventUpdate) (*Event, error) {
	set := newSetClause()
	set.add("name", upd.Name)
	set.add("min_value", upd.Min)
	set.add("max_value", upd.Max)
	set.add("unit", upd.Unit)
	set.add("event_type", upd.Type)
	if set.empty() {
		return s.GetEvent(ctx, publicID)
	}

	query, args := set.build("events", publicID)
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, mapWriteError(err, "event name already exists")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperr.NotFound("event", publicID)
	}
	return s.GetEvent(ctx, publicID)
}

// ActiveExperiment returns the single experiment with a null stopped_on, or
// nil when no experiment is running.
func (s *Session) ActiveExperiment(ctx context.Context) (*Experiment, error) {
	var exp Experiment
	err := s.q.GetContext(ctx, &exp, `
		SELECT id, public_id, name, started_on, stopped_on
		FROM experiments WHERE stopped_on IS NULL`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &exp, nil
}

// CreateExperiment starts a new experiment. A duplicate name or an already
// running experiment raises Conflict.
func (s *Session) CreateExperiment(ctx context.Context, name string) (*Experiment, error) {
	exp := Experiment{
		PublicID:  uuid.NewString(),
		Name:      name,
		StartedOn: UTCNow(),
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO experiments (public_id, name, started_on) VALUES ($1, $2, $3)`,
		exp.PublicID, exp.Name, exp.StartedOn)
	if err != nil {
		return nil, mapWriteError(err, "an experiment is already running or the name is taken")
	}
	return &exp, nil
}

// StopExperiment applies the single terminal transition stopped_on = now.
func (s *Session) StopExperiment(ctx context.Context, publicID string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE experiments SET stopped_on = $1 WHERE public_id = $2 AND stopped_on IS NULL`,
		UTCNow(), publicID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("running experiment", publicID)
	}
	return nil
}

// InsertDatapoints bulk-inserts all rows in a single statement. Callers
// assign the shared timestamp and public ids beforehand.
func (s *Session) InsertDatapoints(ctx context.Context, rows []Datapoint) error {
	if len(rows) == 0 {
		return nil
	}
	_, err := sqlx.NamedExecContext(ctx, s.q, `
		INSERT INTO datapoints (public_id, value, timestamp, event_public_id, experiment_public_id)
		VALUES (:public_id, :value, :timestamp, :event_public_id, :experiment_public_id)`,
		rows)
	return err
}

// LatestDatapoints returns the most recent datapoint per event.
func (s *Session) LatestDatapoints(ctx context.Context) ([]Datapoint, error) {
	points := []Datapoint{}
	err := s.q.SelectContext(ctx, &points, `
		SELECT DISTINCT ON (event_public_id)
			id, public_id, value, timestamp, event_public_id, experiment_public_id
		FROM datapoints
		ORDER BY event_public_id, timestamp DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	return points, nil
}

// ListDatapoints returns one page of datapoints for an event, newest first.
func (s *Session) ListDatapoints(ctx context.Context, eventPublicID string, page Page) ([]Datapoint, int, error) {
	page = page.Normalize()

	var total int
	err := s.q.GetContext(ctx, &total,
		`SELECT count(*) FROM datapoints WHERE event_public_id = $1`, eventPublicID)
	if err != nil {
		return nil, 0, err
	}

	points := []Datapoint{}
	err = s.q.SelectContext(ctx, &points, `
		SELECT id, public_id, value, timestamp, event_public_id, experiment_public_id
		FROM datapoints WHERE event_public_id = $1
		ORDER BY timestamp DESC, id DESC LIMIT $2 OFFSET $3`,
		eventPublicID, page.PageSize, page.Offset())
	if err != nil {
		return nil, 0, err
	}
	return points, total, nil
}

// LastDatapointTime returns the timestamp of the newest stored datapoint, or
// nil when the table is empty.
func (s *Session) LastDatapointTime(ctx context.Context) (*time.Time, error) {
	var ts sql.NullTime
	if err := s.q.GetContext(ctx, &ts, `SELECT max(timestamp) FROM datapoints`); err != nil {
		return nil, err
	}
	if !ts.Valid {
		return nil, nil
	}
	t := ts.Time.UTC()
	return &t, nil
}

// DeleteDatapointsForEvents bulk-deletes all datapoints of the given events.
func (s *Session) DeleteDatapointsForEvents(ctx context.Context, eventPublicIDs []string) error {
	if len(eventPublicIDs) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM datapoints WHERE event_public_id IN (?)`, eventPublicIDs)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, s.q.Rebind(query), args...)
	return err
}
