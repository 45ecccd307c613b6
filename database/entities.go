/*
Copyright 2025 Gantry Authors.

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

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"

	"github.com/gantryio/gantry/internal/apierror"
	"github.com/gantryio/gantry/model"
)

const entityColumns = `entity_id, kind, state, state_timestamp, state_count, error_detail, trace_context, lease_owner, lease_acquired_at, lease_duration_ms, pending_commands, payload, meta_data, created_at`

const entityCacheTTL = 30 * time.Second

// cachedEntity is the cache representation of a row. The concrete entity
// is rebuilt through model.Rehydrate on read so the cache stays agnostic
// of entity kinds.
type cachedEntity struct {
	Header  model.Header
	Payload []byte
}

func entityCacheKey(id string) string {
	return fmt.Sprintf("entities:%s", id)
}

// CreateEntity inserts a new entity row with no lease.
func (d Datasource) CreateEntity(ctx context.Context, e model.Stateful) error {
	ctx, span := otel.Tracer("entity.store").Start(ctx, "Saving entity to db")
	defer span.End()

	h := e.Head()
	payloadJSON, err := e.PayloadJSON()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal payload", err)
	}
	traceJSON, err := json.Marshal(h.TraceContext)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal trace context", err)
	}
	commandsJSON, err := json.Marshal(h.PendingCommands)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal pending commands", err)
	}
	metaDataJSON, err := json.Marshal(h.MetaData)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO gantry.entities (entity_id, kind, state, state_timestamp, state_count, error_detail, trace_context, pending_commands, payload, meta_data, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11)
	`, h.EntityID, string(h.Kind), int(h.State), h.StateTimestamp, h.StateCount, h.ErrorDetail, traceJSON, commandsJSON, payloadJSON, metaDataJSON, h.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Entity with ID '%s' already exists", h.EntityID), err)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create entity", err)
	}
	return nil
}

// UpdateEntity replaces the mutable fields of an entity row. The update
// only applies when the row is unleased, leased by the caller, or the
// lease has expired, so a stale holder cannot clobber a newer claim.
func (d Datasource) UpdateEntity(ctx context.Context, owner string, e model.Stateful) error {
	ctx, span := otel.Tracer("entity.store").Start(ctx, "Updating entity in db")
	defer span.End()

	h := e.Head()
	payloadJSON, err := e.PayloadJSON()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal payload", err)
	}
	traceJSON, err := json.Marshal(h.TraceContext)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal trace context", err)
	}
	commandsJSON, err := json.Marshal(h.PendingCommands)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal pending commands", err)
	}
	metaDataJSON, err := json.Marshal(h.MetaData)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	var leaseOwner sql.NullString
	var leaseAcquiredAt sql.NullTime
	var leaseDurationMs sql.NullInt64
	if h.Lease != nil {
		leaseOwner = sql.NullString{String: h.Lease.Owner, Valid: true}
		leaseAcquiredAt = sql.NullTime{Time: h.Lease.AcquiredAt, Valid: true}
		leaseDurationMs = sql.NullInt64{Int64: h.Lease.Duration.Milliseconds(), Valid: true}
	}

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE gantry.entities
		SET state = $2,
			state_timestamp = $3,
			state_count = $4,
			error_detail = NULLIF($5, ''),
			trace_context = $6,
			lease_owner = $7,
			lease_acquired_at = $8,
			lease_duration_ms = $9,
			pending_commands = $10,
			payload = $11,
			meta_data = $12
		WHERE entity_id = $1
		  AND (lease_owner IS NULL
			OR lease_owner = $13
			OR lease_acquired_at + (lease_duration_ms * INTERVAL '1 millisecond') <= NOW())
	`, h.EntityID, int(h.State), h.StateTimestamp, h.StateCount, h.ErrorDetail, traceJSON, leaseOwner, leaseAcquiredAt, leaseDurationMs, commandsJSON, payloadJSON, metaDataJSON, owner)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update entity", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		exists, existsErr := d.entityExists(ctx, h.EntityID)
		if existsErr != nil {
			return existsErr
		}
		if !exists {
			return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Entity with ID '%s' not found", h.EntityID), nil)
		}
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Entity with ID '%s' is leased by another worker", h.EntityID), nil)
	}

	d.invalidate(ctx, h.EntityID)
	return nil
}

// GetEntityByID retrieves an entity without lease side effects. Reads go
// through the short-lived cache when one is configured.
func (d Datasource) GetEntityByID(ctx context.Context, id string) (model.Stateful, error) {
	ctx, span := otel.Tracer("entity.store").Start(ctx, "Getting entity from db")
	defer span.End()

	if d.Cache != nil {
		var cached cachedEntity
		if err := d.Cache.Get(ctx, entityCacheKey(id), &cached); err == nil && cached.Header.EntityID != "" {
			return model.Rehydrate(cached.Header, cached.Payload)
		}
	}

	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+entityColumns+`
		FROM gantry.entities
		WHERE entity_id = $1
	`, id)

	e, payload, err := scanEntity(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Entity with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve entity", err)
	}

	if d.Cache != nil {
		_ = d.Cache.Set(ctx, entityCacheKey(id), cachedEntity{Header: *e.Head(), Payload: payload}, entityCacheTTL)
	}
	return e, nil
}

// QueryEntities retrieves entities matching the criteria. It serves
// reporting surfaces; claiming never goes through here.
func (d Datasource) QueryEntities(ctx context.Context, criteria QueryCriteria) ([]model.Stateful, error) {
	ctx, span := otel.Tracer("entity.store").Start(ctx, "Querying entities from db")
	defer span.End()

	query := `SELECT ` + entityColumns + ` FROM gantry.entities WHERE 1=1`
	var args []interface{}
	argIndex := 1

	if criteria.Kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", argIndex)
		args = append(args, string(criteria.Kind))
		argIndex++
	}
	if len(criteria.States) > 0 {
		states := make([]int64, len(criteria.States))
		for i, s := range criteria.States {
			states[i] = int64(s)
		}
		query += fmt.Sprintf(" AND state = ANY($%d)", argIndex)
		args = append(args, pq.Array(states))
		argIndex++
	}
	if !criteria.CreatedAfter.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argIndex)
		args = append(args, criteria.CreatedAfter)
		argIndex++
	}
	if !criteria.CreatedBefore.IsZero() {
		query += fmt.Sprintf(" AND created_at < $%d", argIndex)
		args = append(args, criteria.CreatedBefore)
		argIndex++
	}

	direction := "ASC"
	if criteria.NewestFirst {
		direction = "DESC"
	}
	limit := criteria.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := criteria.Offset
	if offset < 0 {
		offset = 0
	}
	query += fmt.Sprintf(" ORDER BY state_timestamp %s LIMIT $%d OFFSET $%d", direction, argIndex, argIndex+1)
	args = append(args, limit, offset)

	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to query entities", err)
	}
	defer rows.Close()

	var entities []model.Stateful
	for rows.Next() {
		e, _, err := scanEntity(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan entity data", err)
		}
		entities = append(entities, e)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over entities", err)
	}
	return entities, nil
}

// LeaseBatch claims up to max entities in one conditional UPDATE. The
// candidate selection and lease assignment happen in a single statement
// with FOR UPDATE SKIP LOCKED, so concurrent workers polling the same
// table never claim the same row. Candidates must be unleased (or hold an
// expired lease) and past their backoff eligibility time; the oldest
// state timestamps win.
func (d Datasource) LeaseBatch(ctx context.Context, owner string, kind model.Kind, state model.State, max int, opts LeaseOptions) ([]model.Stateful, error) {
	ctx, span := otel.Tracer("entity.store").Start(ctx, "Leasing entity batch")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		WITH candidates AS (
			SELECT entity_id
			FROM gantry.entities
			WHERE kind = $1
			  AND state = $2
			  AND (lease_owner IS NULL
				OR lease_acquired_at + (lease_duration_ms * INTERVAL '1 millisecond') <= NOW())
			  AND (state_count = 0
				OR state_timestamp + (LEAST($3::bigint * POWER(2, GREATEST(state_count - 1, 0)), $4::bigint) * INTERVAL '1 millisecond') <= NOW())
			ORDER BY state_timestamp ASC
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		UPDATE gantry.entities e
		SET lease_owner = $6,
			lease_acquired_at = NOW(),
			lease_duration_ms = $7,
			state_count = e.state_count + 1
		FROM candidates c
		WHERE e.entity_id = c.entity_id
		RETURNING `+prefixedEntityColumns("e")+`
	`, string(kind), int(state), opts.RetryBase.Milliseconds(), opts.RetryMax.Milliseconds(), max, owner, opts.Duration.Milliseconds())
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to lease entities", err)
	}
	defer rows.Close()

	var entities []model.Stateful
	for rows.Next() {
		e, _, err := scanEntity(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan leased entity", err)
		}
		d.invalidate(ctx, e.Head().EntityID)
		entities = append(entities, e)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over leased entities", err)
	}
	return entities, nil
}

// LeaseEntity claims one entity by id. The conditional UPDATE fails
// immediately, never blocks, when another worker holds a live lease.
func (d Datasource) LeaseEntity(ctx context.Context, owner string, id string, duration time.Duration) (model.Stateful, error) {
	ctx, span := otel.Tracer("entity.store").Start(ctx, "Leasing entity")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		UPDATE gantry.entities
		SET lease_owner = $2,
			lease_acquired_at = NOW(),
			lease_duration_ms = $3,
			state_count = state_count + 1
		WHERE entity_id = $1
		  AND (lease_owner IS NULL
			OR lease_acquired_at + (lease_duration_ms * INTERVAL '1 millisecond') <= NOW())
		RETURNING `+entityColumns+`
	`, id, owner, duration.Milliseconds())

	e, _, err := scanEntity(row)
	if err != nil {
		if err == sql.ErrNoRows {
			exists, existsErr := d.entityExists(ctx, id)
			if existsErr != nil {
				return nil, existsErr
			}
			if !exists {
				return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Entity with ID '%s' not found", id), nil)
			}
			return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Entity with ID '%s' is leased by another worker", id), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to lease entity", err)
	}

	d.invalidate(ctx, id)
	return e, nil
}

// ReleaseEntity clears the lease without touching any other field. Only
// the holding worker can release.
func (d Datasource) ReleaseEntity(ctx context.Context, owner string, id string) error {
	ctx, span := otel.Tracer("entity.store").Start(ctx, "Releasing entity lease")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE gantry.entities
		SET lease_owner = NULL,
			lease_acquired_at = NULL,
			lease_duration_ms = NULL
		WHERE entity_id = $1 AND lease_owner = $2
	`, id, owner)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to release entity lease", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Lease on entity '%s' is not held by '%s'", id, owner), nil)
	}

	d.invalidate(ctx, id)
	return nil
}

// DeleteEntity removes an entity row.
func (d Datasource) DeleteEntity(ctx context.Context, id string) error {
	result, err := d.Conn.ExecContext(ctx, `
		DELETE FROM gantry.entities WHERE entity_id = $1
	`, id)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to delete entity", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Entity with ID '%s' not found", id), nil)
	}

	d.invalidate(ctx, id)
	return nil
}

func (d Datasource) entityExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := d.Conn.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM gantry.entities WHERE entity_id = $1)
	`, id).Scan(&exists)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check if entity exists", err)
	}
	return exists, nil
}

func (d Datasource) invalidate(ctx context.Context, id string) {
	if d.Cache != nil {
		_ = d.Cache.Delete(ctx, entityCacheKey(id))
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanEntity maps one row onto a concrete entity. It returns the raw
// payload too so callers can cache it without re-marshaling.
func scanEntity(row rowScanner) (model.Stateful, []byte, error) {
	var h model.Header
	var kind string
	var state int
	var errorDetail sql.NullString
	var traceJSON, commandsJSON, payloadJSON, metaDataJSON []byte
	var leaseOwner sql.NullString
	var leaseAcquiredAt sql.NullTime
	var leaseDurationMs sql.NullInt64

	err := row.Scan(
		&h.EntityID,
		&kind,
		&state,
		&h.StateTimestamp,
		&h.StateCount,
		&errorDetail,
		&traceJSON,
		&leaseOwner,
		&leaseAcquiredAt,
		&leaseDurationMs,
		&commandsJSON,
		&payloadJSON,
		&metaDataJSON,
		&h.CreatedAt,
	)
	if err != nil {
		return nil, nil, err
	}

	h.Kind = model.Kind(kind)
	h.State = model.State(state)
	if errorDetail.Valid {
		h.ErrorDetail = errorDetail.String
	}
	if len(traceJSON) > 0 {
		if err := json.Unmarshal(traceJSON, &h.TraceContext); err != nil {
			return nil, nil, err
		}
	}
	if len(commandsJSON) > 0 {
		if err := json.Unmarshal(commandsJSON, &h.PendingCommands); err != nil {
			return nil, nil, err
		}
	}
	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &h.MetaData); err != nil {
			return nil, nil, err
		}
	}
	if leaseOwner.Valid {
		h.Lease = &model.Lease{
			Owner:      leaseOwner.String,
			AcquiredAt: leaseAcquiredAt.Time,
			Duration:   time.Duration(leaseDurationMs.Int64) * time.Millisecond,
		}
	}

	e, err := model.Rehydrate(h, payloadJSON)
	if err != nil {
		return nil, nil, err
	}
	return e, payloadJSON, nil
}

func prefixedEntityColumns(alias string) string {
	cols := strings.Split(entityColumns, ", ")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}
