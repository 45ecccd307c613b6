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
	"time"

	"github.com/gantryio/gantry/model"
)

// QueryCriteria filters reporting queries. It is never used for claiming;
// claiming goes through the lease operations so the atomicity contract
// holds.
type QueryCriteria struct {
	Kind          model.Kind
	States        []model.State
	CreatedAfter  time.Time
	CreatedBefore time.Time
	NewestFirst   bool
	Limit         int
	Offset        int
}

// LeaseOptions tunes the lease operations per caller.
type LeaseOptions struct {
	// Duration of the lease window.
	Duration time.Duration
	// RetryBase and RetryMax bound the per-entity backoff window the
	// batch claim filters on: an entity picked up n times in its current
	// state is not claimable again before
	// stateTimestamp + min(RetryBase << (n-1), RetryMax).
	RetryBase time.Duration
	RetryMax  time.Duration
}

// IDataSource defines the interface for entity store operations. The
// Postgres and in-memory backings are interchangeable behind it; both
// honor the atomic-lease contract.
type IDataSource interface {
	entity
}

// entity defines methods for persisting and claiming stateful entities.
type entity interface {
	// CreateEntity inserts a new entity with no lease. A duplicate id
	// fails with CONFLICT.
	CreateEntity(ctx context.Context, e model.Stateful) error
	// UpdateEntity replaces the entity's mutable fields. It fails with
	// NOT_FOUND if the id is absent and with CONFLICT if another worker
	// holds the lease. owner is the calling worker's id.
	UpdateEntity(ctx context.Context, owner string, e model.Stateful) error
	// GetEntityByID retrieves an entity without lease side effects.
	GetEntityByID(ctx context.Context, id string) (model.Stateful, error)
	// QueryEntities retrieves entities matching the criteria.
	QueryEntities(ctx context.Context, criteria QueryCriteria) ([]model.Stateful, error)
	// LeaseBatch atomically claims up to max entities of the given kind
	// and state whose lease is absent or expired and whose retry backoff
	// has elapsed, oldest state timestamp first.
	LeaseBatch(ctx context.Context, owner string, kind model.Kind, state model.State, max int, opts LeaseOptions) ([]model.Stateful, error)
	// LeaseEntity claims a single entity by id for command application.
	// It fails with CONFLICT, without blocking, when another worker holds
	// a live lease.
	LeaseEntity(ctx context.Context, owner string, id string, duration time.Duration) (model.Stateful, error)
	// ReleaseEntity clears the lease without persisting other fields.
	// Used when a command turns out to be a no-op.
	ReleaseEntity(ctx context.Context, owner string, id string) error
	// DeleteEntity removes the entity. Fails with NOT_FOUND if absent.
	DeleteEntity(ctx context.Context, id string) error
}
