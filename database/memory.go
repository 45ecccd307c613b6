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
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gantryio/gantry/internal/apierror"
	"github.com/gantryio/gantry/model"
)

// MemoryDataSource is an in-memory IDataSource for embedded deployments
// and tests. A single mutex guards every operation, so the scan-and-claim
// in LeaseBatch is atomic the same way the Postgres conditional UPDATE is.
type MemoryDataSource struct {
	mu      sync.Mutex
	records map[string]*memoryRecord
}

type memoryRecord struct {
	header  model.Header
	payload []byte
}

// NewMemoryDataSource creates an empty in-memory store.
func NewMemoryDataSource() *MemoryDataSource {
	return &MemoryDataSource{records: make(map[string]*memoryRecord)}
}

func (m *MemoryDataSource) CreateEntity(_ context.Context, e model.Stateful) error {
	payload, err := e.PayloadJSON()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal payload", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	h := e.Head()
	if _, ok := m.records[h.EntityID]; ok {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Entity with ID '%s' already exists", h.EntityID), nil)
	}
	m.records[h.EntityID] = &memoryRecord{header: cloneHeader(*h), payload: payload}
	return nil
}

func (m *MemoryDataSource) UpdateEntity(_ context.Context, owner string, e model.Stateful) error {
	payload, err := e.PayloadJSON()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal payload", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	h := e.Head()
	rec, ok := m.records[h.EntityID]
	if !ok {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Entity with ID '%s' not found", h.EntityID), nil)
	}
	if rec.header.HasLiveLease(time.Now()) && rec.header.Lease.Owner != owner {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Entity with ID '%s' is leased by another worker", h.EntityID), nil)
	}
	rec.header = cloneHeader(*h)
	rec.payload = payload
	return nil
}

func (m *MemoryDataSource) GetEntityByID(_ context.Context, id string) (model.Stateful, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Entity with ID '%s' not found", id), nil)
	}
	return rec.rehydrate()
}

func (m *MemoryDataSource) QueryEntities(_ context.Context, criteria QueryCriteria) ([]model.Stateful, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*memoryRecord
	for _, rec := range m.records {
		if criteria.Kind != "" && rec.header.Kind != criteria.Kind {
			continue
		}
		if len(criteria.States) > 0 && !containsState(criteria.States, rec.header.State) {
			continue
		}
		if !criteria.CreatedAfter.IsZero() && rec.header.CreatedAt.Before(criteria.CreatedAfter) {
			continue
		}
		if !criteria.CreatedBefore.IsZero() && !rec.header.CreatedAt.Before(criteria.CreatedBefore) {
			continue
		}
		matched = append(matched, rec)
	}

	sort.Slice(matched, func(i, j int) bool {
		if criteria.NewestFirst {
			return matched[i].header.StateTimestamp.After(matched[j].header.StateTimestamp)
		}
		return matched[i].header.StateTimestamp.Before(matched[j].header.StateTimestamp)
	})

	limit := criteria.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := criteria.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}

	entities := make([]model.Stateful, 0, len(matched))
	for _, rec := range matched {
		e, err := rec.rehydrate()
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, nil
}

func (m *MemoryDataSource) LeaseBatch(_ context.Context, owner string, kind model.Kind, state model.State, max int, opts LeaseOptions) ([]model.Stateful, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var candidates []*memoryRecord
	for _, rec := range m.records {
		if rec.header.Kind != kind || rec.header.State != state {
			continue
		}
		if rec.header.HasLiveLease(now) {
			continue
		}
		if !retryElapsed(rec.header, opts.RetryBase, opts.RetryMax, now) {
			continue
		}
		candidates = append(candidates, rec)
	}

	// Oldest state timestamps win, matching the Postgres claim order.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].header.StateTimestamp.Before(candidates[j].header.StateTimestamp)
	})
	if len(candidates) > max {
		candidates = candidates[:max]
	}

	entities := make([]model.Stateful, 0, len(candidates))
	for _, rec := range candidates {
		rec.header.Lease = &model.Lease{Owner: owner, AcquiredAt: now, Duration: opts.Duration}
		rec.header.StateCount++
		e, err := rec.rehydrate()
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, nil
}

func (m *MemoryDataSource) LeaseEntity(_ context.Context, owner string, id string, duration time.Duration) (model.Stateful, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Entity with ID '%s' not found", id), nil)
	}
	now := time.Now()
	if rec.header.HasLiveLease(now) && rec.header.Lease.Owner != owner {
		return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Entity with ID '%s' is leased by another worker", id), nil)
	}
	rec.header.Lease = &model.Lease{Owner: owner, AcquiredAt: now, Duration: duration}
	rec.header.StateCount++
	return rec.rehydrate()
}

func (m *MemoryDataSource) ReleaseEntity(_ context.Context, owner string, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Entity with ID '%s' not found", id), nil)
	}
	if rec.header.Lease == nil || rec.header.Lease.Owner != owner {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Lease on entity '%s' is not held by '%s'", id, owner), nil)
	}
	rec.header.Lease = nil
	return nil
}

func (m *MemoryDataSource) DeleteEntity(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[id]; !ok {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Entity with ID '%s' not found", id), nil)
	}
	delete(m.records, id)
	return nil
}

// rehydrate returns a detached copy so callers never alias store state.
func (r *memoryRecord) rehydrate() (model.Stateful, error) {
	payload := make([]byte, len(r.payload))
	copy(payload, r.payload)
	return model.Rehydrate(cloneHeader(r.header), payload)
}

func cloneHeader(h model.Header) model.Header {
	if h.Lease != nil {
		lease := *h.Lease
		h.Lease = &lease
	}
	if h.TraceContext != nil {
		tc := make(map[string]string, len(h.TraceContext))
		for k, v := range h.TraceContext {
			tc[k] = v
		}
		h.TraceContext = tc
	}
	if h.PendingCommands != nil {
		cmds := make([]model.Command, len(h.PendingCommands))
		copy(cmds, h.PendingCommands)
		h.PendingCommands = cmds
	}
	if h.MetaData != nil {
		md := make(map[string]interface{}, len(h.MetaData))
		for k, v := range h.MetaData {
			md[k] = v
		}
		h.MetaData = md
	}
	return h
}

// retryElapsed reports whether the entity's backoff window has passed:
// an entity claimed n times in its current state becomes claimable again
// at stateTimestamp + min(base << (n-1), max).
func retryElapsed(h model.Header, base, max time.Duration, now time.Time) bool {
	if h.StateCount <= 0 {
		return true
	}
	delay := base
	for i := 1; i < h.StateCount; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}
	return !now.Before(h.StateTimestamp.Add(delay))
}

func containsState(states []model.State, s model.State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}
