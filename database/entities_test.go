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
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantryio/gantry/internal/apierror"
	"github.com/gantryio/gantry/model"
)

func newMockDatasource(t *testing.T) (Datasource, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return Datasource{Conn: db}, mock
}

func entityRows(n *model.Negotiation) *sqlmock.Rows {
	payload, _ := n.PayloadJSON()
	return sqlmock.NewRows([]string{
		"entity_id", "kind", "state", "state_timestamp", "state_count", "error_detail",
		"trace_context", "lease_owner", "lease_acquired_at", "lease_duration_ms",
		"pending_commands", "payload", "meta_data", "created_at",
	}).AddRow(
		n.EntityID, string(n.Kind), int(n.State), n.StateTimestamp, n.StateCount, nil,
		nil, nil, nil, nil,
		[]byte("[]"), payload, nil, n.CreatedAt,
	)
}

func TestCreateEntity(t *testing.T) {
	ds, mock := newMockDatasource(t)
	n, err := model.NewNegotiation("party-1", "https://peer.example.com/api", "dataspace-http", "policy-1")
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO gantry.entities")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	assert.NoError(t, ds.CreateEntity(context.Background(), n))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateEntityDuplicate(t *testing.T) {
	ds, mock := newMockDatasource(t)
	n, err := model.NewNegotiation("party-1", "https://peer.example.com/api", "dataspace-http", "policy-1")
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO gantry.entities")).
		WillReturnError(&pq.Error{Code: "23505"})

	err = ds.CreateEntity(context.Background(), n)
	assert.True(t, apierror.Is(err, apierror.ErrConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEntityByID(t *testing.T) {
	ds, mock := newMockDatasource(t)
	n, err := model.NewNegotiation("party-1", "https://peer.example.com/api", "dataspace-http", "policy-1")
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("FROM gantry.entities")).
		WithArgs(n.EntityID).
		WillReturnRows(entityRows(n))

	got, err := ds.GetEntityByID(context.Background(), n.EntityID)
	require.NoError(t, err)
	assert.Equal(t, n.EntityID, got.Head().EntityID)
	assert.Equal(t, model.NegotiationRequesting, got.Head().State)

	neg, ok := got.(*model.Negotiation)
	require.True(t, ok)
	assert.Equal(t, "policy-1", neg.PolicyID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEntityByIDNotFound(t *testing.T) {
	ds, mock := newMockDatasource(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM gantry.entities")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"entity_id"}))

	_, err := ds.GetEntityByID(context.Background(), "missing")
	assert.True(t, apierror.Is(err, apierror.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateEntityLeasedByAnotherWorker(t *testing.T) {
	ds, mock := newMockDatasource(t)
	n, err := model.NewNegotiation("party-1", "https://peer.example.com/api", "dataspace-http", "policy-1")
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE gantry.entities")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs(n.EntityID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err = ds.UpdateEntity(context.Background(), "worker-b", n)
	assert.True(t, apierror.Is(err, apierror.ErrConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateEntityNotFound(t *testing.T) {
	ds, mock := newMockDatasource(t)
	n, err := model.NewNegotiation("party-1", "https://peer.example.com/api", "dataspace-http", "policy-1")
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE gantry.entities")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs(n.EntityID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	err = ds.UpdateEntity(context.Background(), "worker-a", n)
	assert.True(t, apierror.Is(err, apierror.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaseEntityConflict(t *testing.T) {
	ds, mock := newMockDatasource(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE gantry.entities")).
		WillReturnRows(sqlmock.NewRows([]string{"entity_id"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("neg_1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := ds.LeaseEntity(context.Background(), "worker-a", "neg_1", time.Minute)
	assert.True(t, apierror.Is(err, apierror.ErrConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaseBatchClaims(t *testing.T) {
	ds, mock := newMockDatasource(t)
	n, err := model.NewNegotiation("party-1", "https://peer.example.com/api", "dataspace-http", "policy-1")
	require.NoError(t, err)
	n.StateCount = 1
	n.Lease = &model.Lease{Owner: "worker-a", AcquiredAt: time.Now(), Duration: time.Minute}

	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WillReturnRows(entityRows(n))

	batch, err := ds.LeaseBatch(context.Background(), "worker-a", model.KindNegotiation, model.NegotiationRequesting, 10, LeaseOptions{
		Duration:  time.Minute,
		RetryBase: time.Second,
		RetryMax:  time.Hour,
	})
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, n.EntityID, batch[0].Head().EntityID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryEntitiesNegativeOffset(t *testing.T) {
	ds, mock := newMockDatasource(t)
	n, err := model.NewNegotiation("party-1", "https://peer.example.com/api", "dataspace-http", "policy-1")
	require.NoError(t, err)

	// A negative offset is clamped to 0 before it reaches the query.
	mock.ExpectQuery(regexp.QuoteMeta("FROM gantry.entities")).
		WithArgs(string(model.KindNegotiation), 50, 0).
		WillReturnRows(entityRows(n))

	got, err := ds.QueryEntities(context.Background(), QueryCriteria{Kind: model.KindNegotiation, Offset: -5})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseEntityNotHolder(t *testing.T) {
	ds, mock := newMockDatasource(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE gantry.entities")).
		WithArgs("neg_1", "worker-b").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := ds.ReleaseEntity(context.Background(), "worker-b", "neg_1")
	assert.True(t, apierror.Is(err, apierror.ErrConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}
