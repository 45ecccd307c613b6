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

package gantry

import (
	"context"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantryio/gantry/config"
	"github.com/gantryio/gantry/database"
	"github.com/gantryio/gantry/internal/apierror"
	"github.com/gantryio/gantry/model"
)

// newTestGantry wires a core on the in-memory store with the default
// flows registered but no queue or redis behind it.
func newTestGantry(t *testing.T) (*Gantry, *database.MemoryDataSource) {
	t.Helper()
	config.MockConfig(&config.Configuration{
		ProjectName: "gantry-test",
	})

	store := database.NewMemoryDataSource()
	g := &Gantry{
		datasource:  store,
		events:      NewEventRouter(),
		dispatchers: NewDispatcherRegistry(),
		commands:    NewCommandRegistry(),
		managers:    make(map[model.Kind]*ProcessManager),
	}

	opts := ManagerOptions{
		Owner:         "test-worker",
		BatchSize:     10,
		LeaseDuration: time.Minute,
		RetryBase:     time.Nanosecond,
		RetryMax:      time.Nanosecond,
	}
	for _, kind := range []model.Kind{model.KindNegotiation, model.KindTransfer, model.KindMonitor} {
		ws := NewExponentialWaitStrategy(10*time.Millisecond, opts.RetryBase, opts.RetryMax)
		g.managers[kind] = NewProcessManager(kind, store, g.commands, g.events, ws, opts)
	}

	g.registerNegotiationFlows()
	g.registerTransferFlows()
	g.registerMonitorFlows()
	return g, store
}

func createOffered(t *testing.T, g *Gantry) *model.Negotiation {
	t.Helper()
	n, err := g.CreateNegotiation(context.Background(), gofakeit.UUID(), gofakeit.URL(), ProtocolDataspaceHTTP, gofakeit.UUID())
	require.NoError(t, err)
	require.NoError(t, n.TransitionTo(model.NegotiationRequested))
	require.NoError(t, n.TransitionTo(model.NegotiationOffered))
	n.OfferID = "offer-1"
	require.NoError(t, g.datasource.UpdateEntity(context.Background(), "test-worker", n))
	return n
}

func TestExecuteCommand(t *testing.T) {
	g, store := newTestGantry(t)
	n := createOffered(t, g)

	published := make(chan StateChanged, 1)
	g.events.Subscribe("test", func(ev StateChanged) { published <- ev })

	result, err := g.ExecuteCommand(context.Background(), model.Command{
		CommandType: CommandAccept,
		EntityID:    n.EntityID,
		SubmittedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, CommandExecuted, result.Status)

	got, err := store.GetEntityByID(context.Background(), n.EntityID)
	require.NoError(t, err)
	assert.Equal(t, model.NegotiationAccepted, got.Head().State)
	assert.Nil(t, got.Head().Lease, "lease released after the command")

	select {
	case ev := <-published:
		assert.Equal(t, model.NegotiationOffered, ev.From)
		assert.Equal(t, model.NegotiationAccepted, ev.To)
	case <-time.After(time.Second):
		t.Fatal("expected a state change event")
	}
}

func TestExecuteCommandIdempotent(t *testing.T) {
	g, store := newTestGantry(t)
	n := createOffered(t, g)

	cmd := model.Command{CommandType: CommandAccept, EntityID: n.EntityID, SubmittedAt: time.Now()}

	first, err := g.ExecuteCommand(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, CommandExecuted, first.Status)

	// Re-delivery of the same command succeeds without changing anything.
	second, err := g.ExecuteCommand(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, CommandExecuted, second.Status)
	assert.Equal(t, "no changes", second.Detail)

	got, err := store.GetEntityByID(context.Background(), n.EntityID)
	require.NoError(t, err)
	assert.Equal(t, model.NegotiationAccepted, got.Head().State)
	assert.Nil(t, got.Head().Lease)
}

func TestExecuteCommandNotExecutable(t *testing.T) {
	g, store := newTestGantry(t)
	n, err := g.CreateNegotiation(context.Background(), gofakeit.UUID(), gofakeit.URL(), ProtocolDataspaceHTTP, gofakeit.UUID())
	require.NoError(t, err)

	// accept is not reachable from REQUESTING.
	result, err := g.ExecuteCommand(context.Background(), model.Command{
		CommandType: CommandAccept,
		EntityID:    n.EntityID,
		SubmittedAt: time.Now(),
	})
	assert.True(t, apierror.Is(err, apierror.ErrNotExecutable))
	assert.Equal(t, CommandNotExecutable, result.Status)

	got, err := store.GetEntityByID(context.Background(), n.EntityID)
	require.NoError(t, err)
	assert.Equal(t, model.NegotiationRequesting, got.Head().State, "entity untouched")
	assert.Nil(t, got.Head().Lease, "lease released after a non-executable command")
}

func TestExecuteCommandWhileLeased(t *testing.T) {
	g, store := newTestGantry(t)
	n := createOffered(t, g)

	_, err := store.LeaseEntity(context.Background(), "another-worker", n.EntityID, time.Minute)
	require.NoError(t, err)

	result, err := g.ExecuteCommand(context.Background(), model.Command{
		CommandType: CommandAccept,
		EntityID:    n.EntityID,
		SubmittedAt: time.Now(),
	})
	assert.True(t, apierror.Is(err, apierror.ErrConflict), "a held lease refuses the command without blocking")
	assert.Equal(t, CommandNotExecutable, result.Status)
}

func TestExecuteCommandUnknownType(t *testing.T) {
	g, _ := newTestGantry(t)

	result, err := g.ExecuteCommand(context.Background(), model.Command{
		CommandType: "definitely_not_registered",
		EntityID:    "neg_1",
	})
	assert.True(t, apierror.Is(err, apierror.ErrBadRequest))
	assert.Equal(t, CommandNotExecutable, result.Status)
	assert.Contains(t, result.Detail, "no handler registered")
}

func TestExecuteCommandMissingEntity(t *testing.T) {
	g, _ := newTestGantry(t)

	result, err := g.ExecuteCommand(context.Background(), model.Command{
		CommandType: CommandAccept,
		EntityID:    "neg_missing",
		SubmittedAt: time.Now(),
	})
	assert.True(t, apierror.Is(err, apierror.ErrNotFound))
	assert.Equal(t, CommandNotExecutable, result.Status)
	assert.Contains(t, result.Detail, "does not exist")
}

func TestTerminateCommandPerKind(t *testing.T) {
	g, store := newTestGantry(t)
	ctx := context.Background()

	n, err := g.CreateNegotiation(ctx, gofakeit.UUID(), gofakeit.URL(), ProtocolDataspaceHTTP, gofakeit.UUID())
	require.NoError(t, err)

	result, err := g.ExecuteCommand(ctx, model.Command{
		CommandType: CommandTerminate,
		EntityID:    n.EntityID,
		Reason:      "operator request",
		SubmittedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, CommandExecuted, result.Status)

	got, err := store.GetEntityByID(ctx, n.EntityID)
	require.NoError(t, err)
	assert.Equal(t, model.NegotiationTerminating, got.Head().State)
	assert.Equal(t, "operator request", got.Head().ErrorDetail)

	// Monitors have no terminate path.
	tr, err := g.CreateTransfer(ctx, "asset-1", "agr-1", ProtocolDataspaceHTTP, gofakeit.URL(), "s3")
	require.NoError(t, err)
	m, err := g.StartMonitoring(ctx, tr.EntityID, "agr-1", time.Now().Add(time.Hour))
	require.NoError(t, err)

	result, err = g.ExecuteCommand(ctx, model.Command{
		CommandType: CommandTerminate,
		EntityID:    m.EntityID,
		SubmittedAt: time.Now(),
	})
	assert.True(t, apierror.Is(err, apierror.ErrNotExecutable))
	assert.Equal(t, CommandNotExecutable, result.Status)
}
