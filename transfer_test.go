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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantryio/gantry/internal/apierror"
	"github.com/gantryio/gantry/model"
)

func TestTransferHappyPath(t *testing.T) {
	g, _ := newTestGantry(t)
	d := &recordingDispatcher{status: StatusOK}
	g.dispatchers.Register(d)
	ctx := context.Background()

	tr, err := g.CreateTransfer(ctx, "asset-1", "agr-1", ProtocolDataspaceHTTP, "https://peer.example.com/api", "s3")
	require.NoError(t, err)
	assert.Equal(t, model.TransferInitial, tr.State)

	// Local provisioning steps, no protocol traffic.
	runCycle(t, g, model.KindTransfer, model.TransferInitial)
	runCycle(t, g, model.KindTransfer, model.TransferProvisioning)
	runCycle(t, g, model.KindTransfer, model.TransferProvisioned)
	assert.Empty(t, d.messages)

	got, err := g.datasource.GetEntityByID(ctx, tr.EntityID)
	require.NoError(t, err)
	assert.Equal(t, model.TransferRequesting, got.Head().State)
	assert.NotEmpty(t, got.(*model.TransferProcess).DestinationProps["provisioned_at"])

	runCycle(t, g, model.KindTransfer, model.TransferRequesting)
	assert.Equal(t, "transfer-request", d.lastType())
	assert.Equal(t, model.TransferRequested, currentState(t, g, tr.EntityID))

	// Counterparty acknowledges: the control plane starts the transfer.
	applyCommand(t, g, tr.EntityID, CommandTransferStart, nil)
	runCycle(t, g, model.KindTransfer, model.TransferStarting)
	assert.Equal(t, "transfer-start", d.lastType())
	assert.Equal(t, model.TransferStarted, currentState(t, g, tr.EntityID))

	applyCommand(t, g, tr.EntityID, CommandTransferComplete, nil)
	runCycle(t, g, model.KindTransfer, model.TransferCompleting)
	assert.Equal(t, "transfer-complete", d.lastType())

	got, err = g.datasource.GetEntityByID(ctx, tr.EntityID)
	require.NoError(t, err)
	assert.Equal(t, model.TransferCompleted, got.Head().State)
	assert.True(t, got.Head().Terminal())
}

func TestTransferSuspendAndResume(t *testing.T) {
	g, _ := newTestGantry(t)
	d := &recordingDispatcher{status: StatusOK}
	g.dispatchers.Register(d)
	ctx := context.Background()

	tr, err := g.CreateTransfer(ctx, "asset-1", "agr-1", ProtocolDataspaceHTTP, "https://peer.example.com/api", "s3")
	require.NoError(t, err)
	for _, state := range []model.State{model.TransferInitial, model.TransferProvisioning, model.TransferProvisioned, model.TransferRequesting} {
		runCycle(t, g, model.KindTransfer, state)
	}
	applyCommand(t, g, tr.EntityID, CommandTransferStart, nil)
	runCycle(t, g, model.KindTransfer, model.TransferStarting)

	result, err := g.ExecuteCommand(ctx, model.Command{
		CommandType: CommandTransferSuspend,
		EntityID:    tr.EntityID,
		Reason:      "quota exhausted",
		SubmittedAt: time.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, CommandExecuted, result.Status)

	runCycle(t, g, model.KindTransfer, model.TransferSuspending)
	assert.Equal(t, model.TransferSuspended, currentState(t, g, tr.EntityID))

	msg, ok := d.messages[len(d.messages)-1].(transferMessage)
	require.True(t, ok)
	assert.Equal(t, "transfer-suspend", msg.MessageType())
	assert.Equal(t, "quota exhausted", msg.Reason)

	applyCommand(t, g, tr.EntityID, CommandTransferResume, nil)
	runCycle(t, g, model.KindTransfer, model.TransferStarting)
	assert.Equal(t, model.TransferStarted, currentState(t, g, tr.EntityID))
}

func TestTransferCommandDuplicateIsNoOp(t *testing.T) {
	g, _ := newTestGantry(t)
	g.dispatchers.Register(&recordingDispatcher{status: StatusOK})
	ctx := context.Background()

	tr, err := g.CreateTransfer(ctx, "asset-1", "agr-1", ProtocolDataspaceHTTP, "https://peer.example.com/api", "s3")
	require.NoError(t, err)
	for _, state := range []model.State{model.TransferInitial, model.TransferProvisioning, model.TransferProvisioned, model.TransferRequesting} {
		runCycle(t, g, model.KindTransfer, state)
	}

	applyCommand(t, g, tr.EntityID, CommandTransferStart, nil)

	// Redelivery while still STARTING.
	result, err := g.ExecuteCommand(ctx, model.Command{CommandType: CommandTransferStart, EntityID: tr.EntityID, SubmittedAt: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, CommandExecuted, result.Status)
	assert.Equal(t, "no changes", result.Detail)

	runCycle(t, g, model.KindTransfer, model.TransferStarting)

	// Redelivery after the dispatch settled in STARTED.
	result, err = g.ExecuteCommand(ctx, model.Command{CommandType: CommandTransferStart, EntityID: tr.EntityID, SubmittedAt: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, CommandExecuted, result.Status)
	assert.Equal(t, "no changes", result.Detail)
}

func TestTransferCommandWrongKind(t *testing.T) {
	g, _ := newTestGantry(t)
	ctx := context.Background()

	n, err := g.CreateNegotiation(ctx, "party-1", "https://peer.example.com/api", ProtocolDataspaceHTTP, "policy-1")
	require.NoError(t, err)

	result, err := g.ExecuteCommand(ctx, model.Command{CommandType: CommandTransferStart, EntityID: n.EntityID, SubmittedAt: time.Now()})
	assert.True(t, apierror.Is(err, apierror.ErrNotExecutable))
	assert.Equal(t, CommandNotExecutable, result.Status)
}

func TestTransferCommandBeforeRequestedRejected(t *testing.T) {
	g, _ := newTestGantry(t)
	ctx := context.Background()

	tr, err := g.CreateTransfer(ctx, "asset-1", "agr-1", ProtocolDataspaceHTTP, "https://peer.example.com/api", "s3")
	require.NoError(t, err)

	// start is not reachable from INITIAL.
	result, err := g.ExecuteCommand(ctx, model.Command{CommandType: CommandTransferStart, EntityID: tr.EntityID, SubmittedAt: time.Now()})
	assert.True(t, apierror.Is(err, apierror.ErrNotExecutable))
	assert.Equal(t, CommandNotExecutable, result.Status)
	assert.Equal(t, model.TransferInitial, currentState(t, g, tr.EntityID))
}
