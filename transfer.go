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
	"time"

	"github.com/gantryio/gantry/internal/apierror"
	"github.com/gantryio/gantry/model"
)

// Command types understood by the transfer flow.
const (
	CommandTransferStart    = "transfer_start"
	CommandTransferSuspend  = "transfer_suspend"
	CommandTransferResume   = "transfer_resume"
	CommandTransferComplete = "transfer_complete"
)

// transferMessage is the wire form of an outbound transfer protocol
// message.
type transferMessage struct {
	TransferID      string            `json:"transfer_id"`
	AgreementID     string            `json:"agreement_id"`
	AssetID         string            `json:"asset_id,omitempty"`
	DestinationType string            `json:"destination_type,omitempty"`
	Destination     map[string]string `json:"destination_properties,omitempty"`
	Reason          string            `json:"reason,omitempty"`

	messageType string
	protocol    string
	address     string
}

func (m transferMessage) Protocol() string            { return m.protocol }
func (m transferMessage) CounterPartyAddress() string { return m.address }
func (m transferMessage) MessageType() string         { return m.messageType }

func newTransferMessage(t *model.TransferProcess, messageType string) transferMessage {
	return transferMessage{
		TransferID:      t.EntityID,
		AgreementID:     t.AgreementID,
		AssetID:         t.AssetID,
		DestinationType: t.DestinationType,
		Destination:     t.DestinationProps,
		messageType:     messageType,
		protocol:        t.Protocol,
		address:         t.CounterPartyAddress,
	}
}

// CreateTransfer persists a new transfer process in INITIAL.
func (g *Gantry) CreateTransfer(ctx context.Context, assetID, agreementID, protocol, counterPartyAddress, destinationType string) (*model.TransferProcess, error) {
	t, err := model.NewTransferProcess(assetID, agreementID, protocol, counterPartyAddress, destinationType)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), err)
	}
	if err := g.datasource.CreateEntity(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// registerTransferFlows wires the transfer state handlers and command
// handlers. INITIAL through PROVISIONED are local steps; the rest
// dispatch protocol messages. REQUESTED, STARTED and SUSPENDED wait for
// counterparty input or control-plane commands.
func (g *Gantry) registerTransferFlows() {
	pm := g.managers[model.KindTransfer]

	pm.RegisterHandler(model.TransferInitial, func(ctx context.Context, e model.Stateful) Outcome {
		return Success(model.TransferProvisioning)
	})

	pm.RegisterHandler(model.TransferProvisioning, func(ctx context.Context, e model.Stateful) Outcome {
		t := e.(*model.TransferProcess)
		// Destination provisioning is destination-type specific; the
		// built-in flow records the provisioned endpoint on the entity.
		if t.DestinationProps == nil {
			t.DestinationProps = map[string]string{}
		}
		if _, ok := t.DestinationProps["provisioned_at"]; !ok {
			t.DestinationProps["provisioned_at"] = time.Now().UTC().Format(time.RFC3339)
		}
		return Success(model.TransferProvisioned)
	})

	pm.RegisterHandler(model.TransferProvisioned, func(ctx context.Context, e model.Stateful) Outcome {
		return Success(model.TransferRequesting)
	})

	pm.RegisterHandler(model.TransferRequesting, func(ctx context.Context, e model.Stateful) Outcome {
		t := e.(*model.TransferProcess)
		return g.dispatchOutcome(ctx, newTransferMessage(t, "transfer-request"), model.TransferRequested)
	})

	pm.RegisterHandler(model.TransferStarting, func(ctx context.Context, e model.Stateful) Outcome {
		t := e.(*model.TransferProcess)
		return g.dispatchOutcome(ctx, newTransferMessage(t, "transfer-start"), model.TransferStarted)
	})

	pm.RegisterHandler(model.TransferSuspending, func(ctx context.Context, e model.Stateful) Outcome {
		t := e.(*model.TransferProcess)
		msg := newTransferMessage(t, "transfer-suspend")
		msg.Reason = t.ErrorDetail
		return g.dispatchOutcome(ctx, msg, model.TransferSuspended)
	})

	pm.RegisterHandler(model.TransferCompleting, func(ctx context.Context, e model.Stateful) Outcome {
		t := e.(*model.TransferProcess)
		return g.dispatchOutcome(ctx, newTransferMessage(t, "transfer-complete"), model.TransferCompleted)
	})

	pm.RegisterHandler(model.TransferTerminating, func(ctx context.Context, e model.Stateful) Outcome {
		t := e.(*model.TransferProcess)
		msg := newTransferMessage(t, "transfer-terminate")
		msg.Reason = t.ErrorDetail
		return g.dispatchOutcome(ctx, msg, model.TransferTerminated)
	})

	g.commands.Register(CommandTransferStart, transferCommand(model.TransferStarting, model.TransferStarted))
	g.commands.Register(CommandTransferSuspend, transferCommand(model.TransferSuspending, model.TransferSuspended))
	g.commands.Register(CommandTransferResume, transferCommand(model.TransferStarting, model.TransferStarted))
	g.commands.Register(CommandTransferComplete, transferCommand(model.TransferCompleting, model.TransferCompleted))
}

// transferCommand builds a handler that moves a transfer into target.
// A transfer already in target, or already settled in the state target
// leads to, absorbs the duplicate as a no-op.
func transferCommand(target, settled model.State) ModifyFunc {
	return func(e model.Stateful, cmd model.Command) (bool, error) {
		t, ok := e.(*model.TransferProcess)
		if !ok {
			return false, apierror.NewAPIError(apierror.ErrNotExecutable, cmd.CommandType+" applies to transfers only", nil)
		}
		if t.State == target || t.State == settled {
			return false, nil
		}
		if err := t.TransitionTo(target); err != nil {
			return false, apierror.NewAPIError(apierror.ErrNotExecutable, err.Error(), nil)
		}
		if cmd.Reason != "" {
			t.ErrorDetail = cmd.Reason
		}
		return true, nil
	}
}
