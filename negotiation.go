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

	"github.com/gantryio/gantry/internal/apierror"
	"github.com/gantryio/gantry/model"
)

// Command types understood by the negotiation flow.
const (
	CommandOfferReceived = "offer_received"
	CommandAccept        = "accept"
	CommandAgree         = "agree"
	CommandTerminate     = "terminate"
)

// negotiationMessage is the wire form of an outbound negotiation
// protocol message.
type negotiationMessage struct {
	NegotiationID string `json:"negotiation_id"`
	PolicyID      string `json:"policy_id,omitempty"`
	OfferID       string `json:"offer_id,omitempty"`
	AgreementID   string `json:"agreement_id,omitempty"`
	Reason        string `json:"reason,omitempty"`

	messageType string
	protocol    string
	address     string
}

func (m negotiationMessage) Protocol() string            { return m.protocol }
func (m negotiationMessage) CounterPartyAddress() string { return m.address }
func (m negotiationMessage) MessageType() string         { return m.messageType }

func newNegotiationMessage(n *model.Negotiation, messageType string) negotiationMessage {
	return negotiationMessage{
		NegotiationID: n.EntityID,
		PolicyID:      n.PolicyID,
		OfferID:       n.OfferID,
		AgreementID:   n.AgreementID,
		messageType:   messageType,
		protocol:      n.Protocol,
		address:       n.CounterPartyAddress,
	}
}

// CreateNegotiation persists a new negotiation in REQUESTING; the
// negotiation process manager picks it up from there.
func (g *Gantry) CreateNegotiation(ctx context.Context, counterPartyID, counterPartyAddress, protocol, policyID string) (*model.Negotiation, error) {
	n, err := model.NewNegotiation(counterPartyID, counterPartyAddress, protocol, policyID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), err)
	}
	if err := g.datasource.CreateEntity(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// SubmitCommand queues a command for asynchronous execution.
func (g *Gantry) SubmitCommand(ctx context.Context, cmd model.Command) error {
	if _, ok := g.commands.Resolve(cmd.CommandType); !ok {
		return apierror.NewAPIError(apierror.ErrBadRequest, "unknown command type '"+cmd.CommandType+"'", nil)
	}
	if _, err := g.datasource.GetEntityByID(ctx, cmd.EntityID); err != nil {
		return err
	}
	return g.queue.EnqueueCommand(cmd)
}

// dispatchOutcome sends msg and folds the dispatch result into a handler
// outcome: delivered advances to next, transient failures retry, fatal
// failures (including an unroutable protocol) drive the entity to its
// error state.
func (g *Gantry) dispatchOutcome(ctx context.Context, msg RemoteMessage, next model.State) Outcome {
	res, err := g.dispatchers.Dispatch(ctx, msg).Result(ctx)
	if err != nil {
		return Retry(err.Error())
	}
	switch res.Status {
	case StatusOK:
		return Success(next)
	case StatusRetryError:
		return Retry(resultDetail(res))
	default:
		return Fatal(resultDetail(res))
	}
}

func resultDetail(res DispatchResult) string {
	if res.Err != nil {
		return res.Err.Error()
	}
	return "dispatch failed"
}

// registerNegotiationFlows wires the negotiation state handlers and
// command handlers. Handled states dispatch a protocol message and
// advance; unhandled states (REQUESTED, OFFERED) wait for counterparty
// input arriving as commands.
func (g *Gantry) registerNegotiationFlows() {
	pm := g.managers[model.KindNegotiation]

	pm.RegisterHandler(model.NegotiationRequesting, func(ctx context.Context, e model.Stateful) Outcome {
		n := e.(*model.Negotiation)
		return g.dispatchOutcome(ctx, newNegotiationMessage(n, "contract-request"), model.NegotiationRequested)
	})

	pm.RegisterHandler(model.NegotiationAccepted, func(ctx context.Context, e model.Stateful) Outcome {
		n := e.(*model.Negotiation)
		return g.dispatchOutcome(ctx, newNegotiationMessage(n, "negotiation-accepted"), model.NegotiationAgreed)
	})

	pm.RegisterHandler(model.NegotiationAgreed, func(ctx context.Context, e model.Stateful) Outcome {
		n := e.(*model.Negotiation)
		return g.dispatchOutcome(ctx, newNegotiationMessage(n, "agreement-verification"), model.NegotiationVerified)
	})

	pm.RegisterHandler(model.NegotiationVerified, func(ctx context.Context, e model.Stateful) Outcome {
		n := e.(*model.Negotiation)
		return g.dispatchOutcome(ctx, newNegotiationMessage(n, "negotiation-finalized"), model.NegotiationFinalized)
	})

	pm.RegisterHandler(model.NegotiationTerminating, func(ctx context.Context, e model.Stateful) Outcome {
		n := e.(*model.Negotiation)
		msg := newNegotiationMessage(n, "negotiation-terminated")
		msg.Reason = n.ErrorDetail
		return g.dispatchOutcome(ctx, msg, model.NegotiationTerminated)
	})

	g.commands.Register(CommandOfferReceived, func(e model.Stateful, cmd model.Command) (bool, error) {
		n, ok := e.(*model.Negotiation)
		if !ok {
			return false, apierror.NewAPIError(apierror.ErrNotExecutable, "offer_received applies to negotiations only", nil)
		}
		if n.State == model.NegotiationOffered && n.OfferID == cmd.Attributes["offer_id"] {
			return false, nil
		}
		if err := n.TransitionTo(model.NegotiationOffered); err != nil {
			return false, apierror.NewAPIError(apierror.ErrNotExecutable, err.Error(), nil)
		}
		n.OfferID = cmd.Attributes["offer_id"]
		return true, nil
	})

	g.commands.Register(CommandAccept, func(e model.Stateful, cmd model.Command) (bool, error) {
		n, ok := e.(*model.Negotiation)
		if !ok {
			return false, apierror.NewAPIError(apierror.ErrNotExecutable, "accept applies to negotiations only", nil)
		}
		if n.State == model.NegotiationAccepted {
			return false, nil
		}
		if err := n.TransitionTo(model.NegotiationAccepted); err != nil {
			return false, apierror.NewAPIError(apierror.ErrNotExecutable, err.Error(), nil)
		}
		return true, nil
	})

	g.commands.Register(CommandAgree, func(e model.Stateful, cmd model.Command) (bool, error) {
		n, ok := e.(*model.Negotiation)
		if !ok {
			return false, apierror.NewAPIError(apierror.ErrNotExecutable, "agree applies to negotiations only", nil)
		}
		if n.State == model.NegotiationAgreed && n.AgreementID == cmd.Attributes["agreement_id"] {
			return false, nil
		}
		if err := n.TransitionTo(model.NegotiationAgreed); err != nil {
			return false, apierror.NewAPIError(apierror.ErrNotExecutable, err.Error(), nil)
		}
		n.AgreementID = cmd.Attributes["agreement_id"]
		return true, nil
	})

	// terminate is shared by negotiations and transfers. Already
	// terminating or terminated entities absorb the duplicate silently.
	g.commands.Register(CommandTerminate, func(e model.Stateful, cmd model.Command) (bool, error) {
		h := e.Head()
		var terminating model.State
		switch h.Kind {
		case model.KindNegotiation:
			terminating = model.NegotiationTerminating
		case model.KindTransfer:
			terminating = model.TransferTerminating
		default:
			return false, apierror.NewAPIError(apierror.ErrNotExecutable, "terminate applies to negotiations and transfers only", nil)
		}
		g2 := model.GraphFor(h.Kind)
		if h.State == terminating || h.State == g2.TerminalError() {
			return false, nil
		}
		if err := h.TransitionTo(terminating); err != nil {
			return false, apierror.NewAPIError(apierror.ErrNotExecutable, err.Error(), nil)
		}
		h.ErrorDetail = cmd.Reason
		return true, nil
	})
}
