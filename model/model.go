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

package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenerateUUIDWithSuffix generates a UUID with a given module name as a prefix.
// This is useful for creating unique identifiers with context-specific prefixes.
func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	return fmt.Sprintf("%s_%s", module, id.String())
}

// Lease is a time-bounded, worker-scoped exclusive claim on an entity.
// A lease whose window has elapsed is treated as absent by every reader.
type Lease struct {
	Owner      string        `json:"owner"`
	AcquiredAt time.Time     `json:"acquired_at"`
	Duration   time.Duration `json:"duration"`
}

// ExpiredAt reports whether the lease has expired at the given instant.
func (l *Lease) ExpiredAt(now time.Time) bool {
	return !now.Before(l.AcquiredAt.Add(l.Duration))
}

// LiveAt reports whether the lease is still held at the given instant.
func (l *Lease) LiveAt(now time.Time) bool {
	return l != nil && !l.ExpiredAt(now)
}

// Command is an externally submitted request to apply a specific mutation
// to an entity, distinct from the transitions driven by state handlers.
// CommandType is an explicit discriminator; handlers are registered per type.
type Command struct {
	CommandType string            `json:"command_type"`
	EntityID    string            `json:"entity_id"`
	Reason      string            `json:"reason,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at"`
}

// Header carries the orchestration fields shared by every entity kind.
// Concrete kinds embed it next to their payload fields.
type Header struct {
	EntityID        string                 `json:"entity_id"`
	Kind            Kind                   `json:"kind"`
	State           State                  `json:"state"`
	StateTimestamp  time.Time              `json:"state_timestamp"`
	StateCount      int                    `json:"state_count"`
	ErrorDetail     string                 `json:"error_detail,omitempty"`
	TraceContext    map[string]string      `json:"trace_context,omitempty"`
	Lease           *Lease                 `json:"lease,omitempty"`
	PendingCommands []Command              `json:"pending_commands,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	MetaData        map[string]interface{} `json:"meta_data,omitempty"`
}

// Stateful is implemented by every concrete entity kind.
type Stateful interface {
	// Head returns the shared orchestration header.
	Head() *Header
	// PayloadJSON serializes the kind-specific payload fields.
	PayloadJSON() ([]byte, error)
}

// Head implements Stateful for every embedder.
func (h *Header) Head() *Header { return h }

// StateName returns the readable name of the current state.
func (h *Header) StateName() string {
	return GraphFor(h.Kind).StateName(h.State)
}

// Terminal reports whether the entity has reached a terminal state.
func (h *Header) Terminal() bool {
	return GraphFor(h.Kind).IsTerminal(h.State)
}

// HasLiveLease reports whether the entity carries an unexpired lease.
func (h *Header) HasLiveLease(now time.Time) bool {
	return h.Lease.LiveAt(now)
}

// TransitionTo moves the entity to target if the kind's graph permits it.
// Re-applying a transition to the current state is a no-op success, so
// duplicate command delivery is tolerated. An unreachable target returns
// an IllegalTransitionError and leaves the entity untouched.
func (h *Header) TransitionTo(target State) error {
	if h.State == target {
		return nil
	}
	g := GraphFor(h.Kind)
	if !g.CanTransition(h.State, target) {
		return &IllegalTransitionError{Kind: h.Kind, From: h.State, To: target}
	}
	h.State = target
	h.StateTimestamp = time.Now()
	h.StateCount = 0
	return nil
}

// TransitionToError drives the entity to its terminal error state and
// records the failure reason. From the terminal error state itself this
// is a no-op so that re-delivery stays idempotent.
func (h *Header) TransitionToError(detail string) {
	g := GraphFor(h.Kind)
	if h.State == g.TerminalError() {
		return
	}
	h.State = g.TerminalError()
	h.StateTimestamp = time.Now()
	h.StateCount = 0
	h.ErrorDetail = detail
}

// ClearLease removes the lease. Only the holding worker may call this.
func (h *Header) ClearLease() { h.Lease = nil }

// EnqueueCommand parks a command on the entity for application on the
// next claim cycle.
func (h *Header) EnqueueCommand(cmd Command) {
	h.PendingCommands = append(h.PendingCommands, cmd)
}

// DrainCommands returns the parked commands in submission order and
// clears the queue.
func (h *Header) DrainCommands() []Command {
	cmds := h.PendingCommands
	h.PendingCommands = nil
	return cmds
}

// IllegalTransitionError reports a transition not present in the kind's
// graph. It is a logic error: callers surface it, they never retry it.
type IllegalTransitionError struct {
	Kind Kind
	From State
	To   State
}

func (e *IllegalTransitionError) Error() string {
	g := GraphFor(e.Kind)
	return fmt.Sprintf("illegal transition for %s: %s -> %s", e.Kind, g.StateName(e.From), g.StateName(e.To))
}

// Rehydrate rebuilds a concrete entity from a stored header and payload.
// It is the inverse of Stateful.PayloadJSON and is used by stores when
// scanning rows back into entities.
func Rehydrate(header Header, payload []byte) (Stateful, error) {
	switch header.Kind {
	case KindNegotiation:
		n := &Negotiation{Header: header}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &n.NegotiationPayload); err != nil {
				return nil, fmt.Errorf("failed to decode negotiation payload: %w", err)
			}
		}
		return n, nil
	case KindTransfer:
		t := &TransferProcess{Header: header}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &t.TransferPayload); err != nil {
				return nil, fmt.Errorf("failed to decode transfer payload: %w", err)
			}
		}
		return t, nil
	case KindMonitor:
		m := &MonitorEntry{Header: header}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &m.MonitorPayload); err != nil {
				return nil, fmt.Errorf("failed to decode monitor payload: %w", err)
			}
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown entity kind %q", header.Kind)
	}
}

func newHeader(kind Kind, initial State) Header {
	now := time.Now()
	return Header{
		EntityID:       GenerateUUIDWithSuffix(prefixFor(kind)),
		Kind:           kind,
		State:          initial,
		StateTimestamp: now,
		CreatedAt:      now,
	}
}

func prefixFor(kind Kind) string {
	switch kind {
	case KindNegotiation:
		return "neg"
	case KindTransfer:
		return "trf"
	case KindMonitor:
		return "mon"
	}
	return "ent"
}
