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

import "fmt"

// Kind identifies an entity type. Each kind carries its own state graph.
type Kind string

const (
	KindNegotiation Kind = "negotiation"
	KindTransfer    Kind = "transfer_process"
	KindMonitor     Kind = "monitor_entry"
)

// State is an entity's position in its kind's graph. Values are spaced
// out so intermediate states can be added without renumbering.
type State int

// Negotiation states.
const (
	NegotiationRequesting  State = 100
	NegotiationRequested   State = 200
	NegotiationOffered     State = 300
	NegotiationAccepted    State = 400
	NegotiationAgreed      State = 500
	NegotiationVerified    State = 600
	NegotiationFinalized   State = 700
	NegotiationTerminating State = 800
	NegotiationTerminated  State = 900
)

// Transfer process states.
const (
	TransferInitial      State = 100
	TransferProvisioning State = 150
	TransferProvisioned  State = 200
	TransferRequesting   State = 300
	TransferRequested    State = 400
	TransferStarting     State = 500
	TransferStarted      State = 600
	TransferSuspending   State = 650
	TransferSuspended    State = 700
	TransferCompleting   State = 750
	TransferCompleted    State = 800
	TransferTerminating  State = 900
	TransferTerminated   State = 1000
)

// Monitor entry states.
const (
	MonitorPending   State = 100
	MonitorStarted   State = 200
	MonitorCompleted State = 300
	MonitorFailed    State = 400
)

// Graph is one kind's transition table. Graphs are fixed at compile
// time; every transition an entity takes must be one of its edges.
type Graph struct {
	kind          Kind
	edges         map[State][]State
	names         map[State]string
	terminal      map[State]bool
	terminalError State
}

var negotiationGraph = &Graph{
	kind: KindNegotiation,
	edges: map[State][]State{
		NegotiationRequesting:  {NegotiationRequested, NegotiationTerminating},
		NegotiationRequested:   {NegotiationOffered, NegotiationAgreed, NegotiationTerminating},
		NegotiationOffered:     {NegotiationAccepted, NegotiationRequesting, NegotiationTerminating},
		NegotiationAccepted:    {NegotiationAgreed, NegotiationTerminating},
		NegotiationAgreed:      {NegotiationVerified, NegotiationTerminating},
		NegotiationVerified:    {NegotiationFinalized, NegotiationTerminating},
		NegotiationTerminating: {NegotiationTerminated},
	},
	names: map[State]string{
		NegotiationRequesting:  "REQUESTING",
		NegotiationRequested:   "REQUESTED",
		NegotiationOffered:     "OFFERED",
		NegotiationAccepted:    "ACCEPTED",
		NegotiationAgreed:      "AGREED",
		NegotiationVerified:    "VERIFIED",
		NegotiationFinalized:   "FINALIZED",
		NegotiationTerminating: "TERMINATING",
		NegotiationTerminated:  "TERMINATED",
	},
	terminal: map[State]bool{
		NegotiationFinalized:  true,
		NegotiationTerminated: true,
	},
	terminalError: NegotiationTerminated,
}

var transferGraph = &Graph{
	kind: KindTransfer,
	edges: map[State][]State{
		TransferInitial:      {TransferProvisioning, TransferTerminating},
		TransferProvisioning: {TransferProvisioned, TransferTerminating},
		TransferProvisioned:  {TransferRequesting, TransferTerminating},
		TransferRequesting:   {TransferRequested, TransferTerminating},
		TransferRequested:    {TransferStarting, TransferStarted, TransferTerminating},
		TransferStarting:     {TransferStarted, TransferTerminating},
		TransferStarted:      {TransferSuspending, TransferCompleting, TransferTerminating},
		TransferSuspending:   {TransferSuspended, TransferTerminating},
		TransferSuspended:    {TransferStarting, TransferTerminating},
		TransferCompleting:   {TransferCompleted, TransferTerminating},
		TransferTerminating:  {TransferTerminated},
	},
	names: map[State]string{
		TransferInitial:      "INITIAL",
		TransferProvisioning: "PROVISIONING",
		TransferProvisioned:  "PROVISIONED",
		TransferRequesting:   "REQUESTING",
		TransferRequested:    "REQUESTED",
		TransferStarting:     "STARTING",
		TransferStarted:      "STARTED",
		TransferSuspending:   "SUSPENDING",
		TransferSuspended:    "SUSPENDED",
		TransferCompleting:   "COMPLETING",
		TransferCompleted:    "COMPLETED",
		TransferTerminating:  "TERMINATING",
		TransferTerminated:   "TERMINATED",
	},
	terminal: map[State]bool{
		TransferCompleted:  true,
		TransferTerminated: true,
	},
	terminalError: TransferTerminated,
}

var monitorGraph = &Graph{
	kind: KindMonitor,
	edges: map[State][]State{
		MonitorPending: {MonitorStarted, MonitorFailed},
		MonitorStarted: {MonitorCompleted, MonitorFailed},
	},
	names: map[State]string{
		MonitorPending:   "PENDING",
		MonitorStarted:   "STARTED",
		MonitorCompleted: "COMPLETED",
		MonitorFailed:    "FAILED",
	},
	terminal: map[State]bool{
		MonitorCompleted: true,
		MonitorFailed:    true,
	},
	terminalError: MonitorFailed,
}

// GraphFor returns the transition graph for a kind. An unknown kind is a
// programming error and panics.
func GraphFor(kind Kind) *Graph {
	switch kind {
	case KindNegotiation:
		return negotiationGraph
	case KindTransfer:
		return transferGraph
	case KindMonitor:
		return monitorGraph
	}
	panic(fmt.Sprintf("no state graph for kind %q", kind))
}

// Kind returns the kind this graph belongs to.
func (g *Graph) Kind() Kind { return g.kind }

// CanTransition reports whether from -> to is an edge of the graph.
func (g *Graph) CanTransition(from, to State) bool {
	for _, next := range g.edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is a terminal state. Terminal states have
// no outgoing edges and are never claimed by process managers.
func (g *Graph) IsTerminal(s State) bool {
	return g.terminal[s]
}

// TerminalError returns the state entities are driven to on fatal
// failures.
func (g *Graph) TerminalError() State {
	return g.terminalError
}

// StateName returns the readable name of s, or its numeric form when the
// state is not part of this graph.
func (g *Graph) StateName(s State) string {
	if name, ok := g.names[s]; ok {
		return name
	}
	return fmt.Sprintf("STATE_%d", int(s))
}
