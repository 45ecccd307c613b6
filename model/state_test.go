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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGraphTransitions(t *testing.T) {
	g := GraphFor(KindNegotiation)

	assert.True(t, g.CanTransition(NegotiationRequesting, NegotiationRequested))
	assert.True(t, g.CanTransition(NegotiationRequested, NegotiationOffered))
	assert.True(t, g.CanTransition(NegotiationVerified, NegotiationFinalized))
	assert.False(t, g.CanTransition(NegotiationRequesting, NegotiationFinalized))
	assert.False(t, g.CanTransition(NegotiationFinalized, NegotiationRequesting))

	assert.True(t, g.IsTerminal(NegotiationFinalized))
	assert.True(t, g.IsTerminal(NegotiationTerminated))
	assert.False(t, g.IsTerminal(NegotiationRequesting))
	assert.Equal(t, NegotiationTerminated, g.TerminalError())
}

func TestGraphEveryStateCanReachTerminal(t *testing.T) {
	for _, kind := range []Kind{KindNegotiation, KindTransfer, KindMonitor} {
		g := GraphFor(kind)
		for state := range g.names {
			if g.IsTerminal(state) {
				assert.Empty(t, g.edges[state], "terminal state %s of %s must have no outgoing edges", g.StateName(state), kind)
				continue
			}
			assert.NotEmpty(t, g.edges[state], "non-terminal state %s of %s must have outgoing edges", g.StateName(state), kind)
		}
	}
}

func TestGraphForUnknownKindPanics(t *testing.T) {
	assert.Panics(t, func() {
		GraphFor(Kind("mystery"))
	})
}

func TestTransitionTo(t *testing.T) {
	n, err := NewNegotiation("party-1", "https://peer.example.com/api", "dataspace-http", "policy-1")
	assert.NoError(t, err)
	assert.Equal(t, NegotiationRequesting, n.State)

	before := n.StateTimestamp
	n.StateCount = 3

	err = n.TransitionTo(NegotiationRequested)
	assert.NoError(t, err)
	assert.Equal(t, NegotiationRequested, n.State)
	assert.Equal(t, 0, n.StateCount, "state count resets on transition")
	assert.True(t, n.StateTimestamp.After(before) || n.StateTimestamp.Equal(before))
}

func TestTransitionToSameStateIsNoOp(t *testing.T) {
	n, _ := NewNegotiation("party-1", "https://peer.example.com/api", "dataspace-http", "policy-1")
	n.StateCount = 2
	stamp := n.StateTimestamp

	err := n.TransitionTo(NegotiationRequesting)
	assert.NoError(t, err)
	assert.Equal(t, 2, n.StateCount, "no-op transition must not reset the count")
	assert.Equal(t, stamp, n.StateTimestamp)
}

func TestTransitionToIllegal(t *testing.T) {
	n, _ := NewNegotiation("party-1", "https://peer.example.com/api", "dataspace-http", "policy-1")

	err := n.TransitionTo(NegotiationFinalized)
	assert.Error(t, err)
	var illegal *IllegalTransitionError
	assert.ErrorAs(t, err, &illegal)
	assert.Equal(t, NegotiationRequesting, n.State, "entity untouched after illegal transition")
}

func TestTransitionToError(t *testing.T) {
	tr, _ := NewTransferProcess("asset-1", "agr-1", "dataspace-http", "https://peer.example.com/api", "s3")
	tr.TransitionToError("provisioning exploded")

	assert.Equal(t, TransferTerminated, tr.State)
	assert.Equal(t, "provisioning exploded", tr.ErrorDetail)
	assert.True(t, tr.Terminal())

	// Re-applying keeps the original detail.
	tr.TransitionToError("second failure")
	assert.Equal(t, "provisioning exploded", tr.ErrorDetail)
}

func TestLeaseExpiry(t *testing.T) {
	now := time.Now()
	lease := &Lease{Owner: "worker-1", AcquiredAt: now, Duration: 100 * time.Millisecond}

	assert.True(t, lease.LiveAt(now))
	assert.True(t, lease.LiveAt(now.Add(99*time.Millisecond)))
	assert.False(t, lease.LiveAt(now.Add(100*time.Millisecond)))
	assert.False(t, lease.LiveAt(now.Add(time.Hour)))

	var absent *Lease
	assert.False(t, absent.LiveAt(now), "absent lease is never live")
}

func TestPendingCommands(t *testing.T) {
	n, _ := NewNegotiation("party-1", "https://peer.example.com/api", "dataspace-http", "policy-1")

	n.EnqueueCommand(Command{CommandType: "accept", EntityID: n.EntityID})
	n.EnqueueCommand(Command{CommandType: "terminate", EntityID: n.EntityID})

	cmds := n.DrainCommands()
	assert.Len(t, cmds, 2)
	assert.Equal(t, "accept", cmds[0].CommandType, "commands drain in submission order")
	assert.Equal(t, "terminate", cmds[1].CommandType)
	assert.Empty(t, n.DrainCommands())
}

func TestRehydrate(t *testing.T) {
	n, _ := NewNegotiation("party-1", "https://peer.example.com/api", "dataspace-http", "policy-1")
	n.OfferID = "offer-9"

	payload, err := n.PayloadJSON()
	assert.NoError(t, err)

	restored, err := Rehydrate(n.Header, payload)
	assert.NoError(t, err)

	restoredNeg, ok := restored.(*Negotiation)
	assert.True(t, ok)
	assert.Equal(t, n.EntityID, restoredNeg.EntityID)
	assert.Equal(t, "offer-9", restoredNeg.OfferID)
	assert.Equal(t, n.PolicyID, restoredNeg.PolicyID)
}

func TestRehydrateUnknownKind(t *testing.T) {
	_, err := Rehydrate(Header{EntityID: "x", Kind: Kind("mystery")}, nil)
	assert.Error(t, err)
}

func TestFactories(t *testing.T) {
	_, err := NewNegotiation("", "addr", "proto", "policy")
	assert.Error(t, err)

	_, err = NewTransferProcess("asset", "agr", "proto", "addr", "")
	assert.Error(t, err)

	_, err = NewMonitorEntry("trf", "agr", time.Time{})
	assert.Error(t, err)

	m, err := NewMonitorEntry("trf", "agr", time.Now().Add(time.Hour))
	assert.NoError(t, err)
	assert.Equal(t, MonitorPending, m.State)
	assert.Contains(t, m.EntityID, "mon_")
}
