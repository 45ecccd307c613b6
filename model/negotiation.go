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
	"errors"
)

// NegotiationPayload holds the negotiation-specific fields persisted next
// to the shared header.
type NegotiationPayload struct {
	CounterPartyID      string `json:"counter_party_id"`
	CounterPartyAddress string `json:"counter_party_address"`
	Protocol            string `json:"protocol"`
	PolicyID            string `json:"policy_id"`
	OfferID             string `json:"offer_id,omitempty"`
	AgreementID         string `json:"agreement_id,omitempty"`
	CallbackAddress     string `json:"callback_address,omitempty"`
}

// Negotiation is a contract negotiation with a counterparty connector.
type Negotiation struct {
	Header
	NegotiationPayload
}

// PayloadJSON serializes the negotiation payload fields.
func (n *Negotiation) PayloadJSON() ([]byte, error) {
	return json.Marshal(n.NegotiationPayload)
}

// NewNegotiation creates a negotiation in the REQUESTING state with no
// lease. CounterParty identity and address, protocol and policy are
// required; a negotiation without them can never be dispatched.
func NewNegotiation(counterPartyID, counterPartyAddress, protocol, policyID string) (*Negotiation, error) {
	if counterPartyID == "" {
		return nil, errors.New("negotiation requires a counter party id")
	}
	if counterPartyAddress == "" {
		return nil, errors.New("negotiation requires a counter party address")
	}
	if protocol == "" {
		return nil, errors.New("negotiation requires a protocol")
	}
	if policyID == "" {
		return nil, errors.New("negotiation requires a policy id")
	}
	return &Negotiation{
		Header: newHeader(KindNegotiation, NegotiationRequesting),
		NegotiationPayload: NegotiationPayload{
			CounterPartyID:      counterPartyID,
			CounterPartyAddress: counterPartyAddress,
			Protocol:            protocol,
			PolicyID:            policyID,
		},
	}, nil
}
