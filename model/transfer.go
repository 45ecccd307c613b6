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

// TransferPayload holds the transfer-specific fields persisted next to
// the shared header.
type TransferPayload struct {
	AssetID             string            `json:"asset_id"`
	AgreementID         string            `json:"agreement_id"`
	Protocol            string            `json:"protocol"`
	CounterPartyAddress string            `json:"counter_party_address"`
	DestinationType     string            `json:"destination_type"`
	DestinationProps    map[string]string `json:"destination_properties,omitempty"`
}

// TransferProcess is a long-running data transfer executed under an
// agreement reached by a finalized negotiation.
type TransferProcess struct {
	Header
	TransferPayload
}

// PayloadJSON serializes the transfer payload fields.
func (t *TransferProcess) PayloadJSON() ([]byte, error) {
	return json.Marshal(t.TransferPayload)
}

// NewTransferProcess creates a transfer in the INITIAL state with no lease.
func NewTransferProcess(assetID, agreementID, protocol, counterPartyAddress, destinationType string) (*TransferProcess, error) {
	if assetID == "" {
		return nil, errors.New("transfer requires an asset id")
	}
	if agreementID == "" {
		return nil, errors.New("transfer requires an agreement id")
	}
	if protocol == "" {
		return nil, errors.New("transfer requires a protocol")
	}
	if counterPartyAddress == "" {
		return nil, errors.New("transfer requires a counter party address")
	}
	if destinationType == "" {
		return nil, errors.New("transfer requires a destination type")
	}
	return &TransferProcess{
		Header: newHeader(KindTransfer, TransferInitial),
		TransferPayload: TransferPayload{
			AssetID:             assetID,
			AgreementID:         agreementID,
			Protocol:            protocol,
			CounterPartyAddress: counterPartyAddress,
			DestinationType:     destinationType,
		},
	}, nil
}
