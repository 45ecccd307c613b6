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
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// CreateNegotiation is the request body for starting a contract
// negotiation with a counterparty connector.
type CreateNegotiation struct {
	CounterPartyID      string `json:"counter_party_id"`
	CounterPartyAddress string `json:"counter_party_address"`
	Protocol            string `json:"protocol"`
	PolicyID            string `json:"policy_id"`
}

func (n *CreateNegotiation) ValidateCreateNegotiation() error {
	return validation.ValidateStruct(n,
		validation.Field(&n.CounterPartyID, validation.Required),
		validation.Field(&n.CounterPartyAddress, validation.Required),
		validation.Field(&n.Protocol, validation.Required),
		validation.Field(&n.PolicyID, validation.Required),
	)
}

// CreateTransfer is the request body for starting a transfer process
// under an existing agreement.
type CreateTransfer struct {
	AssetID             string `json:"asset_id"`
	AgreementID         string `json:"agreement_id"`
	Protocol            string `json:"protocol"`
	CounterPartyAddress string `json:"counter_party_address"`
	DestinationType     string `json:"destination_type"`
}

func (t *CreateTransfer) ValidateCreateTransfer() error {
	return validation.ValidateStruct(t,
		validation.Field(&t.AssetID, validation.Required),
		validation.Field(&t.AgreementID, validation.Required),
		validation.Field(&t.Protocol, validation.Required),
		validation.Field(&t.CounterPartyAddress, validation.Required),
		validation.Field(&t.DestinationType, validation.Required),
	)
}

// CreateMonitor is the request body for watching a transfer's policy
// expiry.
type CreateMonitor struct {
	TransferID  string `json:"transfer_id"`
	AgreementID string `json:"agreement_id"`
	ExpiresAt   string `json:"expires_at"`
}

func (m *CreateMonitor) ValidateCreateMonitor() error {
	return validation.ValidateStruct(m,
		validation.Field(&m.TransferID, validation.Required),
		validation.Field(&m.AgreementID, validation.Required),
		validation.Field(&m.ExpiresAt, validation.Required, validation.By(func(value interface{}) error {
			dateStr, ok := value.(string)
			if !ok {
				return errors.New("invalid type for expiry date")
			}
			return validateDateFormat(time.RFC3339, dateStr)
		})),
	)
}

// ExpiryTime parses the validated expiry timestamp.
func (m *CreateMonitor) ExpiryTime() (time.Time, error) {
	return time.Parse(time.RFC3339, m.ExpiresAt)
}

// SubmitCommand is the request body for applying a command to an entity.
type SubmitCommand struct {
	CommandType string            `json:"command_type"`
	Reason      string            `json:"reason"`
	Attributes  map[string]string `json:"attributes"`
}

func (c *SubmitCommand) ValidateSubmitCommand() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.CommandType, validation.Required),
	)
}

func validateDateFormat(format, value string) error {
	_, err := time.Parse(format, value)
	if err != nil {
		return errors.New("please format the date as 'YYYY-MM-DDTHH:MM:SS+00:00' (e.g., 2026-04-22T15:28:03+00:00)")
	}
	return nil
}
