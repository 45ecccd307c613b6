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
	"time"
)

// MonitorPayload holds the policy-monitor fields persisted next to the
// shared header.
type MonitorPayload struct {
	TransferID  string    `json:"transfer_id"`
	AgreementID string    `json:"agreement_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// MonitorEntry watches a running transfer and terminates it when the
// policy under its agreement expires.
type MonitorEntry struct {
	Header
	MonitorPayload
}

// PayloadJSON serializes the monitor payload fields.
func (m *MonitorEntry) PayloadJSON() ([]byte, error) {
	return json.Marshal(m.MonitorPayload)
}

// NewMonitorEntry creates a monitor entry in the PENDING state with no
// lease. ExpiresAt is when the watched agreement stops permitting the
// transfer; the zero value is rejected because the entry would never fire.
func NewMonitorEntry(transferID, agreementID string, expiresAt time.Time) (*MonitorEntry, error) {
	if transferID == "" {
		return nil, errors.New("monitor entry requires a transfer id")
	}
	if agreementID == "" {
		return nil, errors.New("monitor entry requires an agreement id")
	}
	if expiresAt.IsZero() {
		return nil, errors.New("monitor entry requires an expiry instant")
	}
	return &MonitorEntry{
		Header: newHeader(KindMonitor, MonitorPending),
		MonitorPayload: MonitorPayload{
			TransferID:  transferID,
			AgreementID: agreementID,
			ExpiresAt:   expiresAt,
		},
	}, nil
}
