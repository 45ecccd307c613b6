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

	"github.com/sirupsen/logrus"

	"github.com/gantryio/gantry/internal/apierror"
	"github.com/gantryio/gantry/model"
)

// StartMonitoring persists a monitor entry that will terminate the
// transfer once the agreement's policy expires.
func (g *Gantry) StartMonitoring(ctx context.Context, transferID, agreementID string, expiresAt time.Time) (*model.MonitorEntry, error) {
	m, err := model.NewMonitorEntry(transferID, agreementID, expiresAt)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), err)
	}
	if _, err := g.datasource.GetEntityByID(ctx, transferID); err != nil {
		return nil, err
	}
	if err := g.datasource.CreateEntity(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// registerMonitorFlows wires the policy monitor handlers. PENDING waits
// for the watched transfer to start; STARTED re-checks on every backoff
// cycle until the policy expires, then queues a terminate command for
// the transfer and completes.
func (g *Gantry) registerMonitorFlows() {
	pm := g.managers[model.KindMonitor]

	pm.RegisterHandler(model.MonitorPending, func(ctx context.Context, e model.Stateful) Outcome {
		m := e.(*model.MonitorEntry)
		transfer, err := g.datasource.GetEntityByID(ctx, m.TransferID)
		if err != nil {
			if apierror.Is(err, apierror.ErrNotFound) {
				return Fatal("watched transfer " + m.TransferID + " does not exist")
			}
			return Retry(err.Error())
		}
		th := transfer.Head()
		if th.Terminal() {
			return Fatal("watched transfer " + m.TransferID + " already finished")
		}
		if th.State == model.TransferStarted {
			return Success(model.MonitorStarted)
		}
		return Retry("transfer not started yet")
	})

	pm.RegisterHandler(model.MonitorStarted, func(ctx context.Context, e model.Stateful) Outcome {
		m := e.(*model.MonitorEntry)
		transfer, err := g.datasource.GetEntityByID(ctx, m.TransferID)
		if err != nil {
			if apierror.Is(err, apierror.ErrNotFound) {
				return Success(model.MonitorCompleted)
			}
			return Retry(err.Error())
		}
		if transfer.Head().Terminal() {
			// Nothing left to watch.
			return Success(model.MonitorCompleted)
		}

		if time.Now().Before(m.ExpiresAt) {
			return Retry("agreement still permits the transfer")
		}

		cmd := model.Command{
			CommandType: CommandTerminate,
			EntityID:    m.TransferID,
			Reason:      "policy under agreement " + m.AgreementID + " expired",
			SubmittedAt: time.Now(),
		}
		if err := g.queue.EnqueueCommand(cmd); err != nil {
			logrus.Errorf("monitor %s failed to queue terminate for %s: %v", m.EntityID, m.TransferID, err)
			return Retry(err.Error())
		}
		return Success(model.MonitorCompleted)
	})
}
