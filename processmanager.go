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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gantryio/gantry/database"
	"github.com/gantryio/gantry/internal/apierror"
	"github.com/gantryio/gantry/internal/notification"
	"github.com/gantryio/gantry/model"
)

// OutcomeResult is the handler's verdict on one processing attempt.
type OutcomeResult int

const (
	// ResultSuccess advances the entity to Outcome.Next.
	ResultSuccess OutcomeResult = iota
	// ResultRetry leaves the entity in place for a later attempt with
	// exponential backoff.
	ResultRetry
	// ResultFatal drives the entity to its terminal error state.
	ResultFatal
)

// Outcome is what a state handler returns for a claimed entity.
type Outcome struct {
	Result OutcomeResult
	Next   model.State
	Detail string
}

// Success advances the entity to next.
func Success(next model.State) Outcome {
	return Outcome{Result: ResultSuccess, Next: next}
}

// Retry reports a transient failure; the entity stays in its state and
// becomes claimable again once its backoff elapses.
func Retry(detail string) Outcome {
	return Outcome{Result: ResultRetry, Detail: detail}
}

// Fatal reports an unrecoverable failure; the entity moves to its
// terminal error state with the detail recorded.
func Fatal(detail string) Outcome {
	return Outcome{Result: ResultFatal, Detail: detail}
}

// StateHandler processes one claimed entity in a specific state. The
// entity is exclusively held for the lease window; the handler mutates
// payload fields freely and reports the verdict, it never persists.
type StateHandler func(ctx context.Context, e model.Stateful) Outcome

// ProcessManager drives all entities of one kind through their state
// graph. It runs one polling goroutine per registered state; each cycle
// claims a batch, applies parked commands, runs the state handler, then
// persists and releases in a single update. Crash recovery needs no
// special path: work lost mid-cycle surfaces again when the lease
// expires.
type ProcessManager struct {
	kind       model.Kind
	datasource database.IDataSource
	commands   *CommandRegistry
	events     *EventRouter
	ws         WaitStrategy

	owner         string
	batchSize     int
	leaseDuration time.Duration
	retryBase     time.Duration
	retryMax      time.Duration

	mu       sync.Mutex
	handlers map[model.State]StateHandler

	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// ManagerOptions carries the worker tuning for a process manager.
type ManagerOptions struct {
	Owner         string
	BatchSize     int
	LeaseDuration time.Duration
	RetryBase     time.Duration
	RetryMax      time.Duration
}

// NewProcessManager creates a manager for one entity kind. Handlers are
// registered per state before Start.
func NewProcessManager(kind model.Kind, ds database.IDataSource, commands *CommandRegistry, events *EventRouter, ws WaitStrategy, opts ManagerOptions) *ProcessManager {
	return &ProcessManager{
		kind:          kind,
		datasource:    ds,
		commands:      commands,
		events:        events,
		ws:            ws,
		owner:         opts.Owner,
		batchSize:     opts.BatchSize,
		leaseDuration: opts.LeaseDuration,
		retryBase:     opts.RetryBase,
		retryMax:      opts.RetryMax,
		handlers:      make(map[model.State]StateHandler),
		stop:          make(chan struct{}),
	}
}

// RegisterHandler binds a handler to a non-terminal state. Only states
// with handlers are polled; terminal states are never claimed.
func (pm *ProcessManager) RegisterHandler(state model.State, handler StateHandler) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.handlers[state] = handler
}

// Start launches one polling goroutine per registered state. Calling
// Start on a running manager is a no-op.
func (pm *ProcessManager) Start(ctx context.Context) {
	if !pm.running.CompareAndSwap(false, true) {
		return
	}
	pm.stop = make(chan struct{})

	pm.mu.Lock()
	states := make([]model.State, 0, len(pm.handlers))
	for s := range pm.handlers {
		states = append(states, s)
	}
	pm.mu.Unlock()

	logrus.Infof("starting %s process manager: %d states, batch size %d", pm.kind, len(states), pm.batchSize)
	for _, state := range states {
		pm.wg.Add(1)
		go pm.poll(ctx, state)
	}
}

// Stop halts polling and waits for in-flight cycles to drain. Entities
// already claimed finish their current cycle.
func (pm *ProcessManager) Stop() {
	if !pm.running.CompareAndSwap(true, false) {
		return
	}
	close(pm.stop)
	pm.wg.Wait()
	logrus.Infof("stopped %s process manager", pm.kind)
}

func (pm *ProcessManager) poll(ctx context.Context, state model.State) {
	defer pm.wg.Done()
	for {
		select {
		case <-pm.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		processed := pm.cycle(ctx, state)
		if processed > 0 {
			pm.ws.Success()
			continue
		}

		select {
		case <-pm.stop:
			return
		case <-ctx.Done():
			return
		case <-time.After(pm.ws.WaitFor()):
		}
	}
}

// cycle claims and processes one batch, returning how many entities it
// handled.
func (pm *ProcessManager) cycle(ctx context.Context, state model.State) int {
	batch, err := pm.datasource.LeaseBatch(ctx, pm.owner, pm.kind, state, pm.batchSize, database.LeaseOptions{
		Duration:  pm.leaseDuration,
		RetryBase: pm.retryBase,
		RetryMax:  pm.retryMax,
	})
	if err != nil {
		logrus.Errorf("failed to claim %s batch in %s: %v", pm.kind, model.GraphFor(pm.kind).StateName(state), err)
		notification.NotifyError(err)
		return 0
	}

	for _, e := range batch {
		pm.process(ctx, state, e)
	}
	return len(batch)
}

func (pm *ProcessManager) process(ctx context.Context, claimed model.State, e model.Stateful) {
	h := e.Head()
	before := h.State

	// Parked commands are applied before the state handler so external
	// requests observed while the entity was idle take effect first.
	for _, cmd := range h.DrainCommands() {
		if _, err := pm.commands.Apply(e, cmd); err != nil {
			if apierror.Is(err, apierror.ErrNotExecutable) {
				logrus.Infof("skipping parked command %s on %s: %v", cmd.CommandType, h.EntityID, err)
				continue
			}
			logrus.Errorf("parked command %s on %s failed: %v", cmd.CommandType, h.EntityID, err)
		}
	}

	// A command may have moved the entity out of the claimed state; the
	// handler for that state no longer applies.
	if h.State == claimed && !h.Terminal() {
		handler := pm.handlerFor(claimed)
		if handler != nil {
			outcome := pm.invoke(ctx, handler, e)
			switch outcome.Result {
			case ResultSuccess:
				if err := h.TransitionTo(outcome.Next); err != nil {
					// An unreachable target is a handler bug, not a
					// transient condition.
					logrus.Errorf("handler for %s produced %v", h.EntityID, err)
					h.TransitionToError(err.Error())
				} else {
					h.ErrorDetail = ""
				}
			case ResultRetry:
				h.ErrorDetail = outcome.Detail
			case ResultFatal:
				h.TransitionToError(outcome.Detail)
			}
		}
	}

	h.ClearLease()
	if err := pm.datasource.UpdateEntity(ctx, pm.owner, e); err != nil {
		// The lease expires on its own; the entity will be claimed again.
		logrus.Errorf("failed to persist %s after processing: %v", h.EntityID, err)
		notification.NotifyError(err)
		return
	}

	if h.State != before {
		pm.events.Publish(newStateChanged(e, before, h.State))
	}
}

// invoke runs the handler with panic containment. A panicking handler
// downgrades to a retry so one bad entity cannot take the worker down.
func (pm *ProcessManager) invoke(ctx context.Context, handler StateHandler, e model.Stateful) (outcome Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			logrus.Errorf("handler panicked on %s: %v", e.Head().EntityID, rec)
			notification.NotifyError(fmt.Errorf("handler panicked on %s: %v", e.Head().EntityID, rec))
			outcome = Retry(fmt.Sprintf("handler panic: %v", rec))
		}
	}()
	return handler(ctx, e)
}

func (pm *ProcessManager) handlerFor(state model.State) StateHandler {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.handlers[state]
}

func newStateChanged(e model.Stateful, from, to model.State) StateChanged {
	h := e.Head()
	g := model.GraphFor(h.Kind)
	return StateChanged{
		EntityID:    h.EntityID,
		Kind:        h.Kind,
		From:        from,
		To:          to,
		FromName:    g.StateName(from),
		ToName:      g.StateName(to),
		ErrorDetail: h.ErrorDetail,
		Timestamp:   time.Now(),
	}
}
