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
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gantryio/gantry/config"
	"github.com/gantryio/gantry/internal/apierror"
	"github.com/gantryio/gantry/model"
)

// ModifyFunc applies one command to a claimed entity. It mutates the
// entity in place and reports whether anything changed; the caller owns
// persistence. Returning (false, nil) means the command was already
// satisfied, so duplicate delivery stays harmless. A command that is not
// valid in the entity's current state returns a NOT_EXECUTABLE error.
type ModifyFunc func(e model.Stateful, cmd model.Command) (bool, error)

// CommandStatus classifies the outcome of a command execution.
type CommandStatus string

const (
	CommandExecuted      CommandStatus = "EXECUTED"
	CommandNotExecutable CommandStatus = "NOT_EXECUTABLE"
	CommandFailed        CommandStatus = "FAILED"
)

// CommandResult reports what happened to a submitted command.
type CommandResult struct {
	Status      CommandStatus `json:"status"`
	EntityID    string        `json:"entity_id"`
	CommandType string        `json:"command_type"`
	Detail      string        `json:"detail,omitempty"`
}

// CommandRegistry maps command-type tags to their handlers. Types are
// plain strings so commands round-trip through queues and the pending
// command column without any type registry at the decode side.
type CommandRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ModifyFunc
}

func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{handlers: make(map[string]ModifyFunc)}
}

// Register binds a handler to a command type. Re-registering a type
// replaces the previous handler.
func (r *CommandRegistry) Register(commandType string, fn ModifyFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[commandType] = fn
}

// Resolve looks up the handler for a command type.
func (r *CommandRegistry) Resolve(commandType string) (ModifyFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[commandType]
	return fn, ok
}

// Apply runs the handler for cmd against an already-claimed entity. The
// caller is responsible for holding the lease and persisting the result.
func (r *CommandRegistry) Apply(e model.Stateful, cmd model.Command) (bool, error) {
	fn, ok := r.Resolve(cmd.CommandType)
	if !ok {
		return false, apierror.NewAPIError(apierror.ErrBadRequest, fmt.Sprintf("unknown command type '%s'", cmd.CommandType), nil)
	}
	return fn(e, cmd)
}

// ExecuteCommand claims the target entity, applies the command, persists
// the outcome, and releases the claim. When another worker holds the
// lease the call fails with CONFLICT without blocking; the queue worker
// retries it later. A command that cannot run at all, because no handler
// is registered for its type, the entity does not exist, or the handler
// itself refuses it, reports NOT_EXECUTABLE and releases the entity
// untouched.
func (g *Gantry) ExecuteCommand(ctx context.Context, cmd model.Command) (CommandResult, error) {
	result := CommandResult{EntityID: cmd.EntityID, CommandType: cmd.CommandType}

	if _, ok := g.commands.Resolve(cmd.CommandType); !ok {
		result.Status = CommandNotExecutable
		result.Detail = fmt.Sprintf("no handler registered for command type '%s'", cmd.CommandType)
		return result, apierror.NewAPIError(apierror.ErrBadRequest, result.Detail, nil)
	}

	cfg, err := config.Fetch()
	if err != nil {
		result.Status = CommandFailed
		return result, err
	}
	owner := cfg.Worker.WorkerID
	leaseDuration := time.Duration(cfg.Worker.LeaseDurationMs) * time.Millisecond

	e, err := g.datasource.LeaseEntity(ctx, owner, cmd.EntityID, leaseDuration)
	if err != nil {
		result.Status = CommandFailed
		switch {
		case apierror.Is(err, apierror.ErrConflict):
			result.Status = CommandNotExecutable
			result.Detail = "entity is claimed by another worker"
		case apierror.Is(err, apierror.ErrNotFound):
			result.Status = CommandNotExecutable
			result.Detail = fmt.Sprintf("entity '%s' does not exist", cmd.EntityID)
		}
		return result, err
	}

	before := e.Head().State
	changed, err := g.commands.Apply(e, cmd)
	if err != nil {
		if releaseErr := g.datasource.ReleaseEntity(ctx, owner, cmd.EntityID); releaseErr != nil {
			logrus.Warnf("failed to release entity %s after command error: %v", cmd.EntityID, releaseErr)
		}
		if apierror.Is(err, apierror.ErrNotExecutable) {
			result.Status = CommandNotExecutable
			result.Detail = err.Error()
			return result, err
		}
		result.Status = CommandFailed
		result.Detail = err.Error()
		return result, err
	}

	if !changed {
		if err := g.datasource.ReleaseEntity(ctx, owner, cmd.EntityID); err != nil {
			logrus.Warnf("failed to release entity %s after no-op command: %v", cmd.EntityID, err)
		}
		result.Status = CommandExecuted
		result.Detail = "no changes"
		return result, nil
	}

	e.Head().ClearLease()
	if err := g.datasource.UpdateEntity(ctx, owner, e); err != nil {
		result.Status = CommandFailed
		result.Detail = err.Error()
		return result, err
	}

	if after := e.Head().State; after != before {
		g.publishStateChanged(e, before, after)
	}
	result.Status = CommandExecuted
	return result, nil
}
