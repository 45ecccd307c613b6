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

	"github.com/gantryio/gantry/internal/apierror"
)

// StatusResult classifies a dispatch outcome for the caller's retry
// decision: retry errors are transient and worth another attempt, fatal
// errors are not.
type StatusResult int

const (
	StatusOK StatusResult = iota
	StatusRetryError
	StatusFatalError
)

func (s StatusResult) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusRetryError:
		return "RETRY_ERROR"
	case StatusFatalError:
		return "FATAL_ERROR"
	}
	return "UNKNOWN"
}

// DispatchResult is the terminal value of a dispatch attempt.
type DispatchResult struct {
	Status StatusResult
	Body   []byte
	Err    error
}

// Future is a one-shot handle on an asynchronous dispatch. Complete may
// be called any number of times; only the first value wins.
type Future struct {
	once sync.Once
	done chan struct{}
	res  DispatchResult
}

func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// CompletedFuture returns a future already resolved with res.
func CompletedFuture(res DispatchResult) *Future {
	f := NewFuture()
	f.Complete(res)
	return f
}

// FailedFuture returns a future already resolved with a fatal error.
func FailedFuture(err error) *Future {
	return CompletedFuture(DispatchResult{Status: StatusFatalError, Err: err})
}

// Complete resolves the future. Subsequent calls are no-ops.
func (f *Future) Complete(res DispatchResult) {
	f.once.Do(func() {
		f.res = res
		close(f.done)
	})
}

// Result blocks until the future resolves or ctx expires.
func (f *Future) Result(ctx context.Context) (DispatchResult, error) {
	select {
	case <-f.done:
		return f.res, nil
	case <-ctx.Done():
		return DispatchResult{}, ctx.Err()
	}
}

// RemoteMessage is a protocol-addressed message bound for a counterparty
// connector.
type RemoteMessage interface {
	// Protocol identifies the wire protocol the message speaks, e.g.
	// "dataspace-http". It selects the dispatcher.
	Protocol() string
	// CounterPartyAddress is the remote endpoint the message targets.
	CounterPartyAddress() string
	// MessageType names the message for routing and logging.
	MessageType() string
}

// RemoteMessageDispatcher sends remote messages for one protocol.
type RemoteMessageDispatcher interface {
	Protocol() string
	Dispatch(ctx context.Context, msg RemoteMessage) *Future
}

// DispatcherRegistry routes remote messages to the dispatcher registered
// for their protocol. There is no fallback dispatcher: a message whose
// protocol is empty or unknown fails immediately rather than being sent
// somewhere surprising.
type DispatcherRegistry struct {
	mu          sync.RWMutex
	dispatchers map[string]RemoteMessageDispatcher
}

func NewDispatcherRegistry() *DispatcherRegistry {
	return &DispatcherRegistry{dispatchers: make(map[string]RemoteMessageDispatcher)}
}

// Register binds a dispatcher to its protocol. Registering a second
// dispatcher for the same protocol replaces the first.
func (r *DispatcherRegistry) Register(d RemoteMessageDispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatchers[d.Protocol()] = d
}

// Dispatch routes msg to its protocol's dispatcher. The returned future
// resolves when the dispatcher finishes; for an unroutable message it is
// already resolved with NO_DISPATCHER.
func (r *DispatcherRegistry) Dispatch(ctx context.Context, msg RemoteMessage) *Future {
	protocol := msg.Protocol()
	if protocol == "" {
		return FailedFuture(apierror.NewAPIError(apierror.ErrNoDispatcher, fmt.Sprintf("message %s has no protocol", msg.MessageType()), nil))
	}

	r.mu.RLock()
	d, ok := r.dispatchers[protocol]
	r.mu.RUnlock()
	if !ok {
		return FailedFuture(apierror.NewAPIError(apierror.ErrNoDispatcher, fmt.Sprintf("no dispatcher registered for protocol '%s'", protocol), nil))
	}
	return d.Dispatch(ctx, msg)
}
