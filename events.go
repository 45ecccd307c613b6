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
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gantryio/gantry/internal/notification"
	"github.com/gantryio/gantry/model"
)

// StateChanged is published after an entity's new state has been
// persisted. Subscribers observe committed facts only; a transition that
// failed to persist is never announced.
type StateChanged struct {
	EntityID    string      `json:"entity_id"`
	Kind        model.Kind  `json:"kind"`
	From        model.State `json:"from"`
	To          model.State `json:"to"`
	FromName    string      `json:"from_name"`
	ToName      string      `json:"to_name"`
	ErrorDetail string      `json:"error_detail,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// EventRouter fans state-change events out to named subscribers.
// Delivery is best effort: each subscriber runs on its own goroutine, a
// panicking or slow subscriber never blocks the publisher or its peers,
// and no delivery ordering is guaranteed across subscribers.
type EventRouter struct {
	mu          sync.RWMutex
	subscribers map[string]func(StateChanged)
}

// NewEventRouter creates an empty router.
func NewEventRouter() *EventRouter {
	return &EventRouter{subscribers: make(map[string]func(StateChanged))}
}

// Subscribe registers fn under name. Re-registering a name replaces the
// previous subscriber.
func (r *EventRouter) Subscribe(name string, fn func(StateChanged)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers[name] = fn
}

// Unsubscribe removes the named subscriber. Unknown names are ignored.
func (r *EventRouter) Unsubscribe(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscribers, name)
}

// Publish delivers the event to every subscriber and returns immediately.
func (r *EventRouter) Publish(event StateChanged) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, fn := range r.subscribers {
		go func(name string, fn func(StateChanged)) {
			defer func() {
				if rec := recover(); rec != nil {
					logrus.Errorf("event subscriber %s panicked on %s: %v", name, event.EntityID, rec)
					notification.NotifyError(fmt.Errorf("event subscriber %s panicked: %v", name, rec))
				}
			}()
			fn(event)
		}(name, fn)
	}
}
