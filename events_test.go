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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gantryio/gantry/model"
)

func testEvent(id string) StateChanged {
	return StateChanged{
		EntityID:  id,
		Kind:      model.KindNegotiation,
		From:      model.NegotiationRequesting,
		To:        model.NegotiationRequested,
		FromName:  "REQUESTING",
		ToName:    "REQUESTED",
		Timestamp: time.Now(),
	}
}

func TestEventRouterFanOut(t *testing.T) {
	router := NewEventRouter()

	var wg sync.WaitGroup
	wg.Add(3)
	var mu sync.Mutex
	received := make(map[string]StateChanged)

	for _, name := range []string{"webhook", "audit", "metrics"} {
		name := name
		router.Subscribe(name, func(ev StateChanged) {
			mu.Lock()
			received[name] = ev
			mu.Unlock()
			wg.Done()
		})
	}

	router.Publish(testEvent("neg_1"))
	wg.Wait()

	assert.Len(t, received, 3)
	for name, ev := range received {
		assert.Equal(t, "neg_1", ev.EntityID, "subscriber %s saw the wrong event", name)
	}
}

func TestEventRouterPanickingSubscriberIsIsolated(t *testing.T) {
	router := NewEventRouter()

	delivered := make(chan string, 1)
	router.Subscribe("broken", func(ev StateChanged) {
		panic("subscriber bug")
	})
	router.Subscribe("healthy", func(ev StateChanged) {
		delivered <- ev.EntityID
	})

	assert.NotPanics(t, func() {
		router.Publish(testEvent("neg_2"))
	})

	select {
	case id := <-delivered:
		assert.Equal(t, "neg_2", id)
	case <-time.After(time.Second):
		t.Fatal("healthy subscriber never received the event")
	}
}

func TestEventRouterUnsubscribe(t *testing.T) {
	router := NewEventRouter()

	delivered := make(chan struct{}, 1)
	router.Subscribe("gone", func(ev StateChanged) {
		delivered <- struct{}{}
	})
	router.Unsubscribe("gone")
	router.Unsubscribe("never-existed")

	router.Publish(testEvent("neg_3"))

	select {
	case <-delivered:
		t.Fatal("unsubscribed handler must not receive events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventRouterResubscribeReplaces(t *testing.T) {
	router := NewEventRouter()

	hits := make(chan string, 2)
	router.Subscribe("webhook", func(ev StateChanged) { hits <- "old" })
	router.Subscribe("webhook", func(ev StateChanged) { hits <- "new" })

	router.Publish(testEvent("neg_4"))

	select {
	case who := <-hits:
		assert.Equal(t, "new", who)
	case <-time.After(time.Second):
		t.Fatal("replacement subscriber never fired")
	}

	select {
	case <-hits:
		t.Fatal("the replaced subscriber must not fire")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventRouterPublisherDoesNotBlock(t *testing.T) {
	router := NewEventRouter()

	release := make(chan struct{})
	router.Subscribe("slow", func(ev StateChanged) { <-release })
	defer close(release)

	done := make(chan struct{})
	go func() {
		router.Publish(testEvent("neg_5"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("a slow subscriber must not block Publish")
	}
}
