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
	"math/rand"
	"sync"
	"time"
)

// WaitStrategy controls how long a process manager idles between empty
// polls and how far out a retried entity is pushed. RetryIn must be a
// pure function of the attempt count: the delay is recomputed from the
// persisted state count by whichever worker looks at the entity next, so
// it cannot depend on in-process state.
type WaitStrategy interface {
	// WaitFor returns the pause before the next poll after an empty batch.
	WaitFor() time.Duration
	// RetryIn returns the backoff before attempt stateCount+1, given that
	// the entity has been claimed stateCount times in its current state.
	RetryIn(stateCount int) time.Duration
	// Success signals that work was processed, resetting any idle ramp-up.
	Success()
}

// ExponentialWaitStrategy polls at a fixed interval with bounded jitter
// and computes retry backoff as min(base * 2^(n-1), max).
type ExponentialWaitStrategy struct {
	PollInterval time.Duration
	RetryBase    time.Duration
	RetryMax     time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewExponentialWaitStrategy builds the default strategy from the worker
// tuning values.
func NewExponentialWaitStrategy(pollInterval, retryBase, retryMax time.Duration) *ExponentialWaitStrategy {
	return &ExponentialWaitStrategy{
		PollInterval: pollInterval,
		RetryBase:    retryBase,
		RetryMax:     retryMax,
		rnd:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WaitFor returns the poll interval with up to 10% jitter so that a fleet
// of workers started together does not poll in lockstep.
func (w *ExponentialWaitStrategy) WaitFor() time.Duration {
	w.mu.Lock()
	jitter := time.Duration(w.rnd.Int63n(int64(w.PollInterval)/10 + 1))
	w.mu.Unlock()
	return w.PollInterval + jitter
}

// RetryIn doubles the base delay per prior attempt, capped at RetryMax.
// stateCount <= 1 yields the base delay.
func (w *ExponentialWaitStrategy) RetryIn(stateCount int) time.Duration {
	delay := w.RetryBase
	for i := 1; i < stateCount; i++ {
		delay *= 2
		// delay <= 0 catches overflow from repeated doubling
		if delay >= w.RetryMax || delay <= 0 {
			return w.RetryMax
		}
	}
	if delay > w.RetryMax {
		return w.RetryMax
	}
	return delay
}

// Success is a no-op for the fixed-interval strategy; it exists so that
// ramping strategies can reset their idle window.
func (w *ExponentialWaitStrategy) Success() {}
