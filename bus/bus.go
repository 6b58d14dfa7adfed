// Copyright 2015 CoreOS, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bus implements a named, multi-subscriber event bus that decouples
// the scheduling engine from reporters, UIs and exporters.
package bus

import (
	"reflect"
	"sync"

	"github.com/coreos/pkg/capnslog"
)

var plog = capnslog.NewPackageLogger("github.com/linux-test-project/kirk", "bus")

// InternalError is the name of the built-in event that receives any panic
// recovered from a subscriber callback, together with the name of the
// event whose delivery triggered it.
const InternalError = "internal_error"

// Callback is a subscriber function. It receives whatever arguments were
// passed to Fire for the event it is registered against.
type Callback func(args ...interface{})

type subscriber struct {
	cb      Callback
	ordered bool
}

// job is a single unit of queued delivery work: one event firing, addressed
// to every subscriber registered for that event name at fire time.
type job struct {
	name string
	args []interface{}
}

// Bus is a process-wide (or test-scoped) event registry. The zero value is
// not usable; construct one with New.
//
// Firing never blocks on subscriber execution: Fire only enqueues. A single
// consumer goroutine, started by Start, drains the queue and dispatches to
// subscribers -- sequentially for subscriptions registered as ordered,
// concurrently (via a WaitGroup fan-out) for the rest. This mirrors the
// asyncio.Queue + single consumer task design of the original implementation,
// translated to goroutines and channels.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]subscriber

	queue   chan job
	running sync.Mutex
	done    chan struct{}
}

// New creates an isolated Bus. Tests should each construct their own so that
// subscriptions do not leak between cases; production code may share a
// single process-wide instance.
func New() *Bus {
	b := &Bus{
		subs:  make(map[string][]subscriber),
		queue: make(chan job, 256),
	}
	b.subs[InternalError] = nil
	return b
}

// Register adds a subscriber for event name. When ordered is true,
// callbacks registered for the same name fire sequentially in registration
// order; otherwise they fan out concurrently with no ordering guarantee.
func (b *Bus) Register(name string, cb Callback, ordered bool) {
	if name == "" {
		panic("bus: event name is empty")
	}
	if cb == nil {
		panic("bus: callback is nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[name] = append(b.subs[name], subscriber{cb: cb, ordered: ordered})
}

// Unregister removes every subscription for name whose callback pointer
// matches cb. It is a no-op if the event or callback is unknown.
func (b *Bus) Unregister(name string, cb Callback) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[name]
	if len(subs) == 0 {
		return
	}

	target := reflect.ValueOf(cb).Pointer()
	filtered := subs[:0:0]
	for _, s := range subs {
		if reflect.ValueOf(s.cb).Pointer() == target {
			continue
		}
		filtered = append(filtered, s)
	}
	b.subs[name] = filtered
}

// Reset clears every subscription, including internal_error's.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]subscriber)
	b.subs[InternalError] = nil
}

// Fire enqueues one delivery of event name with args. It never blocks on
// subscriber execution and returns as soon as the job is queued.
func (b *Bus) Fire(name string, args ...interface{}) {
	if name == "" {
		panic("bus: event name is empty")
	}
	b.queue <- job{name: name, args: args}
}

// Start runs the consumer loop until Stop is called. Only one consumer may
// be active at a time; Start blocks concurrent callers out via an internal
// mutex, mirroring the asyncio.Lock used by the source event loop.
func (b *Bus) Start() {
	b.running.Lock()
	defer b.running.Unlock()

	b.done = make(chan struct{})
	plog.Info("event bus started")
	for {
		select {
		case j, ok := <-b.queue:
			if !ok {
				plog.Info("event bus completed")
				return
			}
			b.deliver(j)
		case <-b.done:
			// drain whatever is already queued, then return.
			for {
				select {
				case j := <-b.queue:
					b.deliver(j)
				default:
					plog.Info("event bus completed")
					return
				}
			}
		}
	}
}

// Stop signals the consumer to drain the remaining queue and return. It
// blocks until the consumer loop has fully drained and exited.
func (b *Bus) Stop() {
	if b.done == nil {
		return
	}
	close(b.done)
	// Acquire and release running to block until Start's loop has
	// observed the close and finished draining.
	b.running.Lock()
	b.running.Unlock()
}

func (b *Bus) deliver(j job) {
	b.mu.RLock()
	subs := append([]subscriber(nil), b.subs[j.name]...)
	b.mu.RUnlock()

	if len(subs) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, s := range subs {
		if s.ordered {
			b.invoke(s.cb, j.name, j.args)
			continue
		}
		wg.Add(1)
		go func(cb Callback) {
			defer wg.Done()
			b.invoke(cb, j.name, j.args)
		}(s.cb)
	}
	wg.Wait()
}

// invoke calls cb, recovering any panic and reflecting it onto
// internal_error together with the name of the event being delivered.
// Panics raised by internal_error subscribers themselves are swallowed.
func (b *Bus) invoke(cb Callback, eventName string, args []interface{}) {
	defer func() {
		if r := recover(); r != nil {
			if eventName == InternalError {
				plog.Errorf("internal_error subscriber panicked: %v", r)
				return
			}
			plog.Errorf("subscriber for %q panicked: %v", eventName, r)
			b.fireInternalError(r, eventName)
		}
	}()
	cb(args...)
}

func (b *Bus) fireInternalError(cause interface{}, failingEvent string) {
	b.mu.RLock()
	subs := append([]subscriber(nil), b.subs[InternalError]...)
	b.mu.RUnlock()

	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					plog.Errorf("internal_error subscriber panicked: %v", r)
				}
			}()
			s.cb(cause, failingEvent)
		}()
	}
}
