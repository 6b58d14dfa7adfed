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

package sut

import (
	"context"
	"sync"
)

// TaintedCache guards a single concurrent read of
// /proc/sys/kernel/tainted so that concurrent GetTainted callers share
// one kernel read instead of issuing one command per caller (§5). Per
// the Open Question decision in DESIGN.md, every caller that arrives
// while a read is in flight observes that read's result -- none are
// dropped, unlike the one-slot-queue source this is grounded on.
type TaintedCache struct {
	mu      sync.Mutex
	reading bool
	done    chan struct{}
	code    int
	msgs    []string
	err     error
}

// Get returns the cached (code, messages) pair, issuing read only if no
// read is currently in flight; otherwise it waits for the in-flight
// read and returns its result.
func (c *TaintedCache) Get(ctx context.Context, read func(context.Context) (int, []string, error)) (int, []string, error) {
	c.mu.Lock()
	if c.reading {
		done := c.done
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		}
		c.mu.Lock()
		code, msgs, err := c.code, c.msgs, c.err
		c.mu.Unlock()
		return code, msgs, err
	}

	c.reading = true
	c.done = make(chan struct{})
	c.mu.Unlock()

	code, msgs, err := read(ctx)

	c.mu.Lock()
	c.code, c.msgs, c.err = code, msgs, err
	c.reading = false
	close(c.done)
	c.mu.Unlock()

	return code, msgs, err
}
