// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 The synced Authors

// Package debounce coalesces rapid local mutations into a single
// deferred flush.
package debounce

import (
	"sync"
	"time"
)

// Coordinator arms a trailing debounce window on every Notify and
// invokes the flush callback exactly once when the window expires
// without further notifications. Callers are never blocked: Notify
// only (re)arms a timer; the flush runs on its own goroutine.
//
// A zero window degenerates to "flush on the next scheduler tick",
// still asynchronously, so local writes stay synchronous either way.
type Coordinator struct {
	window time.Duration
	flush  func()

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	stopped bool
	wg      sync.WaitGroup
}

// New returns a coordinator calling flush after each quiet window.
func New(window time.Duration, flush func()) *Coordinator {
	return &Coordinator{window: window, flush: flush}
}

// Notify records that a mutation happened, arming the window or
// pushing an armed window further out.
func (c *Coordinator) Notify() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}

	c.gen++
	gen := c.gen
	c.cancelTimerLocked()
	c.wg.Add(1)
	c.timer = time.AfterFunc(c.window, func() {
		defer c.wg.Done()
		c.fire(gen)
	})
}

// fire runs the flush only when no newer notification superseded this
// timer and the coordinator is still live.
func (c *Coordinator) fire(gen uint64) {
	c.mu.Lock()
	if c.stopped || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()

	c.flush()
}

// FlushNow cancels any armed window and runs the flush synchronously.
// Used by manual sync so a pending window does not double-dispatch.
func (c *Coordinator) FlushNow() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.cancelTimerLocked()
	c.mu.Unlock()

	c.flush()
}

// Stop cancels any armed window and waits for an in-progress flush to
// return. After Stop the coordinator ignores further notifications.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.gen++
	c.cancelTimerLocked()
	c.mu.Unlock()

	c.wg.Wait()
}

// cancelTimerLocked stops an armed timer and settles its WaitGroup
// slot when the callback will no longer run. A timer that already
// fired settles its own slot inside the callback.
func (c *Coordinator) cancelTimerLocked() {
	if c.timer == nil {
		return
	}
	if c.timer.Stop() {
		c.wg.Done()
	}
	c.timer = nil
}
