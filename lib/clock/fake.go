// Copyright 2026 The Crowdplay Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at the given time. Time moves only
// when Advance is called; every After, Sleep, and Ticker registers a
// pending waiter that fires when the clock passes its deadline.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	fake := &FakeClock{now: initial}
	fake.registered = sync.NewCond(&fake.mu)
	return fake
}

// FakeClock is a deterministic Clock for tests. The usual pattern:
//
//	go component.Run(ctx)            // registers a ticker or sleep
//	fake.WaitForTimers(1)            // wait for the registration
//	fake.Advance(2 * time.Second)    // fire it deterministically
type FakeClock struct {
	mu         sync.Mutex
	now        time.Time
	pending    []*waiter
	registered *sync.Cond
}

// waiter is one pending After, Sleep, or Ticker deadline.
type waiter struct {
	deadline time.Time
	ch       chan time.Time

	// every is non-zero for tickers; the waiter is rescheduled at
	// deadline + every after each fire.
	every time.Duration

	cancelled bool
}

// Now returns the current fake time.
func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Since returns the fake time elapsed since t.
func (f *FakeClock) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

// After returns a channel that receives once the clock advances past
// the deadline. If d <= 0, the channel receives immediately.
func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.pending = append(f.pending, &waiter{deadline: f.now.Add(d), ch: ch})
	f.registered.Broadcast()
	return ch
}

// NewTicker returns a Ticker that fires each time the clock advances
// past a multiple of d. Panics if d <= 0.
func (f *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	tick := &waiter{deadline: f.now.Add(d), ch: ch, every: d}
	f.pending = append(f.pending, tick)
	f.registered.Broadcast()

	return &Ticker{
		C: ch,
		stop: func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			tick.cancelled = true
		},
		reset: func(d time.Duration) {
			f.mu.Lock()
			defer f.mu.Unlock()
			tick.every = d
			tick.deadline = f.now.Add(d)
			tick.cancelled = false
		},
	}
}

// Sleep blocks the calling goroutine until the clock advances past the
// deadline. Returns immediately if d <= 0.
func (f *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-f.After(d)
}

// Advance moves the clock forward by d and fires, in deadline order,
// every waiter whose deadline now lies in the past. Tickers fire once
// per elapsed interval; sends are non-blocking, so ticks beyond the
// channel's capacity of 1 are dropped exactly as with time.Ticker.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	target := f.now
	f.mu.Unlock()

	for {
		due := f.popEarliest(target)
		if due == nil {
			return
		}
		select {
		case due.ch <- due.deadline:
		default:
		}
	}
}

// popEarliest removes and returns the earliest waiter due at or before
// target, rescheduling tickers in place. Returns nil when nothing is
// due. Firing one waiter at a time keeps multi-interval ticker
// catch-up and interleaved one-shot deadlines strictly ordered.
func (f *FakeClock) popEarliest(target time.Time) *waiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	var earliest *waiter
	earliestIndex := -1
	for index, w := range f.pending {
		if w.cancelled || w.deadline.After(target) {
			continue
		}
		if earliest == nil || w.deadline.Before(earliest.deadline) {
			earliest = w
			earliestIndex = index
		}
	}
	if earliest == nil {
		f.compactLocked()
		return nil
	}

	if earliest.every > 0 {
		// Hand the caller a snapshot so the reschedule below does not
		// change the fire time it sends.
		fired := &waiter{deadline: earliest.deadline, ch: earliest.ch}
		earliest.deadline = earliest.deadline.Add(earliest.every)
		return fired
	}
	f.pending = append(f.pending[:earliestIndex], f.pending[earliestIndex+1:]...)
	return earliest
}

// compactLocked drops cancelled waiters. Must be called with mu held.
func (f *FakeClock) compactLocked() {
	kept := f.pending[:0]
	for _, w := range f.pending {
		if !w.cancelled {
			kept = append(kept, w)
		}
	}
	f.pending = kept
}

// WaitForTimers blocks until at least n waiters are pending. This
// removes the race between a goroutine registering its ticker or sleep
// and the test advancing the clock.
func (f *FakeClock) WaitForTimers(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.pendingLocked() < n {
		f.registered.Wait()
	}
}

// PendingCount returns the number of active pending waiters.
func (f *FakeClock) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingLocked()
}

func (f *FakeClock) pendingLocked() int {
	count := 0
	for _, w := range f.pending {
		if !w.cancelled {
			count++
		}
	}
	return count
}
