// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock initialized to the given time. Time stands
// still until Advance is called. After, NewTicker, and Sleep register
// pending waiters that fire when the clock advances past their
// deadline.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	fake := &FakeClock{current: initial}
	fake.waitersChanged = sync.NewCond(&fake.mu)
	return fake
}

// FakeClock is a deterministic Clock for tests. Use WaitForWaiters to
// block until goroutines under test have registered their timers, then
// Advance to fire them in deadline order. This removes the race between
// timer registration and time advancement that plagues tests built on
// real sleeps.
type FakeClock struct {
	mu             sync.Mutex
	waitersChanged *sync.Cond
	current        time.Time
	waiters        []*fakeWaiter
}

// fakeWaiter is a pending timer registered on a FakeClock. For tickers,
// interval is non-zero and the waiter is rescheduled after each fire.
type fakeWaiter struct {
	deadline time.Time
	channel  chan time.Time
	interval time.Duration
	stopped  bool
}

// Now returns the fake clock's current time.
func (fake *FakeClock) Now() time.Time {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return fake.current
}

// After returns a channel that receives the (fake) current time once
// the clock has been advanced past the deadline. A non-positive
// duration delivers immediately.
func (fake *FakeClock) After(d time.Duration) <-chan time.Time {
	fake.mu.Lock()
	defer fake.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- fake.current
		return channel
	}
	fake.addWaiter(&fakeWaiter{deadline: fake.current.Add(d), channel: channel})
	return channel
}

// NewTicker returns a Ticker that fires each time the clock advances
// past the next interval boundary. Panics if d <= 0, matching
// time.NewTicker.
func (fake *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()

	waiter := &fakeWaiter{
		deadline: fake.current.Add(d),
		channel:  make(chan time.Time, 1),
		interval: d,
	}
	fake.addWaiter(waiter)

	return &Ticker{
		C: waiter.channel,
		stopFunc: func() {
			fake.mu.Lock()
			defer fake.mu.Unlock()
			waiter.stopped = true
			fake.removeWaiter(waiter)
		},
	}
}

// Sleep blocks the calling goroutine until the clock is advanced past
// the deadline. A non-positive duration returns immediately.
func (fake *FakeClock) Sleep(d time.Duration) {
	<-fake.After(d)
}

// Advance moves the clock forward by d, firing all waiters whose
// deadlines fall within the advanced window, in deadline order.
// Tickers are rescheduled and may fire multiple times during one
// Advance call.
func (fake *FakeClock) Advance(d time.Duration) {
	fake.mu.Lock()
	defer fake.mu.Unlock()

	target := fake.current.Add(d)
	for {
		next := fake.earliestWaiter()
		if next == nil || next.deadline.After(target) {
			break
		}
		fake.current = next.deadline
		select {
		case next.channel <- fake.current:
		default:
			// Ticker consumer fell behind; drop the tick.
		}
		if next.interval > 0 && !next.stopped {
			next.deadline = next.deadline.Add(next.interval)
		} else {
			fake.removeWaiter(next)
		}
	}
	fake.current = target
}

// WaitForWaiters blocks until at least count timers are registered on
// the clock. Call this before Advance when the timers are registered by
// goroutines started in the test.
func (fake *FakeClock) WaitForWaiters(count int) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	for len(fake.waiters) < count {
		fake.waitersChanged.Wait()
	}
}

// addWaiter registers a waiter. Caller holds mu.
func (fake *FakeClock) addWaiter(waiter *fakeWaiter) {
	fake.waiters = append(fake.waiters, waiter)
	fake.waitersChanged.Broadcast()
}

// removeWaiter unregisters a waiter. Caller holds mu.
func (fake *FakeClock) removeWaiter(waiter *fakeWaiter) {
	for i, candidate := range fake.waiters {
		if candidate == waiter {
			fake.waiters = append(fake.waiters[:i], fake.waiters[i+1:]...)
			return
		}
	}
}

// earliestWaiter returns the waiter with the earliest deadline, or nil
// when none are registered. Caller holds mu.
func (fake *FakeClock) earliestWaiter() *fakeWaiter {
	if len(fake.waiters) == 0 {
		return nil
	}
	sort.SliceStable(fake.waiters, func(i, j int) bool {
		return fake.waiters[i].deadline.Before(fake.waiters[j].deadline)
	})
	return fake.waiters[0]
}
