// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction so that code
// built on timers and deadlines can be tested deterministically.
//
// Production code accepts a Clock parameter (or holds one in a struct
// field) instead of calling time.Now, time.After, time.NewTicker, or
// time.Sleep directly. Real() provides standard library behavior;
// Fake() provides a clock that advances only under test control.
package clock

import "time"

// Clock abstracts the subset of the time package used by the engine:
// reading the current time, one-shot timer channels, periodic tickers,
// and sleeping.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d has elapsed. If d <= 0 the channel receives
	// immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker delivering ticks at the given
	// interval. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker

	// Sleep pauses the calling goroutine for at least duration d.
	Sleep(d time.Duration)
}

// Ticker delivers periodic ticks on C. Call Stop to release the
// underlying timer. C is buffered with capacity 1; ticks are dropped,
// not queued, when the consumer falls behind.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. No further ticks are delivered after
// Stop returns. Stop does not close C.
func (t *Ticker) Stop() { t.stopFunc() }
