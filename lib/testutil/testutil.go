// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides channel-wait helpers shared by engine
// tests. Every blocking receive or send in a test goes through these
// helpers so that a broken synchronization path fails the test with a
// message instead of hanging the test binary.
package testutil

import (
	"testing"
	"time"
)

// WaitTimeout is the safety-valve timeout for test channel operations.
// Generous because CI machines are slow; tests that pass never wait
// this long.
const WaitTimeout = 5 * time.Second

// RequireReceive reads one value from channel within WaitTimeout or
// fails the test.
func RequireReceive[T any](t testing.TB, channel <-chan T, description string) T {
	t.Helper()
	select {
	case value, ok := <-channel:
		if !ok {
			t.Fatalf("channel closed without a value: %s", description)
		}
		return value
	case <-time.After(WaitTimeout): //nolint:realclock test hang prevention
		t.Fatalf("timed out after %v: %s", WaitTimeout, description)
	}
	panic("unreachable")
}

// RequireSend sends value on channel within WaitTimeout or fails the
// test.
func RequireSend[T any](t testing.TB, channel chan<- T, value T, description string) {
	t.Helper()
	select {
	case channel <- value:
	case <-time.After(WaitTimeout): //nolint:realclock test hang prevention
		t.Fatalf("timed out after %v sending: %s", WaitTimeout, description)
	}
}

// RequireClosed waits for channel to close (or deliver a value) within
// WaitTimeout or fails the test. Use for done channels that signal by
// closing.
func RequireClosed(t testing.TB, channel <-chan struct{}, description string) {
	t.Helper()
	select {
	case <-channel:
	case <-time.After(WaitTimeout): //nolint:realclock test hang prevention
		t.Fatalf("timed out after %v waiting for close: %s", WaitTimeout, description)
	}
}

// RequireNoReceive asserts that channel delivers nothing within the
// given grace period. Used to verify isolation properties (an event
// that must NOT arrive).
func RequireNoReceive[T any](t testing.TB, channel <-chan T, grace time.Duration, description string) {
	t.Helper()
	select {
	case value := <-channel:
		t.Fatalf("unexpected value %v: %s", value, description)
	case <-time.After(grace): //nolint:realclock bounded negative assertion
	}
}
