// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var testEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	t.Parallel()

	fake := Fake(testEpoch)
	channel := fake.After(5 * time.Second)

	select {
	case <-channel:
		t.Fatal("timer fired before Advance")
	default:
	}

	fake.Advance(5 * time.Second)

	select {
	case fired := <-channel:
		if !fired.Equal(testEpoch.Add(5 * time.Second)) {
			t.Errorf("fired at %v, want %v", fired, testEpoch.Add(5*time.Second))
		}
	default:
		t.Fatal("timer did not fire after Advance")
	}
}

func TestFakeAfterNonPositiveDeliversImmediately(t *testing.T) {
	t.Parallel()

	fake := Fake(testEpoch)
	select {
	case <-fake.After(0):
	default:
		t.Fatal("After(0) did not deliver immediately")
	}
}

func TestFakeTickerFiresRepeatedly(t *testing.T) {
	t.Parallel()

	fake := Fake(testEpoch)
	ticker := fake.NewTicker(time.Second)
	defer ticker.Stop()

	for i := 1; i <= 3; i++ {
		fake.Advance(time.Second)
		select {
		case tick := <-ticker.C:
			want := testEpoch.Add(time.Duration(i) * time.Second)
			if !tick.Equal(want) {
				t.Errorf("tick %d at %v, want %v", i, tick, want)
			}
		default:
			t.Fatalf("ticker did not fire on advance %d", i)
		}
	}
}

func TestFakeTickerStopPreventsFurtherTicks(t *testing.T) {
	t.Parallel()

	fake := Fake(testEpoch)
	ticker := fake.NewTicker(time.Second)
	ticker.Stop()

	fake.Advance(5 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestFakeSleepWakesOnAdvance(t *testing.T) {
	t.Parallel()

	fake := Fake(testEpoch)
	done := make(chan struct{})
	go func() {
		fake.Sleep(10 * time.Second)
		close(done)
	}()

	fake.WaitForWaiters(1)
	fake.Advance(10 * time.Second)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Sleep did not return after Advance")
	}
}

func TestFakeAdvanceFiresInDeadlineOrder(t *testing.T) {
	t.Parallel()

	fake := Fake(testEpoch)
	late := fake.After(3 * time.Second)
	early := fake.After(time.Second)

	fake.Advance(5 * time.Second)

	earlyFired := <-early
	lateFired := <-late
	if !earlyFired.Before(lateFired) {
		t.Errorf("waiters fired out of order: early %v, late %v", earlyFired, lateFired)
	}
}
