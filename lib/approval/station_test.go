// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/chorus/lib/clock"
	"github.com/bureau-foundation/chorus/lib/schema"
	"github.com/bureau-foundation/chorus/lib/testutil"
)

var testEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func testCall() schema.ToolCall {
	return schema.ToolCall{ID: schema.NewToolCallID(), Name: "fs_write"}
}

func TestFulfilDeliversToWaiter(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(testEpoch)
	station := NewStation(fake, 0, "")
	request := station.Create(testCall())

	outcomes := make(chan Outcome, 1)
	go func() {
		outcome, err := station.Wait(context.Background(), request)
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
		outcomes <- outcome
	}()

	if _, err := station.Fulfil(request.ID, Approved); err != nil {
		t.Fatalf("Fulfil: %v", err)
	}

	outcome := testutil.RequireReceive(t, outcomes, "waiter outcome")
	if outcome.Decision != Approved || outcome.State != StateResolved {
		t.Errorf("outcome: %+v", outcome)
	}
	if station.Pending() != 0 {
		t.Errorf("pending %d after collection", station.Pending())
	}
}

func TestTimeoutDegradesToDefaultDecision(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(testEpoch)
	station := NewStation(fake, 30*time.Second, Denied)
	request := station.Create(testCall())

	outcomes := make(chan Outcome, 1)
	go func() {
		outcome, err := station.Wait(context.Background(), request)
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
		outcomes <- outcome
	}()

	fake.WaitForWaiters(1)
	fake.Advance(30 * time.Second)

	outcome := testutil.RequireReceive(t, outcomes, "timeout outcome")
	if outcome.Decision != Denied || outcome.State != StateTimedOut {
		t.Errorf("outcome: %+v", outcome)
	}

	// A late fulfil is a no-op: the request is gone.
	if _, err := station.Fulfil(request.ID, Approved); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("late Fulfil error = %v, want ErrUnknownRequest", err)
	}
}

func TestTimeoutDefaultApprove(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(testEpoch)
	station := NewStation(fake, time.Minute, Denied)
	request := station.Create(testCall(),
		WithTimeout(5*time.Second),
		WithDefaultDecision(Approved))

	outcomes := make(chan Outcome, 1)
	go func() {
		outcome, _ := station.Wait(context.Background(), request)
		outcomes <- outcome
	}()

	fake.WaitForWaiters(1)
	fake.Advance(5 * time.Second)

	outcome := testutil.RequireReceive(t, outcomes, "auto-pick outcome")
	if outcome.Decision != Approved || outcome.State != StateTimedOut {
		t.Errorf("outcome: %+v", outcome)
	}
}

func TestRacingFulfilsObserveOneDecision(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(testEpoch)
	station := NewStation(fake, 0, "")
	request := station.Create(testCall())

	outcomes := make(chan Outcome, 1)
	go func() {
		outcome, _ := station.Wait(context.Background(), request)
		outcomes <- outcome
	}()

	// Race approve and deny from many goroutines. Every caller must
	// observe the same terminal outcome.
	const racers = 16
	observed := make([]Outcome, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			decision := Approved
			if index%2 == 1 {
				decision = Denied
			}
			outcome, err := station.Fulfil(request.ID, decision)
			if err != nil {
				// The waiter may have collected and removed the
				// request between racers; that is the documented
				// late-fulfil no-op.
				if !errors.Is(err, ErrUnknownRequest) {
					t.Errorf("Fulfil: %v", err)
				}
				observed[index] = Outcome{}
				return
			}
			observed[index] = outcome
		}(i)
	}
	wg.Wait()

	winner := testutil.RequireReceive(t, outcomes, "waiter outcome")
	for index, outcome := range observed {
		if outcome.State == "" {
			continue // late no-op
		}
		if outcome != winner {
			t.Errorf("racer %d observed %+v, waiter observed %+v", index, outcome, winner)
		}
	}
}

func TestWaitCancellation(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(testEpoch)
	station := NewStation(fake, 0, "")
	request := station.Create(testCall())

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := station.Wait(ctx, request)
		errs <- err
	}()

	cancel()
	err := testutil.RequireReceive(t, errs, "cancelled wait")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error %v, want context.Canceled", err)
	}
	if station.Pending() != 0 {
		t.Error("cancelled request still pending")
	}
}

func TestFulfilUnknownRequest(t *testing.T) {
	t.Parallel()

	station := NewStation(clock.Fake(testEpoch), 0, "")
	if _, err := station.Fulfil("apr_missing", Approved); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("error %v, want ErrUnknownRequest", err)
	}
}
