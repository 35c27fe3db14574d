// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bureau-foundation/chorus/lib/schema"
)

// RoundResult aggregates one round of tool execution.
type RoundResult struct {
	// Results holds one entry per call, in the order the model
	// emitted the calls.
	Results []schema.ToolResult

	// Continue is set when any executor emitted SignalContinue.
	Continue bool

	// Complete is set when any executor emitted SignalComplete.
	Complete bool

	// Fatal is the first non-recoverable executor failure, if any.
	// When set the round's results must not be fed back to the model.
	Fatal error
}

// ExecuteRound runs the calls of one model round. Independent calls
// execute concurrently, each under its executor's timeout; results
// land at the index of their originating call. Unknown tool names and
// recoverable execution failures become IsError results so the model
// can observe and correct them.
func (registry *Registry) ExecuteRound(ctx context.Context, calls []schema.ToolCall) RoundResult {
	results := make([]schema.ToolResult, len(calls))
	outcomes := make([]Outcome, len(calls))
	fatals := make([]error, len(calls))

	var group sync.WaitGroup
	for i, call := range calls {
		group.Add(1)
		go func() {
			defer group.Done()
			outcomes[i], fatals[i] = registry.executeCall(ctx, call)
			results[i] = schema.ToolResult{
				ToolCallID: call.ID,
				Content:    outcomes[i].Content,
				IsError:    outcomes[i].IsError,
			}
		}()
	}
	group.Wait()

	round := RoundResult{Results: results}
	for i := range calls {
		if fatals[i] != nil && round.Fatal == nil {
			round.Fatal = fatals[i]
		}
		switch outcomes[i].Signal {
		case SignalContinue:
			round.Continue = true
		case SignalComplete:
			round.Complete = true
		}
	}
	return round
}

// executeCall dispatches one call. The returned error is non-nil only
// for turn-fatal failures; everything else is folded into the Outcome.
func (registry *Registry) executeCall(ctx context.Context, call schema.ToolCall) (Outcome, error) {
	executor, err := registry.Lookup(call.Name)
	if err != nil {
		return Outcome{Content: err.Error(), IsError: true}, nil
	}

	timeout := executor.Timeout()
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcome, err := executor.Execute(callCtx, call)
	if err != nil {
		wrapped := &ExecutionError{Tool: call.Name, Err: err}
		if marker, ok := executor.(NonRecoverable); ok && marker.NonRecoverable() {
			return Outcome{Content: wrapped.Error(), IsError: true}, wrapped
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return Outcome{
				Content: fmt.Sprintf("tool %s timed out after %s", call.Name, timeout),
				IsError: true,
			}, nil
		}
		return Outcome{Content: wrapped.Error(), IsError: true}, nil
	}
	return outcome, nil
}
