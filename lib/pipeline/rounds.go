// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/chorus/lib/approval"
	"github.com/bureau-foundation/chorus/lib/eventbus"
	"github.com/bureau-foundation/chorus/lib/schema"
	"github.com/bureau-foundation/chorus/lib/tool"
)

// executeRound gates sensitive calls through the approval station,
// then runs the permitted calls concurrently and reassembles all
// results — including denials — in the model's call order.
func (state *variantState) executeRound(ctx context.Context, calls []schema.ToolCall) (tool.RoundResult, error) {
	permitted := make([]schema.ToolCall, 0, len(calls))
	permittedIndex := make([]int, 0, len(calls))
	denied := make(map[int]schema.ToolResult)

	for i, call := range calls {
		gated, err := state.requiresApproval(call)
		if err != nil {
			// Unknown tool: let ExecuteRound produce the error
			// result so the model sees the same message gated and
			// ungated calls would.
			permitted = append(permitted, call)
			permittedIndex = append(permittedIndex, i)
			continue
		}
		if !gated {
			permitted = append(permitted, call)
			permittedIndex = append(permittedIndex, i)
			continue
		}

		outcome, err := state.awaitApproval(ctx, call)
		if err != nil {
			return tool.RoundResult{}, err
		}
		if outcome.Decision == approval.Approved {
			permitted = append(permitted, call)
			permittedIndex = append(permittedIndex, i)
			continue
		}
		reason := "denied by approver"
		if outcome.State == approval.StateTimedOut {
			reason = "approval timed out; denied by default"
		}
		denied[i] = schema.ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("tool %s not executed: %s", call.Name, reason),
			IsError:    true,
		}
	}

	executed := state.registry.ExecuteRound(ctx, permitted)
	if executed.Fatal != nil {
		return tool.RoundResult{}, executed.Fatal
	}

	round := tool.RoundResult{
		Results:  make([]schema.ToolResult, len(calls)),
		Continue: executed.Continue,
		Complete: executed.Complete,
	}
	for position, originalIndex := range permittedIndex {
		round.Results[originalIndex] = executed.Results[position]
	}
	for i, result := range denied {
		round.Results[i] = result
	}
	return round, nil
}

// requiresApproval resolves the call's executor sensitivity. Unknown
// tools return an error so the caller can fall through to the
// registry's uniform unknown-tool handling.
func (state *variantState) requiresApproval(call schema.ToolCall) (bool, error) {
	executor, err := state.registry.Lookup(call.Name)
	if err != nil {
		return false, err
	}
	return executor.Sensitivity() == tool.RequiresApproval, nil
}

// awaitApproval registers the request, announces it, and suspends
// until a decision arrives or the deadline degrades the request to
// the station default. The request is registered before any event is
// published, so a responder can never answer a request the station
// does not know.
func (state *variantState) awaitApproval(ctx context.Context, call schema.ToolCall) (approval.Outcome, error) {
	station := state.engine.config.Station
	request := station.Create(call)

	state.emitBlock(schema.Block{
		Kind:     schema.BlockApprovalRequest,
		Content:  request.ID,
		ToolCall: &call,
	})
	state.engine.config.Bus.PublishSession(eventbus.SessionEvent{
		Type:       eventbus.ApprovalRequested,
		SessionID:  state.input.SessionID,
		MessageID:  state.input.MessageID,
		VariantID:  state.input.VariantID,
		ApprovalID: request.ID,
	})
	state.logger.Info("awaiting approval", "tool", call.Name, "request", request.ID)

	outcome, err := station.Wait(ctx, request)
	if err != nil {
		return approval.Outcome{}, err
	}
	state.logger.Info("approval resolved",
		"tool", call.Name,
		"request", request.ID,
		"decision", outcome.Decision,
		"state", outcome.State,
	)
	return outcome, nil
}

// emitToolResults records one tool_result block per result, in call
// order.
func (state *variantState) emitToolResults(results []schema.ToolResult) {
	for i := range results {
		result := results[i]
		state.emitBlock(schema.Block{
			Kind:       schema.BlockToolResult,
			Content:    result.Content,
			ToolResult: &result,
		})
	}
}
