// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bureau-foundation/chorus/lib/llm"
	"github.com/bureau-foundation/chorus/lib/pipeline"
	"github.com/bureau-foundation/chorus/lib/schema"
)

// activate runs one agent turn: drain a capped batch from the inbox,
// feed it to the pipeline as a user message, persist the resulting
// blocks, and account the outcome against the retry ceiling. The
// agent was marked running by the caller; activate always returns it
// to idle or error.
func (coordinator *Coordinator) activate(ctx context.Context, state *agentState) {
	name := state.persisted.Name
	logger := coordinator.logger.With("agent", name)

	drained := state.inbox.drain(state.definition.DrainLimit)
	if len(drained) == 0 {
		coordinator.finishActivation(ctx, state, nil)
		return
	}

	input, err := coordinator.prepareTurn(ctx, state, drained)
	if err != nil {
		logger.Error("preparing turn failed", "error", err)
		coordinator.finishActivation(ctx, state, err)
		return
	}

	logger.Info("agent activated",
		"messages", len(drained), "session", input.SessionID)

	if err := coordinator.store.SaveVariantState(ctx, schema.Variant{
		ID:        input.VariantID,
		Status:    schema.VariantStreaming,
		UpdatedAt: coordinator.clock.Now(),
	}); err != nil {
		logger.Error("marking variant streaming failed", "error", err)
	}

	outcome, err := state.runner.Run(ctx, input)
	if outcome.Status == "" && errors.Is(err, context.Canceled) {
		outcome.Status = schema.VariantCancelled
	}

	// Persistence outlives the run context: a turn cut by shutdown
	// still records its blocks and final agent state.
	persistCtx := context.WithoutCancel(ctx)
	if persistErr := coordinator.persistTurn(persistCtx, state, input, outcome); persistErr != nil {
		logger.Error("persisting turn failed", "error", persistErr)
	}

	if err == nil && outcome.Status == schema.VariantError {
		err = fmt.Errorf("turn for %q ended in variant error", name)
	}
	switch {
	case err == nil:
		state.mergeAssistantResponse(outcome)
		logger.Info("turn complete",
			"rounds", outcome.Rounds, "blocks", len(outcome.Blocks),
			"truncated", outcome.Truncated)
	case errors.Is(err, context.Canceled):
		logger.Info("turn cancelled")
	default:
		logger.Warn("turn failed", "error", err)
	}
	coordinator.finishActivation(persistCtx, state, err)
}

// prepareTurn creates the persistence scaffolding for one turn: the
// agent's session on first activation, then a user message for the
// drained batch, an assistant message, and its variant.
func (coordinator *Coordinator) prepareTurn(ctx context.Context, state *agentState, drained []InboxMessage) (pipeline.TurnInput, error) {
	now := coordinator.clock.Now()

	if state.sessionID == "" {
		session := schema.Session{
			ID:        schema.NewSessionID(),
			Title:     fmt.Sprintf("%s/%s", coordinator.definition.Name, state.persisted.Name),
			State:     schema.SessionActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := coordinator.store.CreateSession(ctx, session); err != nil {
			return pipeline.TurnInput{}, fmt.Errorf("creating session: %w", err)
		}
		state.sessionID = session.ID
	}

	batch := formatBatch(drained)
	userMessage := schema.Message{
		ID:        schema.NewMessageID(),
		SessionID: state.sessionID,
		Role:      schema.RoleUser,
		CreatedAt: now,
	}
	if err := coordinator.store.AppendMessage(ctx, &userMessage); err != nil {
		return pipeline.TurnInput{}, fmt.Errorf("appending user message: %w", err)
	}

	assistantMessage := schema.Message{
		ID:        schema.NewMessageID(),
		SessionID: state.sessionID,
		Role:      schema.RoleAssistant,
		CreatedAt: now,
	}
	if err := coordinator.store.AppendMessage(ctx, &assistantMessage); err != nil {
		return pipeline.TurnInput{}, fmt.Errorf("appending assistant message: %w", err)
	}

	variant := schema.Variant{
		ID:        schema.NewVariantID(),
		MessageID: assistantMessage.ID,
		Status:    schema.VariantPending,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := coordinator.store.CreateVariant(ctx, variant); err != nil {
		return pipeline.TurnInput{}, fmt.Errorf("creating variant: %w", err)
	}

	state.history = append(state.history, llmHistory{role: "user", text: batch})

	history := make([]llm.Message, 0, len(state.history))
	for _, entry := range state.history {
		switch entry.role {
		case "user":
			history = append(history, llm.UserMessage(entry.text))
		case "assistant":
			history = append(history, llm.Message{
				Role:    llm.RoleAssistant,
				Content: []llm.ContentBlock{llm.TextBlock(entry.text)},
			})
		}
	}

	return pipeline.TurnInput{
		SessionID: state.sessionID,
		MessageID: assistantMessage.ID,
		VariantID: variant.ID,
		History:   history,
	}, nil
}

// persistTurn writes the turn's blocks and final variant status.
func (coordinator *Coordinator) persistTurn(ctx context.Context, state *agentState, input pipeline.TurnInput, outcome pipeline.TurnOutcome) error {
	for index := range outcome.Blocks {
		block := outcome.Blocks[index]
		if err := coordinator.store.AppendBlock(ctx, &block); err != nil {
			return fmt.Errorf("appending block %s: %w", block.ID, err)
		}
	}

	status := outcome.Status
	if status == "" {
		status = schema.VariantError
	}
	variant := schema.Variant{
		ID:        input.VariantID,
		Status:    status,
		UpdatedAt: coordinator.clock.Now(),
	}
	if err := coordinator.store.SaveVariantState(ctx, variant); err != nil {
		return fmt.Errorf("saving variant state: %w", err)
	}
	return nil
}

// finishActivation applies retry accounting and returns the agent to
// idle, or parks it in the error state at the retry ceiling.
// Cancellation is a normal terminal state, not a failure: a turn cut
// by shutdown returns the agent to idle with the retry counter
// untouched, so restarts never burn retries.
func (coordinator *Coordinator) finishActivation(ctx context.Context, state *agentState, turnErr error) {
	coordinator.mu.Lock()
	defer coordinator.mu.Unlock()

	name := state.persisted.Name
	if turnErr == nil {
		state.persisted.RetryCount = 0
		state.persisted.Status = schema.AgentIdle
	} else if errors.Is(turnErr, context.Canceled) {
		state.persisted.Status = schema.AgentIdle
	} else {
		state.persisted.RetryCount++
		if state.persisted.RetryCount >= state.definition.RetryLimit {
			state.persisted.Status = schema.AgentError
			coordinator.logger.Error("agent parked after retry ceiling",
				"agent", name, "retries", state.persisted.RetryCount)
		} else {
			state.persisted.Status = schema.AgentIdle
		}
	}
	state.persisted.UpdatedAt = coordinator.clock.Now()

	if err := coordinator.store.SaveAgent(ctx, state.persisted); err != nil {
		coordinator.logger.Error("persisting agent state failed", "agent", name, "error", err)
	}
}

// mergeAssistantResponse folds the turn's text content into the
// agent's running history so later activations carry the full
// conversation.
func (state *agentState) mergeAssistantResponse(outcome pipeline.TurnOutcome) {
	var parts []string
	for _, block := range outcome.Blocks {
		if block.Kind == schema.BlockContent && block.Content != "" {
			parts = append(parts, block.Content)
		}
	}
	if outcome.Summary != "" {
		parts = append(parts, outcome.Summary)
	}
	if len(parts) == 0 {
		return
	}
	state.history = append(state.history, llmHistory{
		role: "assistant",
		text: strings.Join(parts, "\n\n"),
	})
}

// formatBatch renders a drained inbox batch as one user message. Each
// entry is attributed to its sender so the model can distinguish
// operator instructions from peer-agent handoffs.
func formatBatch(drained []InboxMessage) string {
	if len(drained) == 1 {
		return fmt.Sprintf("[%s] %s", drained[0].From, drained[0].Text)
	}
	var builder strings.Builder
	for index, message := range drained {
		if index > 0 {
			builder.WriteString("\n\n")
		}
		fmt.Fprintf(&builder, "[%s] %s", message.From, message.Text)
	}
	return builder.String()
}
