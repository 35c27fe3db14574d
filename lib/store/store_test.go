// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/chorus/lib/schema"
	"github.com/bureau-foundation/chorus/lib/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{
		Path:     filepath.Join(t.TempDir(), "chorus.db"),
		PoolSize: 4,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func seedSession(t *testing.T, s *store.Store) (sessionID, messageID, variantID string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	session := schema.Session{
		ID:        schema.NewSessionID(),
		Title:     "test session",
		State:     schema.SessionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	message := schema.Message{
		ID:        schema.NewMessageID(),
		SessionID: session.ID,
		Role:      schema.RoleAssistant,
		CreatedAt: now,
	}
	if err := s.AppendMessage(ctx, &message); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	variant := schema.Variant{
		ID:        schema.NewVariantID(),
		MessageID: message.ID,
		Status:    schema.VariantPending,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.CreateVariant(ctx, variant); err != nil {
		t.Fatalf("CreateVariant: %v", err)
	}
	return session.ID, message.ID, variant.ID
}

func TestAppendBlockAssignsMonotonicSequence(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	sessionID, messageID, variantID := seedSession(t, s)
	ctx := context.Background()

	// Concurrent appends must still produce a gapless strictly
	// increasing sequence per (message, variant).
	const blockCount = 16
	var group sync.WaitGroup
	for i := 0; i < blockCount; i++ {
		group.Add(1)
		go func() {
			defer group.Done()
			block := schema.Block{
				ID:        schema.NewBlockID(),
				MessageID: messageID,
				VariantID: variantID,
				Kind:      schema.BlockContent,
				Status:    schema.BlockComplete,
				Content:   "chunk",
				CreatedAt: time.Now(),
				UpdatedAt: time.Now(),
			}
			if err := s.AppendBlock(ctx, &block); err != nil {
				t.Errorf("AppendBlock: %v", err)
			}
		}()
	}
	group.Wait()

	data, err := s.LoadSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if len(data.Blocks) != blockCount {
		t.Fatalf("blocks = %d, want %d", len(data.Blocks), blockCount)
	}
	for i, block := range data.Blocks {
		if block.Sequence != int64(i) {
			t.Fatalf("block %d has sequence %d, want %d", i, block.Sequence, i)
		}
	}
}

func TestBlockStatusMonotonic(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	_, messageID, variantID := seedSession(t, s)
	ctx := context.Background()

	block := schema.Block{
		ID:        schema.NewBlockID(),
		MessageID: messageID,
		VariantID: variantID,
		Kind:      schema.BlockContent,
		Status:    schema.BlockStreaming,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := s.AppendBlock(ctx, &block); err != nil {
		t.Fatalf("AppendBlock: %v", err)
	}

	if err := s.UpdateBlockStatus(ctx, block.ID, schema.BlockComplete, "final text", time.Now().UnixNano()); err != nil {
		t.Fatalf("UpdateBlockStatus to complete: %v", err)
	}

	// Terminal blocks admit no further transitions.
	err := s.UpdateBlockStatus(ctx, block.ID, schema.BlockCancelled, "", time.Now().UnixNano())
	if !schema.IsValidation(err) {
		t.Fatalf("terminal transition: got %v, want ValidationError", err)
	}
}

func TestDeleteLastVariantRejected(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	_, _, variantID := seedSession(t, s)

	err := s.DeleteVariant(context.Background(), variantID)
	if !errors.Is(err, store.ErrLastVariant) {
		t.Fatalf("DeleteVariant = %v, want ErrLastVariant", err)
	}
}

func TestDeleteActiveVariantPromotesSurvivor(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	sessionID, messageID, activeID := seedSession(t, s)
	ctx := context.Background()

	second := schema.Variant{
		ID:        schema.NewVariantID(),
		MessageID: messageID,
		Status:    schema.VariantComplete,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := s.CreateVariant(ctx, second); err != nil {
		t.Fatalf("CreateVariant: %v", err)
	}

	if err := s.DeleteVariant(ctx, activeID); err != nil {
		t.Fatalf("DeleteVariant: %v", err)
	}

	data, err := s.LoadSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if len(data.Variants) != 1 {
		t.Fatalf("variants = %d, want 1", len(data.Variants))
	}
	if data.Variants[0].ID != second.ID || !data.Variants[0].Active {
		t.Fatalf("survivor = %+v, want %s active", data.Variants[0], second.ID)
	}
}

func TestSetActiveVariantExactlyOne(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	sessionID, messageID, _ := seedSession(t, s)
	ctx := context.Background()

	var extraIDs []string
	for i := 0; i < 2; i++ {
		variant := schema.Variant{
			ID:        schema.NewVariantID(),
			MessageID: messageID,
			Status:    schema.VariantComplete,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
		if err := s.CreateVariant(ctx, variant); err != nil {
			t.Fatalf("CreateVariant: %v", err)
		}
		extraIDs = append(extraIDs, variant.ID)
	}

	if err := s.SetActiveVariant(ctx, messageID, extraIDs[1]); err != nil {
		t.Fatalf("SetActiveVariant: %v", err)
	}

	data, err := s.LoadSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	activeCount := 0
	for _, variant := range data.Variants {
		if variant.Active {
			activeCount++
			if variant.ID != extraIDs[1] {
				t.Fatalf("active variant = %s, want %s", variant.ID, extraIDs[1])
			}
		}
	}
	if activeCount != 1 {
		t.Fatalf("active variants = %d, want exactly 1", activeCount)
	}

	// Activating a variant from another message is rejected.
	err = s.SetActiveVariant(ctx, messageID, "var_nonexistent")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("foreign variant: got %v, want ErrNotFound", err)
	}
}

func TestVariantTerminalStateFrozen(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	_, _, variantID := seedSession(t, s)
	ctx := context.Background()

	done := schema.Variant{ID: variantID, Status: schema.VariantComplete, UpdatedAt: time.Now()}
	if err := s.SaveVariantState(ctx, done); err != nil {
		t.Fatalf("SaveVariantState to complete: %v", err)
	}

	regress := schema.Variant{ID: variantID, Status: schema.VariantStreaming, UpdatedAt: time.Now()}
	err := s.SaveVariantState(ctx, regress)
	if !schema.IsValidation(err) {
		t.Fatalf("terminal regression: got %v, want ValidationError", err)
	}
}

func TestBlockToolPayloadRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	sessionID, messageID, variantID := seedSession(t, s)
	ctx := context.Background()

	block := schema.Block{
		ID:        schema.NewBlockID(),
		MessageID: messageID,
		VariantID: variantID,
		Kind:      schema.BlockToolCall,
		Status:    schema.BlockComplete,
		ToolCall: &schema.ToolCall{
			ID:    "tc_1",
			Name:  "echo",
			Input: json.RawMessage(`{"say":"hi"}`),
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := s.AppendBlock(ctx, &block); err != nil {
		t.Fatalf("AppendBlock: %v", err)
	}

	data, err := s.LoadSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	loaded := data.Blocks[len(data.Blocks)-1]
	if loaded.ToolCall == nil || loaded.ToolCall.Name != "echo" {
		t.Fatalf("loaded tool call = %+v", loaded.ToolCall)
	}
	if string(loaded.ToolCall.Input) != `{"say":"hi"}` {
		t.Fatalf("input = %s", loaded.ToolCall.Input)
	}
}

func TestAgentStateSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "agents.db")
	ctx := context.Background()

	first, err := store.Open(store.Config{Path: path, PoolSize: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	wake := time.Now().Add(45 * time.Minute).Truncate(time.Nanosecond)
	agent := schema.WorkspaceAgent{
		ID:          schema.NewAgentID(),
		WorkspaceID: "ws_main",
		Name:        "researcher",
		Role:        schema.AgentSub,
		Status:      schema.AgentSleeping,
		RetryCount:  2,
		WakeAt:      wake,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := first.SaveAgent(ctx, agent); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := store.Open(store.Config{Path: path, PoolSize: 1})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()

	loaded, err := second.LoadAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("LoadAgent: %v", err)
	}
	if loaded.RetryCount != 2 {
		t.Fatalf("RetryCount = %d, want 2 across restart", loaded.RetryCount)
	}
	if loaded.Status != schema.AgentSleeping {
		t.Fatalf("Status = %s, want sleeping", loaded.Status)
	}
	if !loaded.WakeAt.Equal(wake) {
		t.Fatalf("WakeAt = %v, want %v", loaded.WakeAt, wake)
	}

	agents, err := second.LoadWorkspaceAgents(ctx, "ws_main")
	if err != nil {
		t.Fatalf("LoadWorkspaceAgents: %v", err)
	}
	if len(agents) != 1 {
		t.Fatalf("agents = %d, want 1", len(agents))
	}
}

func TestLoadSessionNotFound(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	_, err := s.LoadSession(context.Background(), "ses_missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("LoadSession = %v, want ErrNotFound", err)
	}
}

func TestMessageSequencePerSession(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	sessionID, _, _ := seedSession(t, s)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		message := schema.Message{
			ID:        schema.NewMessageID(),
			SessionID: sessionID,
			Role:      schema.RoleUser,
			CreatedAt: time.Now(),
		}
		if err := s.AppendMessage(ctx, &message); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		if message.Sequence != int64(i) {
			t.Fatalf("message %d sequence = %d, want %d", i, message.Sequence, i)
		}
	}
}
