// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"errors"
	"fmt"
	"testing"
)

func TestBlockStatusTransitions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from    BlockStatus
		to      BlockStatus
		allowed bool
	}{
		{BlockPending, BlockStreaming, true},
		{BlockPending, BlockComplete, true},
		{BlockPending, BlockCancelled, true},
		{BlockStreaming, BlockComplete, true},
		{BlockStreaming, BlockError, true},
		{BlockStreaming, BlockCancelled, true},
		{BlockStreaming, BlockPending, false},
		{BlockComplete, BlockStreaming, false},
		{BlockComplete, BlockError, false},
		{BlockError, BlockComplete, false},
		{BlockCancelled, BlockStreaming, false},
	}

	for _, testCase := range cases {
		if got := testCase.from.CanTransitionTo(testCase.to); got != testCase.allowed {
			t.Errorf("%s → %s: got %v, want %v", testCase.from, testCase.to, got, testCase.allowed)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	t.Parallel()

	for _, status := range []BlockStatus{BlockComplete, BlockError, BlockCancelled} {
		if !status.Terminal() {
			t.Errorf("%s should be terminal", status)
		}
	}
	for _, status := range []BlockStatus{BlockPending, BlockStreaming} {
		if status.Terminal() {
			t.Errorf("%s should not be terminal", status)
		}
	}
}

func TestErrorTaxonomyMatching(t *testing.T) {
	t.Parallel()

	exhausted := fmt.Errorf("delivering message: %w", &ResourceExhaustedError{Resource: "inbox", Limit: 8})
	if !IsResourceExhausted(exhausted) {
		t.Error("wrapped ResourceExhaustedError not detected")
	}
	if IsValidation(exhausted) {
		t.Error("ResourceExhaustedError misdetected as validation")
	}

	validation := fmt.Errorf("run: %w", &ValidationError{Field: "session_id", Reason: "empty"})
	if !IsValidation(validation) {
		t.Error("wrapped ValidationError not detected")
	}
	if IsResourceExhausted(errors.New("plain")) {
		t.Error("plain error misdetected as resource exhaustion")
	}
}

func TestIDPrefixes(t *testing.T) {
	t.Parallel()

	generators := map[string]func() string{
		"ses_": NewSessionID,
		"msg_": NewMessageID,
		"blk_": NewBlockID,
		"var_": NewVariantID,
		"tc_":  NewToolCallID,
		"apr_": NewApprovalID,
		"agt_": NewAgentID,
	}
	for prefix, generate := range generators {
		id := generate()
		if len(id) <= len(prefix) || id[:len(prefix)] != prefix {
			t.Errorf("generated ID %q lacks prefix %q", id, prefix)
		}
		if id == generate() {
			t.Errorf("generator for %q returned a duplicate", prefix)
		}
	}
}
