// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"encoding/json"
	"time"
)

// BlockKind classifies the unit of streamed output within a message.
type BlockKind string

const (
	BlockContent         BlockKind = "content"
	BlockThinking        BlockKind = "thinking"
	BlockToolCall        BlockKind = "tool_call"
	BlockToolResult      BlockKind = "tool_result"
	BlockApprovalRequest BlockKind = "approval_request"
	// BlockNotice carries engine-generated notices surfaced to the
	// user, such as the round-limit truncation message.
	BlockNotice BlockKind = "notice"
)

// BlockStatus is the streaming state machine for one block:
//
//	pending → streaming → complete | error | cancelled
//
// Transitions are monotonic. A block in a terminal status never
// changes again; the only mutable block is the currently-streaming
// one.
type BlockStatus string

const (
	BlockPending   BlockStatus = "pending"
	BlockStreaming BlockStatus = "streaming"
	BlockComplete  BlockStatus = "complete"
	BlockError     BlockStatus = "error"
	BlockCancelled BlockStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (status BlockStatus) Terminal() bool {
	switch status {
	case BlockComplete, BlockError, BlockCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from status to next is a
// legal (monotonic) step. Terminal statuses admit nothing; pending may
// skip streaming and go straight to a terminal status (a block
// cancelled before its first delta).
func (status BlockStatus) CanTransitionTo(next BlockStatus) bool {
	if status.Terminal() {
		return false
	}
	switch status {
	case BlockPending:
		return next == BlockStreaming || next.Terminal()
	case BlockStreaming:
		return next.Terminal()
	}
	return false
}

// Block is one streamed unit of output. VariantID is empty for blocks
// of a message that has no variants (user messages, single-response
// assistant messages written before variant fan-out existed).
type Block struct {
	ID        string      `json:"id"`
	MessageID string      `json:"message_id"`
	VariantID string      `json:"variant_id,omitempty"`
	Sequence  int64       `json:"sequence"`
	Kind      BlockKind   `json:"kind"`
	Status    BlockStatus `json:"status"`

	// Content is the block text for content/thinking/notice blocks,
	// and the rendered result text for tool_result blocks.
	Content string `json:"content,omitempty"`

	// ToolCall is set for tool_call and approval_request blocks.
	ToolCall *ToolCall `json:"tool_call,omitempty"`

	// ToolResult is set for tool_result blocks.
	ToolResult *ToolResult `json:"tool_result,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ToolCall is a model-emitted request to execute a named tool. BlockID
// binds the call to the tool_call block that tracks it.
type ToolCall struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input,omitempty"`
	BlockID string          `json:"block_id,omitempty"`
}

// ToolResult is the outcome of one tool call, keyed by the call's ID.
// An IsError result is fed back to the model as recoverable context,
// not treated as turn-fatal.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
}
