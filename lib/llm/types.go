// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"encoding/json"
	"strings"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation turn in a model request.
type Message struct {
	Role    Role
	Content []ContentBlock
}

// ContentBlockType discriminates the ContentBlock union.
type ContentBlockType string

const (
	ContentText       ContentBlockType = "text"
	ContentThinking   ContentBlockType = "thinking"
	ContentToolUse    ContentBlockType = "tool_use"
	ContentToolResult ContentBlockType = "tool_result"
)

// ContentBlock is one unit of message content. Text carries the body
// for text and thinking blocks; ToolUse and ToolResult are set for
// their respective types.
type ContentBlock struct {
	Type       ContentBlockType
	Text       string
	ToolUse    *ToolUse
	ToolResult *ToolResult
}

// ToolUse is a model-emitted tool invocation.
type ToolUse struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult is the outcome of a tool invocation, sent back to the
// model in the following request.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// ToolDefinition describes one tool offered to the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// StopReason is the provider-normalized reason a response ended.
type StopReason string

const (
	StopReasonEndTurn   StopReason = "end_turn"
	StopReasonToolUse   StopReason = "tool_use"
	StopReasonMaxTokens StopReason = "max_tokens"
	StopReasonOther     StopReason = "other"
)

// Usage reports token accounting for one request/response pair.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Request is a provider-agnostic model request.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDefinition
	MaxTokens int
}

// Response is a complete model response, either returned directly by
// Complete or accumulated by a Stream.
type Response struct {
	Model      string
	Content    []ContentBlock
	StopReason StopReason
	Usage      Usage
}

// ToolUses returns the tool invocations in the response, in the order
// the model emitted them. The pipeline engine relies on this order
// when reassembling concurrent execution results.
func (response *Response) ToolUses() []ToolUse {
	var uses []ToolUse
	for _, block := range response.Content {
		if block.Type == ContentToolUse && block.ToolUse != nil {
			uses = append(uses, *block.ToolUse)
		}
	}
	return uses
}

// TextContent concatenates the response's text blocks.
func (response *Response) TextContent() string {
	var builder strings.Builder
	for _, block := range response.Content {
		if block.Type == ContentText {
			builder.WriteString(block.Text)
		}
	}
	return builder.String()
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentText, Text: text}
}

// ToolUseBlock builds a tool_use content block.
func ToolUseBlock(use ToolUse) ContentBlock {
	return ContentBlock{Type: ContentToolUse, ToolUse: &use}
}

// UserMessage builds a plain-text user message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{TextBlock(text)}}
}

// ToolResultMessage builds the user-role message that feeds tool
// results back to the model. Results must be in the order the model
// emitted the corresponding tool_use blocks.
func ToolResultMessage(results ...ToolResult) Message {
	blocks := make([]ContentBlock, len(results))
	for i, result := range results {
		resultCopy := result
		blocks[i] = ContentBlock{Type: ContentToolResult, ToolResult: &resultCopy}
	}
	return Message{Role: RoleUser, Content: blocks}
}

// StreamEventType discriminates StreamEvent.
type StreamEventType string

const (
	// EventBlockStart announces a new content block. BlockType is set;
	// for tool_use blocks, ToolUse carries the ID and name (input
	// arrives with EventBlockDone).
	EventBlockStart StreamEventType = "block_start"

	// EventTextDelta carries an incremental text fragment for the
	// current text or thinking block.
	EventTextDelta StreamEventType = "text_delta"

	// EventBlockDone carries a completed content block.
	EventBlockDone StreamEventType = "block_done"

	// EventDone marks the end of the stream. The accumulated Response
	// is complete once this event is observed.
	EventDone StreamEventType = "done"

	// EventPing is a keep-alive with no payload.
	EventPing StreamEventType = "ping"
)

// StreamEvent is one incremental unit from a streaming response.
type StreamEvent struct {
	Type      StreamEventType
	BlockType ContentBlockType
	Text      string
	Block     ContentBlock
	ToolUse   *ToolUse
}
