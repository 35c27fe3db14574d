// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Anthropic implements Provider against the Messages API
// (/v1/messages). The API key travels in the supplied http.Client's
// transport (credential-injecting proxy or header-setting RoundTripper);
// this package never handles keys itself.
type Anthropic struct {
	httpClient *http.Client
	baseURL    string
}

// NewAnthropic creates a Messages API provider. baseURL is the API
// root without the /v1/messages path (e.g., "https://api.anthropic.com"
// or a gateway speaking the same dialect).
func NewAnthropic(httpClient *http.Client, baseURL string) *Anthropic {
	return &Anthropic{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}
}

// Complete sends a blocking request and decodes the full response.
func (provider *Anthropic) Complete(ctx context.Context, request Request) (*Response, error) {
	httpResponse, err := provider.send(ctx, request, false)
	if err != nil {
		return nil, err
	}
	defer httpResponse.Body.Close()

	var wire wireResponse
	if err := json.NewDecoder(httpResponse.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("llm/anthropic: decoding response: %w", err)
	}
	return wire.toResponse(), nil
}

// Stream sends a streaming request. Events arrive as SSE; the
// returned Stream owns the HTTP response body.
func (provider *Anthropic) Stream(ctx context.Context, request Request) (*Stream, error) {
	httpResponse, err := provider.send(ctx, request, true)
	if err != nil {
		return nil, err
	}
	return provider.newStream(httpResponse.Body), nil
}

// send marshals and POSTs the wire request. On non-200 the body is
// consumed into a ProviderError and closed.
func (provider *Anthropic) send(ctx context.Context, request Request, stream bool) (*http.Response, error) {
	body, err := json.Marshal(buildWireRequest(request, stream))
	if err != nil {
		return nil, fmt.Errorf("llm/anthropic: marshaling request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost,
		provider.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm/anthropic: creating request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("anthropic-version", "2023-06-01")
	if stream {
		httpRequest.Header.Set("Accept", "text/event-stream")
	}

	httpResponse, err := provider.httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("llm/anthropic: sending request: %w", err)
	}
	if httpResponse.StatusCode != http.StatusOK {
		defer httpResponse.Body.Close()
		return nil, readWireError(httpResponse)
	}
	return httpResponse, nil
}

// newStream wires the SSE parser into a Stream. Content blocks are
// accumulated from start/delta/stop event triples; tool input JSON is
// assembled from partial fragments and only surfaced on the completed
// block.
func (provider *Anthropic) newStream(body io.ReadCloser) *Stream {
	sse := NewSSEScanner(body)
	var partials []partialBlock

	// The parse function needs the stream for model/usage/stop-reason
	// accumulation, and the stream needs the parse function as its
	// iterator; assign the iterator after the stream exists.
	stream := NewStream(nil, body)
	stream.next = func() (StreamEvent, error) {
		for {
			if !sse.Next() {
				if err := sse.Err(); err != nil {
					return StreamEvent{}, fmt.Errorf("llm/anthropic: reading SSE: %w", err)
				}
				return StreamEvent{}, io.EOF
			}
			event, emitted, err := parseStreamEvent(sse.Event(), &partials, stream)
			if err != nil {
				return StreamEvent{}, err
			}
			if emitted {
				return event, nil
			}
		}
	}
	return stream
}

// partialBlock accumulates one content block across its SSE event
// triple.
type partialBlock struct {
	blockType string
	toolID    string
	toolName  string
	text      strings.Builder
	inputJSON strings.Builder
}

// toContentBlock finalizes the accumulated partial.
func (partial *partialBlock) toContentBlock() ContentBlock {
	switch partial.blockType {
	case "text":
		return ContentBlock{Type: ContentText, Text: partial.text.String()}
	case "thinking":
		return ContentBlock{Type: ContentThinking, Text: partial.text.String()}
	case "tool_use":
		input := partial.inputJSON.String()
		if input == "" {
			input = "{}"
		}
		return ContentBlock{Type: ContentToolUse, ToolUse: &ToolUse{
			ID:    partial.toolID,
			Name:  partial.toolName,
			Input: json.RawMessage(input),
		}}
	default:
		// Unknown block types degrade to text with a type prefix
		// rather than being dropped.
		return ContentBlock{Type: ContentText, Text: "[" + partial.blockType + "] " + partial.text.String()}
	}
}

// parseStreamEvent maps one SSE event onto at most one StreamEvent.
// The bool result reports whether an event should be emitted to the
// caller; bookkeeping-only SSE events (message_start, message_delta)
// update the stream accumulator and emit nothing.
func parseStreamEvent(sseEvent SSEEvent, partials *[]partialBlock, stream *Stream) (StreamEvent, bool, error) {
	data := []byte(sseEvent.Data)

	switch sseEvent.Type {
	case "message_start":
		var envelope struct {
			Message struct {
				Model string    `json:"model"`
				Usage wireUsage `json:"usage"`
			} `json:"message"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			return StreamEvent{}, false, fmt.Errorf("llm/anthropic: parsing message_start: %w", err)
		}
		stream.SetModel(envelope.Message.Model)
		stream.SetUsage(Usage{InputTokens: envelope.Message.Usage.InputTokens})
		return StreamEvent{}, false, nil

	case "content_block_start":
		var envelope struct {
			Index        int `json:"index"`
			ContentBlock struct {
				Type string `json:"type"`
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"content_block"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			return StreamEvent{}, false, fmt.Errorf("llm/anthropic: parsing content_block_start: %w", err)
		}
		for len(*partials) <= envelope.Index {
			*partials = append(*partials, partialBlock{})
		}
		(*partials)[envelope.Index] = partialBlock{
			blockType: envelope.ContentBlock.Type,
			toolID:    envelope.ContentBlock.ID,
			toolName:  envelope.ContentBlock.Name,
		}

		started := StreamEvent{Type: EventBlockStart, BlockType: wireBlockType(envelope.ContentBlock.Type)}
		if envelope.ContentBlock.Type == "tool_use" {
			started.ToolUse = &ToolUse{ID: envelope.ContentBlock.ID, Name: envelope.ContentBlock.Name}
		}
		return started, true, nil

	case "content_block_delta":
		var envelope struct {
			Index int `json:"index"`
			Delta struct {
				Type        string `json:"type"`
				Text        string `json:"text"`
				Thinking    string `json:"thinking"`
				PartialJSON string `json:"partial_json"`
			} `json:"delta"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			return StreamEvent{}, false, fmt.Errorf("llm/anthropic: parsing content_block_delta: %w", err)
		}
		if envelope.Index >= len(*partials) {
			return StreamEvent{}, false, nil
		}
		partial := &(*partials)[envelope.Index]
		switch envelope.Delta.Type {
		case "text_delta":
			partial.text.WriteString(envelope.Delta.Text)
			return StreamEvent{Type: EventTextDelta, BlockType: ContentText, Text: envelope.Delta.Text}, true, nil
		case "thinking_delta":
			partial.text.WriteString(envelope.Delta.Thinking)
			return StreamEvent{Type: EventTextDelta, BlockType: ContentThinking, Text: envelope.Delta.Thinking}, true, nil
		case "input_json_delta":
			// Tool input fragments are not surfaced; the complete
			// tool_use block arrives with content_block_stop.
			partial.inputJSON.WriteString(envelope.Delta.PartialJSON)
		}
		return StreamEvent{}, false, nil

	case "content_block_stop":
		var envelope struct {
			Index int `json:"index"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			return StreamEvent{}, false, fmt.Errorf("llm/anthropic: parsing content_block_stop: %w", err)
		}
		if envelope.Index >= len(*partials) {
			return StreamEvent{}, false, nil
		}
		block := (*partials)[envelope.Index].toContentBlock()
		return StreamEvent{Type: EventBlockDone, BlockType: block.Type, Block: block}, true, nil

	case "message_delta":
		var envelope struct {
			Delta struct {
				StopReason string `json:"stop_reason"`
			} `json:"delta"`
			Usage struct {
				OutputTokens int64 `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			return StreamEvent{}, false, fmt.Errorf("llm/anthropic: parsing message_delta: %w", err)
		}
		stream.SetStopReason(mapStopReason(envelope.Delta.StopReason))
		stream.AddOutputTokens(envelope.Usage.OutputTokens)
		return StreamEvent{}, false, nil

	case "message_stop":
		return StreamEvent{Type: EventDone}, true, nil

	case "ping":
		return StreamEvent{Type: EventPing}, true, nil

	case "error":
		var envelope struct {
			Error struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &envelope) == nil && envelope.Error.Message != "" {
			return StreamEvent{}, false, fmt.Errorf("llm/anthropic: stream error: %s: %s",
				envelope.Error.Type, envelope.Error.Message)
		}
		return StreamEvent{}, false, fmt.Errorf("llm/anthropic: stream error: %s", sseEvent.Data)

	default:
		// Unknown SSE event types are skipped; the API adds event
		// types over time and parsing must not break on them.
		return StreamEvent{}, false, nil
	}
}

// --- Wire types (Messages API JSON) ---

type wireRequest struct {
	Model     string        `json:"model"`
	System    string        `json:"system,omitempty"`
	Messages  []wireMessage `json:"messages"`
	Tools     []wireTool    `json:"tools,omitempty"`
	MaxTokens int           `json:"max_tokens"`
	Stream    bool          `json:"stream,omitempty"`
}

type wireMessage struct {
	Role    string      `json:"role"`
	Content []wireBlock `json:"content"`
}

type wireBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type wireUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type wireResponse struct {
	Model      string      `json:"model"`
	Content    []wireBlock `json:"content"`
	StopReason string      `json:"stop_reason"`
	Usage      wireUsage   `json:"usage"`
}

func buildWireRequest(request Request, stream bool) wireRequest {
	wire := wireRequest{
		Model:     request.Model,
		System:    request.System,
		MaxTokens: request.MaxTokens,
		Stream:    stream,
	}
	for _, message := range request.Messages {
		wire.Messages = append(wire.Messages, wireMessage{
			Role:    string(message.Role),
			Content: toWireBlocks(message.Content),
		})
	}
	for _, tool := range request.Tools {
		wire.Tools = append(wire.Tools, wireTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}
	return wire
}

func toWireBlocks(blocks []ContentBlock) []wireBlock {
	wire := make([]wireBlock, 0, len(blocks))
	for _, block := range blocks {
		switch block.Type {
		case ContentText:
			wire = append(wire, wireBlock{Type: "text", Text: block.Text})
		case ContentThinking:
			wire = append(wire, wireBlock{Type: "thinking", Thinking: block.Text})
		case ContentToolUse:
			input := block.ToolUse.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			wire = append(wire, wireBlock{
				Type:  "tool_use",
				ID:    block.ToolUse.ID,
				Name:  block.ToolUse.Name,
				Input: input,
			})
		case ContentToolResult:
			wire = append(wire, wireBlock{
				Type:      "tool_result",
				ToolUseID: block.ToolResult.ToolUseID,
				Content:   block.ToolResult.Content,
				IsError:   block.ToolResult.IsError,
			})
		}
	}
	return wire
}

func (wire *wireResponse) toResponse() *Response {
	response := &Response{
		Model:      wire.Model,
		StopReason: mapStopReason(wire.StopReason),
		Usage: Usage{
			InputTokens:  wire.Usage.InputTokens,
			OutputTokens: wire.Usage.OutputTokens,
		},
	}
	for _, block := range wire.Content {
		switch block.Type {
		case "text":
			response.Content = append(response.Content, ContentBlock{Type: ContentText, Text: block.Text})
		case "thinking":
			response.Content = append(response.Content, ContentBlock{Type: ContentThinking, Text: block.Thinking})
		case "tool_use":
			response.Content = append(response.Content, ContentBlock{Type: ContentToolUse, ToolUse: &ToolUse{
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			}})
		default:
			response.Content = append(response.Content, ContentBlock{Type: ContentText, Text: "[" + block.Type + "]"})
		}
	}
	return response
}

func wireBlockType(wireType string) ContentBlockType {
	switch wireType {
	case "text":
		return ContentText
	case "thinking":
		return ContentThinking
	case "tool_use":
		return ContentToolUse
	default:
		return ContentText
	}
}

func mapStopReason(reason string) StopReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return StopReasonEndTurn
	case "tool_use":
		return StopReasonToolUse
	case "max_tokens":
		return StopReasonMaxTokens
	default:
		return StopReasonOther
	}
}

// readWireError parses the standard error envelope
// {"error":{"type":"...","message":"..."}} into a ProviderError.
func readWireError(httpResponse *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 4096))

	var envelope struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
		return &ProviderError{
			StatusCode: httpResponse.StatusCode,
			Type:       envelope.Error.Type,
			Message:    envelope.Error.Message,
		}
	}
	return &ProviderError{
		StatusCode: httpResponse.StatusCode,
		Message:    string(body),
	}
}
