// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipeline implements the turn execution engine: the
// generate → detect tools → approve → execute → generate loop that
// drives one assistant response from a user turn to a terminal state.
//
// Each run produces the blocks of exactly one response variant.
// Streaming deltas and block lifecycle transitions are published to
// the event bus as they happen; sensitive tool calls suspend the loop
// at the approval station until a responder decides or the deadline
// degrades the request to its default decision.
//
// The loop is bounded two ways: MaxRounds caps ordinary turns, and
// AbsoluteMaxRounds caps turns that earn extensions by keeping an
// open todo list. Hitting either bound truncates the turn with a
// notice block rather than failing it — partial work is still work.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bureau-foundation/chorus/lib/approval"
	"github.com/bureau-foundation/chorus/lib/clock"
	"github.com/bureau-foundation/chorus/lib/eventbus"
	"github.com/bureau-foundation/chorus/lib/llm"
	"github.com/bureau-foundation/chorus/lib/schema"
	"github.com/bureau-foundation/chorus/lib/tool"
)

// Defaults for the loop bounds and provider retry policy.
const (
	// DefaultMaxRounds is the ordinary per-turn round limit.
	DefaultMaxRounds = 12

	// DefaultAbsoluteMaxRounds caps rounds even when an open todo
	// list keeps earning extensions.
	DefaultAbsoluteMaxRounds = 40

	// DefaultRetryAttempts bounds provider retries per generation.
	DefaultRetryAttempts = 3

	// DefaultRetryBaseDelay is the first backoff interval; each
	// subsequent attempt doubles it.
	DefaultRetryBaseDelay = 500 * time.Millisecond
)

// Config holds the engine's dependencies and limits. Zero limits
// select the defaults above.
type Config struct {
	// Provider is the model backend.
	Provider llm.Provider

	// Tools holds the externally registered executors. The engine
	// derives a per-run registry from it with fresh builtins, so the
	// base registry must not contain tools in the builtin namespace.
	Tools *tool.Registry

	// Station gates sensitive tool calls.
	Station *approval.Station

	// Bus receives block and session lifecycle events.
	Bus *eventbus.Bus

	// Clock drives backoff and the turn deadline.
	Clock clock.Clock

	Logger *slog.Logger

	// Model and SystemPrompt parameterize every request of the turn.
	Model        string
	SystemPrompt string
	MaxTokens    int

	MaxRounds         int
	AbsoluteMaxRounds int
	RetryAttempts     int
	RetryBaseDelay    time.Duration

	// TurnTimeout is the wall-clock bound for one run, measured on
	// Clock. Zero means unbounded.
	TurnTimeout time.Duration
}

// Engine executes turns. Safe for concurrent Run calls; all mutable
// turn state lives in the per-run variantState.
type Engine struct {
	config Config
}

// NewEngine validates the config and constructs an engine.
func NewEngine(config Config) (*Engine, error) {
	if config.Provider == nil {
		return nil, &schema.ValidationError{Field: "Provider", Reason: "required"}
	}
	if config.Tools == nil {
		return nil, &schema.ValidationError{Field: "Tools", Reason: "required"}
	}
	if config.Station == nil {
		return nil, &schema.ValidationError{Field: "Station", Reason: "required"}
	}
	if config.Bus == nil {
		return nil, &schema.ValidationError{Field: "Bus", Reason: "required"}
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.MaxRounds <= 0 {
		config.MaxRounds = DefaultMaxRounds
	}
	if config.AbsoluteMaxRounds <= 0 {
		config.AbsoluteMaxRounds = DefaultAbsoluteMaxRounds
	}
	if config.AbsoluteMaxRounds < config.MaxRounds {
		return nil, &schema.ValidationError{Field: "AbsoluteMaxRounds", Reason: "must be >= MaxRounds"}
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = DefaultRetryAttempts
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = DefaultRetryBaseDelay
	}
	return &Engine{config: config}, nil
}

// TurnInput identifies the variant being produced and carries the
// conversation to date, ending with the user turn being answered.
type TurnInput struct {
	SessionID string
	MessageID string
	VariantID string
	History   []llm.Message
}

// TurnOutcome is the terminal result of one run.
type TurnOutcome struct {
	// Status is complete, error, or cancelled.
	Status schema.VariantStatus

	// Blocks are the variant's blocks in sequence order, each in a
	// terminal status.
	Blocks []schema.Block

	// Rounds is the number of model generations performed.
	Rounds int

	// Usage is the summed token accounting across rounds.
	Usage llm.Usage

	// Summary is the completion summary when the turn ended through
	// the completion tool.
	Summary string

	// Truncated is set when a round or deadline bound cut the turn
	// short.
	Truncated bool
}

// Run executes one turn for one variant. The returned error is nil
// for complete and truncated outcomes; cancelled outcomes return the
// context error, failed outcomes the cause.
func (engine *Engine) Run(ctx context.Context, input TurnInput) (TurnOutcome, error) {
	registry, todos, err := engine.config.Tools.WithBuiltins()
	if err != nil {
		return TurnOutcome{Status: schema.VariantError}, fmt.Errorf("deriving tool registry: %w", err)
	}

	state := &variantState{
		engine:   engine,
		input:    input,
		registry: registry,
		todos:    todos,
		logger: engine.config.Logger.With(
			"session", input.SessionID,
			"variant", input.VariantID,
		),
	}
	if engine.config.TurnTimeout > 0 {
		state.deadline = engine.config.Clock.Now().Add(engine.config.TurnTimeout)
		// The deadline is also carried on the context so a stalled
		// stream or tool call is cut mid-round, not just between
		// rounds.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, engine.config.TurnTimeout)
		defer cancel()
	}

	engine.config.Bus.PublishSession(eventbus.SessionEvent{
		Type:      eventbus.TurnStarted,
		SessionID: input.SessionID,
		MessageID: input.MessageID,
		VariantID: input.VariantID,
	})
	outcome, err := state.run(ctx)
	engine.config.Bus.PublishSession(eventbus.SessionEvent{
		Type:      eventbus.TurnFinished,
		SessionID: input.SessionID,
		MessageID: input.MessageID,
		VariantID: input.VariantID,
	})
	return outcome, err
}

// variantState is the mutable state of one run: the growing
// conversation, the block sequence ledger, and the accumulated
// outcome.
type variantState struct {
	engine   *Engine
	input    TurnInput
	registry *tool.Registry
	todos    *tool.TodoList
	logger   *slog.Logger

	deadline     time.Time
	sequence     int64
	blocks       []schema.Block
	usage        llm.Usage
	hadOpenTodos bool
	graceUsed    bool
}

func (state *variantState) run(ctx context.Context) (TurnOutcome, error) {
	messages := append([]llm.Message(nil), state.input.History...)
	definitions := state.registry.Definitions()

	rounds := 0
	for {
		if reason, exceeded := state.boundExceeded(rounds); exceeded {
			return state.truncate(rounds, reason), nil
		}

		rounds++
		response, err := state.generate(ctx, messages, definitions)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return state.truncate(rounds, fmt.Sprintf("turn deadline reached after %d rounds", rounds)), nil
			}
			if ctx.Err() != nil {
				return state.outcome(schema.VariantCancelled, rounds, "", false), ctx.Err()
			}
			return state.outcome(schema.VariantError, rounds, "", false), fmt.Errorf("generation round %d: %w", rounds, err)
		}
		state.usage.InputTokens += response.Usage.InputTokens
		state.usage.OutputTokens += response.Usage.OutputTokens

		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: response.Content})

		toolUses := response.ToolUses()
		if len(toolUses) == 0 {
			state.logger.Info("turn complete", "rounds", rounds, "stop_reason", response.StopReason)
			return state.outcome(schema.VariantComplete, rounds, "", false), nil
		}

		calls := state.bindToolCalls(toolUses)
		round, err := state.executeRound(ctx, calls)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return state.truncate(rounds, fmt.Sprintf("turn deadline reached after %d rounds", rounds)), nil
			}
			if ctx.Err() != nil {
				return state.outcome(schema.VariantCancelled, rounds, "", false), ctx.Err()
			}
			return state.outcome(schema.VariantError, rounds, "", false), err
		}
		state.emitToolResults(round.Results)

		if round.Complete {
			summary := completionSummary(calls, round.Results)
			state.logger.Info("turn complete via completion tool", "rounds", rounds)
			return state.outcome(schema.VariantComplete, rounds, summary, false), nil
		}

		results := make([]llm.ToolResult, len(round.Results))
		for i, result := range round.Results {
			results[i] = llm.ToolResult{
				ToolUseID: result.ToolCallID,
				Content:   result.Content,
				IsError:   result.IsError,
			}
		}
		messages = append(messages, llm.ToolResultMessage(results...))
	}
}

// truncate emits the truncation notice block and closes the turn as
// complete with partial work.
func (state *variantState) truncate(rounds int, reason string) TurnOutcome {
	state.emitNotice(reason)
	state.logger.Info("turn truncated", "rounds", rounds, "reason", reason)
	return state.outcome(schema.VariantComplete, rounds, "", true)
}

// boundExceeded reports whether starting another round would exceed a
// loop bound, and names the bound.
func (state *variantState) boundExceeded(rounds int) (string, bool) {
	config := state.engine.config
	if !state.deadline.IsZero() && !config.Clock.Now().Before(state.deadline) {
		return fmt.Sprintf("turn deadline reached after %d rounds", rounds), true
	}
	if rounds >= config.AbsoluteMaxRounds {
		return fmt.Sprintf("absolute round limit (%d) reached", config.AbsoluteMaxRounds), true
	}
	if rounds >= config.MaxRounds {
		// An open todo list earns extensions up to the absolute
		// limit: remaining items are evidence the turn is still
		// converging on tracked work.
		if state.todos.Remaining() > 0 {
			state.hadOpenTodos = true
			return "", false
		}
		// One grace round after the list empties, so the model can
		// finish through the completion tool instead of being cut
		// mid-stride.
		if state.hadOpenTodos && !state.graceUsed {
			state.graceUsed = true
			return "", false
		}
		return fmt.Sprintf("round limit (%d) reached", config.MaxRounds), true
	}
	if state.todos.Remaining() > 0 {
		state.hadOpenTodos = true
	}
	return "", false
}

func (state *variantState) outcome(status schema.VariantStatus, rounds int, summary string, truncated bool) TurnOutcome {
	return TurnOutcome{
		Status:    status,
		Blocks:    state.blocks,
		Rounds:    rounds,
		Usage:     state.usage,
		Summary:   summary,
		Truncated: truncated,
	}
}

// completionSummary extracts the completion tool's echoed summary from
// the round results.
func completionSummary(calls []schema.ToolCall, results []schema.ToolResult) string {
	for i, call := range calls {
		if call.Name == tool.CompletionName && !results[i].IsError {
			return results[i].Content
		}
	}
	return ""
}

// bindToolCalls converts the model's tool uses into schema calls,
// each bound to the tool_call block that streamed it.
func (state *variantState) bindToolCalls(uses []llm.ToolUse) []schema.ToolCall {
	blockByCallID := make(map[string]string)
	for _, block := range state.blocks {
		if block.Kind == schema.BlockToolCall && block.ToolCall != nil {
			blockByCallID[block.ToolCall.ID] = block.ID
		}
	}

	calls := make([]schema.ToolCall, len(uses))
	for i, use := range uses {
		calls[i] = schema.ToolCall{
			ID:      use.ID,
			Name:    use.Name,
			Input:   use.Input,
			BlockID: blockByCallID[use.ID],
		}
	}
	return calls
}

// retryable reports whether a provider error is worth backing off and
// retrying.
func retryable(err error) bool {
	var providerError *llm.ProviderError
	return errors.As(err, &providerError) && providerError.Retryable()
}

// generate runs one model generation with streaming, publishing block
// events as deltas arrive. Retryable provider failures back off and
// retry up to the configured attempts; the backoff select honors
// cancellation.
func (state *variantState) generate(ctx context.Context, messages []llm.Message, definitions []llm.ToolDefinition) (*llm.Response, error) {
	config := state.engine.config
	request := llm.Request{
		Model:     config.Model,
		System:    config.SystemPrompt,
		Messages:  messages,
		Tools:     definitions,
		MaxTokens: config.MaxTokens,
	}

	var lastErr error
	for attempt := 0; attempt < config.RetryAttempts; attempt++ {
		if attempt > 0 {
			delay := config.RetryBaseDelay << (attempt - 1)
			state.logger.Warn("retrying generation", "attempt", attempt+1, "delay", delay, "error", lastErr)
			select {
			case <-config.Clock.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		response, err := state.streamOnce(ctx, request)
		if err == nil {
			return response, nil
		}
		lastErr = err
		if ctx.Err() != nil || !retryable(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", config.RetryAttempts, lastErr)
}

// streamOnce performs a single streaming request, materializing each
// model content block as a schema block with bus events. On failure
// the in-flight block (if any) is marked cancelled for context errors
// and error otherwise.
func (state *variantState) streamOnce(ctx context.Context, request llm.Request) (*llm.Response, error) {
	stream, err := state.engine.config.Provider.Stream(ctx, request)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var current *schema.Block
	for {
		event, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			if current != nil {
				status := schema.BlockError
				if ctx.Err() != nil {
					status = schema.BlockCancelled
				}
				state.finishBlock(current, status)
			}
			return nil, err
		}

		switch event.Type {
		case llm.EventBlockStart:
			current = state.startBlock(blockKindFor(event.BlockType), event.ToolUse)
		case llm.EventTextDelta:
			if current != nil {
				current.Content += event.Text
				current.UpdatedAt = state.engine.config.Clock.Now()
				state.publishBlock(eventbus.BlockDelta, *current, event.Text)
			}
		case llm.EventBlockDone:
			if current != nil {
				if event.Block.Type == llm.ContentToolUse && event.Block.ToolUse != nil {
					use := *event.Block.ToolUse
					current.ToolCall = &schema.ToolCall{
						ID:      use.ID,
						Name:    use.Name,
						Input:   use.Input,
						BlockID: current.ID,
					}
				}
				if event.Block.Type == llm.ContentText || event.Block.Type == llm.ContentThinking {
					current.Content = event.Block.Text
				}
				state.finishBlock(current, schema.BlockComplete)
				current = nil
			}
		}
	}

	response := stream.Response()
	return &response, nil
}

func blockKindFor(blockType llm.ContentBlockType) schema.BlockKind {
	switch blockType {
	case llm.ContentThinking:
		return schema.BlockThinking
	case llm.ContentToolUse:
		return schema.BlockToolCall
	default:
		return schema.BlockContent
	}
}
