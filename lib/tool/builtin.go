// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/chorus/lib/llm"
	"github.com/bureau-foundation/chorus/lib/schema"
)

// TodoName is the builtin task-tracking tool.
const TodoName = BuiltinPrefix + "todo"

// CompletionName is the builtin turn-termination tool.
const CompletionName = BuiltinPrefix + "attempt_completion"

// TodoItem is one entry in the per-turn task list.
type TodoItem struct {
	Title string `json:"title"`
	Done  bool   `json:"done"`
}

// TodoList holds the turn's task list shared between the todo and
// completion executors. One list per pipeline engine instance; never
// shared across variants.
type TodoList struct {
	mu    sync.Mutex
	items []TodoItem
}

// NewTodoList creates an empty list.
func NewTodoList() *TodoList {
	return &TodoList{}
}

// Remaining counts items not yet done.
func (list *TodoList) Remaining() int {
	list.mu.Lock()
	defer list.mu.Unlock()
	remaining := 0
	for _, item := range list.items {
		if !item.Done {
			remaining++
		}
	}
	return remaining
}

// Items returns a copy of the current list.
func (list *TodoList) Items() []TodoItem {
	list.mu.Lock()
	defer list.mu.Unlock()
	items := make([]TodoItem, len(list.items))
	copy(items, list.items)
	return items
}

func (list *TodoList) replace(items []TodoItem) {
	list.mu.Lock()
	defer list.mu.Unlock()
	list.items = items
}

// TodoExecutor implements chorus_todo: the model replaces the task
// list wholesale on each call, and the executor reports the remaining
// count back. While any item remains open the outcome carries
// SignalContinue, which lets the engine run past its per-turn round
// limit — progress on the list is the evidence the turn is still
// converging.
type TodoExecutor struct {
	list *TodoList
}

// NewTodoExecutor creates the todo executor over a shared list.
func NewTodoExecutor(list *TodoList) *TodoExecutor {
	return &TodoExecutor{list: list}
}

func (executor *TodoExecutor) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name: TodoName,
		Description: "Replace the task list for this turn. Provide the full list " +
			"on every call, marking finished items done. Keep the list current: " +
			"it is how your remaining work is tracked.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"items": {
					"type": "array",
					"items": {
						"type": "object",
						"properties": {
							"title": {"type": "string"},
							"done": {"type": "boolean"}
						},
						"required": ["title"]
					}
				}
			},
			"required": ["items"]
		}`),
	}
}

func (executor *TodoExecutor) Sensitivity() Sensitivity { return Safe }

func (executor *TodoExecutor) Timeout() time.Duration { return 5 * time.Second }

func (executor *TodoExecutor) Execute(ctx context.Context, call schema.ToolCall) (Outcome, error) {
	var input struct {
		Items []TodoItem `json:"items"`
	}
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return Outcome{Content: fmt.Sprintf("invalid todo input: %v", err), IsError: true}, nil
	}
	for i, item := range input.Items {
		if strings.TrimSpace(item.Title) == "" {
			return Outcome{Content: fmt.Sprintf("item %d has an empty title", i), IsError: true}, nil
		}
	}
	executor.list.replace(input.Items)

	remaining := executor.list.Remaining()
	outcome := Outcome{
		Content: fmt.Sprintf("%d of %d items remaining", remaining, len(input.Items)),
	}
	if remaining > 0 {
		outcome.Signal = SignalContinue
	}
	return outcome, nil
}

// CompletionExecutor implements chorus_attempt_completion: the model
// calls it to end the turn with a summary. While todo items remain
// open the call is rejected as an error result, steering the model
// back to the list instead of letting it abandon tracked work.
type CompletionExecutor struct {
	list *TodoList
}

// NewCompletionExecutor creates the completion executor over the same
// list the todo executor uses.
func NewCompletionExecutor(list *TodoList) *CompletionExecutor {
	return &CompletionExecutor{list: list}
}

func (executor *CompletionExecutor) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name: CompletionName,
		Description: "Finish the turn with a summary of what was accomplished. " +
			"Only call this once every todo item is done.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"summary": {"type": "string"}
			},
			"required": ["summary"]
		}`),
	}
}

func (executor *CompletionExecutor) Sensitivity() Sensitivity { return Safe }

func (executor *CompletionExecutor) Timeout() time.Duration { return 5 * time.Second }

func (executor *CompletionExecutor) Execute(ctx context.Context, call schema.ToolCall) (Outcome, error) {
	var input struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return Outcome{Content: fmt.Sprintf("invalid completion input: %v", err), IsError: true}, nil
	}
	if remaining := executor.list.Remaining(); remaining > 0 {
		return Outcome{
			Content: fmt.Sprintf("cannot complete: %d todo items remain open", remaining),
			IsError: true,
		}, nil
	}
	return Outcome{Content: input.Summary, Signal: SignalComplete}, nil
}

// RegisterBuiltins wires the engine tools into a registry over a
// fresh shared todo list, returning the list so the engine can
// inspect remaining work.
func RegisterBuiltins(registry *Registry) (*TodoList, error) {
	list := NewTodoList()
	if err := registry.RegisterBuiltin(NewTodoExecutor(list)); err != nil {
		return nil, err
	}
	if err := registry.RegisterBuiltin(NewCompletionExecutor(list)); err != nil {
		return nil, err
	}
	return list, nil
}
