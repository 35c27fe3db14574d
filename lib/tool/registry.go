// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package tool provides uniform dispatch to a family of tool
// executors behind one capability interface.
//
// The registry maps exact tool names to [Executor] implementations.
// Built-in engine tools live in the "chorus_" namespace; externally
// registered executors are barred from it, so a workspace definition
// can never shadow the engine's control tools. Unknown names are a
// reported error, not a panic.
//
// [Registry.ExecuteRound] runs the independent calls of one model
// round concurrently, each bounded by its executor's timeout, and
// reassembles the results in the order the model emitted the calls —
// the pipeline feeds them back to the model in that order regardless
// of completion order.
package tool

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/chorus/lib/llm"
	"github.com/bureau-foundation/chorus/lib/schema"
)

// BuiltinPrefix is the namespace reserved for engine-provided tools.
const BuiltinPrefix = "chorus_"

// DefaultTimeout bounds executors that do not declare their own.
const DefaultTimeout = 30 * time.Second

// Sensitivity classifies whether a tool call may execute immediately
// or must first pass the approval rendezvous.
type Sensitivity string

const (
	Safe             Sensitivity = "safe"
	RequiresApproval Sensitivity = "requires_approval"
)

// Signal is a control-flow hint an executor hands back to the
// pipeline engine alongside its result.
type Signal string

const (
	// SignalNone: no control-flow effect.
	SignalNone Signal = ""

	// SignalContinue permits the engine to run past its per-turn
	// round limit; emitted by the todo tool while items remain open.
	SignalContinue Signal = "continue"

	// SignalComplete terminates the turn; emitted by the
	// attempt-completion tool once no todo items remain.
	SignalComplete Signal = "complete"
)

// Outcome is the result of one tool execution. IsError outcomes are
// fed back to the model as recoverable context rather than failing
// the turn.
type Outcome struct {
	Content string
	IsError bool
	Signal  Signal
}

// Executor is the capability interface every tool implements.
type Executor interface {
	// Definition describes the tool to the model.
	Definition() llm.ToolDefinition

	// Sensitivity reports whether calls require approval.
	Sensitivity() Sensitivity

	// Timeout is the per-call wall-clock bound. Zero selects
	// DefaultTimeout.
	Timeout() time.Duration

	// Execute runs one call. ctx carries the call's deadline and the
	// variant's cancellation; implementations must honor both.
	Execute(ctx context.Context, call schema.ToolCall) (Outcome, error)
}

// NonRecoverable is an optional marker for executors whose failure is
// turn-fatal instead of being fed back to the model. Reserved for
// tools whose failure leaves the conversation in a state the model
// cannot repair (e.g., a broken external transaction).
type NonRecoverable interface {
	NonRecoverable() bool
}

// ExecutionError wraps a tool execution failure with the tool name.
type ExecutionError struct {
	Tool string
	Err  error
}

func (err *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s: %v", err.Tool, err.Err)
}

func (err *ExecutionError) Unwrap() error { return err.Err }

// UnknownToolError reports dispatch to a name with no registered
// executor.
type UnknownToolError struct {
	Name string
}

func (err *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", err.Name)
}

// Registry maps tool names to executors. Construct with NewRegistry
// and inject into each pipeline engine — never a hidden global, so
// tests substitute fakes and isolated workspaces run isolated
// registries.
type Registry struct {
	mu        sync.Mutex
	executors map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// RegisterBuiltin registers an engine tool. The name must carry the
// chorus_ prefix.
func (registry *Registry) RegisterBuiltin(executor Executor) error {
	name := executor.Definition().Name
	if !strings.HasPrefix(name, BuiltinPrefix) {
		return &schema.ValidationError{Field: "name", Reason: fmt.Sprintf("builtin tool %q must use the %s namespace", name, BuiltinPrefix)}
	}
	return registry.register(name, executor)
}

// Register registers an externally-provided executor. Names in the
// builtin namespace are rejected.
func (registry *Registry) Register(executor Executor) error {
	name := executor.Definition().Name
	if strings.HasPrefix(name, BuiltinPrefix) {
		return &schema.ValidationError{Field: "name", Reason: fmt.Sprintf("tool name %q is reserved for builtins", name)}
	}
	return registry.register(name, executor)
}

func (registry *Registry) register(name string, executor Executor) error {
	if name == "" {
		return &schema.ValidationError{Field: "name", Reason: "empty tool name"}
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, exists := registry.executors[name]; exists {
		return &schema.ValidationError{Field: "name", Reason: fmt.Sprintf("tool %q already registered", name)}
	}
	registry.executors[name] = executor
	return nil
}

// WithBuiltins derives a per-turn registry: a copy of this registry's
// executors plus fresh builtin tools over a new todo list. Each
// pipeline run gets its own derived registry so todo state is never
// shared across turns or variants.
func (registry *Registry) WithBuiltins() (*Registry, *TodoList, error) {
	derived := NewRegistry()
	registry.mu.Lock()
	for name, executor := range registry.executors {
		derived.executors[name] = executor
	}
	registry.mu.Unlock()

	list, err := RegisterBuiltins(derived)
	if err != nil {
		return nil, nil, err
	}
	return derived, list, nil
}

// Lookup resolves a tool name. Unknown names return UnknownToolError.
func (registry *Registry) Lookup(name string) (Executor, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	executor, exists := registry.executors[name]
	if !exists {
		return nil, &UnknownToolError{Name: name}
	}
	return executor, nil
}

// Definitions returns the model-facing definitions of all registered
// tools, builtins first, each group sorted by name.
func (registry *Registry) Definitions() []llm.ToolDefinition {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	var builtins, external []llm.ToolDefinition
	for name, executor := range registry.executors {
		if strings.HasPrefix(name, BuiltinPrefix) {
			builtins = append(builtins, executor.Definition())
		} else {
			external = append(external, executor.Definition())
		}
	}
	byName := func(a, b llm.ToolDefinition) int { return strings.Compare(a.Name, b.Name) }
	slices.SortFunc(builtins, byName)
	slices.SortFunc(external, byName)
	return append(builtins, external...)
}
