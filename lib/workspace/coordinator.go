// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package workspace schedules long-lived autonomous agents. A
// Coordinator owns a bounded population of agents, each with a bounded
// FIFO inbox, an injection cooldown, and a retry ceiling persisted
// across restarts. The scheduler loop wakes sleeping agents whose wake
// time has passed and activates agents whose inboxes have work: one
// activation drains a capped batch of messages, runs a pipeline turn,
// and persists the outcome.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/bureau-foundation/chorus/lib/agentdef"
	"github.com/bureau-foundation/chorus/lib/clock"
	"github.com/bureau-foundation/chorus/lib/pipeline"
	"github.com/bureau-foundation/chorus/lib/schema"
	"github.com/bureau-foundation/chorus/lib/store"
)

// DefaultTickInterval is the scheduler poll cadence.
const DefaultTickInterval = time.Second

// Runner executes one conversation turn. *pipeline.Engine is the
// production implementation.
type Runner interface {
	Run(ctx context.Context, input pipeline.TurnInput) (pipeline.TurnOutcome, error)
}

// Config assembles a Coordinator.
type Config struct {
	// Definition is the resolved workspace definition.
	Definition *agentdef.ResolvedWorkspace

	// Runner executes agent turns.
	Runner Runner

	// Runners optionally overrides Runner per agent name, for
	// deployments where agents differ in model or system prompt.
	Runners map[string]Runner

	// Store persists agent state and conversation data.
	Store *store.Store

	// Clock drives the scheduler. Defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to a text handler on stderr.
	Logger *slog.Logger

	// TickInterval is the scheduler poll cadence. Defaults to
	// DefaultTickInterval.
	TickInterval time.Duration
}

type agentState struct {
	definition agentdef.ResolvedAgent
	persisted  schema.WorkspaceAgent
	inbox      *inbox
	runner     Runner

	// lastActivation gates the injection cooldown. Zero until the
	// first activation.
	lastActivation time.Time

	// sessionID is the agent's conversation session, created lazily
	// on first activation.
	sessionID string

	// history is the running conversation fed to the pipeline.
	history []llmHistory
}

// llmHistory defers the llm.Message construction to activation time so
// the state struct stays cheap to copy and inspect.
type llmHistory struct {
	role string
	text string
}

// Coordinator schedules one workspace's agents.
type Coordinator struct {
	definition *agentdef.ResolvedWorkspace
	store      *store.Store
	clock      clock.Clock
	logger     *slog.Logger
	tick       time.Duration

	mu       sync.Mutex
	agents   map[string]*agentState
	lastTurn time.Time
}

// NewCoordinator builds a Coordinator from a validated workspace
// definition, reconciling against persisted agent rows so retry
// counters, sleep schedules, and error states survive restarts.
// Agents present in the store but absent from the definition are left
// untouched; agents in the definition get a fresh row on first sight.
func NewCoordinator(ctx context.Context, config Config) (*Coordinator, error) {
	if config.Definition == nil {
		return nil, &schema.ValidationError{Field: "Definition", Reason: "required"}
	}
	if config.Runner == nil {
		return nil, &schema.ValidationError{Field: "Runner", Reason: "required"}
	}
	if config.Store == nil {
		return nil, &schema.ValidationError{Field: "Store", Reason: "required"}
	}
	if len(config.Definition.Agents) > config.Definition.MaxAgents {
		return nil, &schema.ResourceExhaustedError{
			Resource: "agents", Limit: config.Definition.MaxAgents,
		}
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultTickInterval
	}

	coordinator := &Coordinator{
		definition: config.Definition,
		store:      config.Store,
		clock:      config.Clock,
		logger:     config.Logger.With("workspace", config.Definition.Name),
		tick:       config.TickInterval,
		agents:     make(map[string]*agentState),
	}

	persisted, err := config.Store.LoadWorkspaceAgents(ctx, config.Definition.Name)
	if err != nil {
		return nil, fmt.Errorf("loading workspace agents: %w", err)
	}
	byName := make(map[string]schema.WorkspaceAgent, len(persisted))
	for _, agent := range persisted {
		byName[agent.Name] = agent
	}

	now := coordinator.clock.Now()
	for _, definition := range config.Definition.Agents {
		state := &agentState{
			definition: definition,
			inbox:      newInbox(definition.InboxCapacity),
			runner:     config.Runner,
		}
		if override, found := config.Runners[definition.Name]; found {
			state.runner = override
		}
		if existing, found := byName[definition.Name]; found {
			state.persisted = existing
		} else {
			state.persisted = schema.WorkspaceAgent{
				ID:          schema.NewAgentID(),
				WorkspaceID: config.Definition.Name,
				Name:        definition.Name,
				Role:        schema.AgentRole(definition.Role),
				Status:      schema.AgentIdle,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := config.Store.SaveAgent(ctx, state.persisted); err != nil {
				return nil, fmt.Errorf("creating agent %q: %w", definition.Name, err)
			}
		}
		coordinator.agents[definition.Name] = state
	}

	return coordinator, nil
}

// Deliver queues a message for an agent. Returns
// ResourceExhaustedError when the inbox is at capacity and ErrNotFound
// when the agent does not exist. Delivery to a sleeping agent queues
// the message without waking it; delivery to an errored agent is
// rejected.
func (coordinator *Coordinator) Deliver(agentName, from, text string) error {
	coordinator.mu.Lock()
	state, found := coordinator.agents[agentName]
	coordinator.mu.Unlock()
	if !found {
		return fmt.Errorf("workspace %s: agent %q: %w",
			coordinator.definition.Name, agentName, store.ErrNotFound)
	}
	if status := coordinator.agentStatus(state); status == schema.AgentError {
		return fmt.Errorf("agent %q is in the error state and must be reset before receiving messages", agentName)
	}
	return state.inbox.push(InboxMessage{
		From:     from,
		Text:     text,
		QueuedAt: coordinator.clock.Now(),
	})
}

// Sleep parks an agent until the time computed from specification
// (a duration string or a cron expression). The wake time is persisted
// so a restart resumes the pending wake.
func (coordinator *Coordinator) Sleep(ctx context.Context, agentName, specification string) error {
	wakeAt, err := ComputeWake(specification, coordinator.clock.Now())
	if err != nil {
		return &schema.ValidationError{Field: "sleep", Reason: err.Error()}
	}

	coordinator.mu.Lock()
	defer coordinator.mu.Unlock()
	state, found := coordinator.agents[agentName]
	if !found {
		return fmt.Errorf("agent %q: %w", agentName, store.ErrNotFound)
	}
	state.persisted.Status = schema.AgentSleeping
	state.persisted.WakeAt = wakeAt
	state.persisted.UpdatedAt = coordinator.clock.Now()
	if err := coordinator.store.SaveAgent(ctx, state.persisted); err != nil {
		return fmt.Errorf("persisting sleep for %q: %w", agentName, err)
	}
	coordinator.logger.Info("agent sleeping", "agent", agentName, "wake_at", wakeAt)
	return nil
}

// Wake immediately returns a sleeping agent to the idle state,
// discarding its scheduled wake time.
func (coordinator *Coordinator) Wake(ctx context.Context, agentName string) error {
	coordinator.mu.Lock()
	defer coordinator.mu.Unlock()
	state, found := coordinator.agents[agentName]
	if !found {
		return fmt.Errorf("agent %q: %w", agentName, store.ErrNotFound)
	}
	if state.persisted.Status != schema.AgentSleeping {
		return &schema.ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("agent %q is %s, not sleeping", agentName, state.persisted.Status),
		}
	}
	return coordinator.setIdle(ctx, state)
}

// Reset clears an errored agent's retry counter and returns it to
// idle. This is the operator's recovery path after the retry ceiling.
func (coordinator *Coordinator) Reset(ctx context.Context, agentName string) error {
	coordinator.mu.Lock()
	defer coordinator.mu.Unlock()
	state, found := coordinator.agents[agentName]
	if !found {
		return fmt.Errorf("agent %q: %w", agentName, store.ErrNotFound)
	}
	state.persisted.RetryCount = 0
	return coordinator.setIdle(ctx, state)
}

// setIdle persists an idle status with no pending wake. Caller holds
// the coordinator mutex.
func (coordinator *Coordinator) setIdle(ctx context.Context, state *agentState) error {
	state.persisted.Status = schema.AgentIdle
	state.persisted.WakeAt = time.Time{}
	state.persisted.UpdatedAt = coordinator.clock.Now()
	if err := coordinator.store.SaveAgent(ctx, state.persisted); err != nil {
		return fmt.Errorf("persisting state for %q: %w", state.persisted.Name, err)
	}
	return nil
}

// AgentStatus reports an agent's current scheduling state.
func (coordinator *Coordinator) AgentStatus(agentName string) (schema.WorkspaceAgent, error) {
	coordinator.mu.Lock()
	defer coordinator.mu.Unlock()
	state, found := coordinator.agents[agentName]
	if !found {
		return schema.WorkspaceAgent{}, fmt.Errorf("agent %q: %w", agentName, store.ErrNotFound)
	}
	return state.persisted, nil
}

func (coordinator *Coordinator) agentStatus(state *agentState) schema.AgentStatus {
	coordinator.mu.Lock()
	defer coordinator.mu.Unlock()
	return state.persisted.Status
}

// Run drives the scheduler until ctx is cancelled. Each tick wakes
// due sleepers, then activates ready agents in name order (the main
// agent's position in that order carries no privilege; fairness comes
// from cooldowns).
func (coordinator *Coordinator) Run(ctx context.Context) error {
	ticker := coordinator.clock.NewTicker(coordinator.tick)
	defer ticker.Stop()

	coordinator.logger.Info("scheduler started",
		"agents", len(coordinator.agents), "tick", coordinator.tick)

	for {
		select {
		case <-ctx.Done():
			coordinator.logger.Info("scheduler stopped", "reason", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			coordinator.step(ctx)
		}
	}
}

// step is one scheduler pass: wake due sleepers, then activate at most
// one ready agent (the workspace message-rate bound applies across
// activations, so one per tick keeps the pacing observable).
func (coordinator *Coordinator) step(ctx context.Context) {
	now := coordinator.clock.Now()

	coordinator.mu.Lock()
	names := make([]string, 0, len(coordinator.agents))
	for name := range coordinator.agents {
		names = append(names, name)
	}
	sort.Strings(names)

	var ready *agentState
	for _, name := range names {
		state := coordinator.agents[name]

		if state.persisted.Status == schema.AgentSleeping &&
			!state.persisted.WakeAt.IsZero() && !state.persisted.WakeAt.After(now) {
			state.persisted.Status = schema.AgentIdle
			state.persisted.WakeAt = time.Time{}
			state.persisted.UpdatedAt = now
			if err := coordinator.store.SaveAgent(ctx, state.persisted); err != nil {
				coordinator.logger.Error("persisting wake failed", "agent", name, "error", err)
			} else {
				coordinator.logger.Info("agent woke", "agent", name)
			}
		}

		if ready == nil && coordinator.readyLocked(state, now) {
			ready = state
		}
	}

	if ready != nil {
		ready.persisted.Status = schema.AgentRunning
		ready.persisted.UpdatedAt = now
		coordinator.lastTurn = now
		ready.lastActivation = now
	}
	coordinator.mu.Unlock()

	if ready != nil {
		coordinator.activate(ctx, ready)
	}
}

// readyLocked reports whether an agent can be activated now. Caller
// holds the coordinator mutex.
func (coordinator *Coordinator) readyLocked(state *agentState, now time.Time) bool {
	if state.persisted.Status != schema.AgentIdle {
		return false
	}
	if state.inbox.length() == 0 {
		return false
	}
	if !state.lastActivation.IsZero() &&
		now.Sub(state.lastActivation) < state.definition.Cooldown {
		return false
	}
	interval := coordinator.definition.MinMessageInterval
	if interval > 0 && !coordinator.lastTurn.IsZero() &&
		now.Sub(coordinator.lastTurn) < interval {
		return false
	}
	return true
}
