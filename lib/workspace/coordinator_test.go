// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workspace_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/chorus/lib/agentdef"
	"github.com/bureau-foundation/chorus/lib/clock"
	"github.com/bureau-foundation/chorus/lib/llm"
	"github.com/bureau-foundation/chorus/lib/pipeline"
	"github.com/bureau-foundation/chorus/lib/schema"
	"github.com/bureau-foundation/chorus/lib/store"
	"github.com/bureau-foundation/chorus/lib/testutil"
	"github.com/bureau-foundation/chorus/lib/workspace"
)

// recordingRunner records turn inputs and returns a canned outcome or
// error per call.
type recordingRunner struct {
	mu      sync.Mutex
	inputs  []pipeline.TurnInput
	fail    bool
	started chan struct{}
}

func newRecordingRunner() *recordingRunner {
	return &recordingRunner{started: make(chan struct{}, 16)}
}

func (runner *recordingRunner) Run(ctx context.Context, input pipeline.TurnInput) (pipeline.TurnOutcome, error) {
	runner.mu.Lock()
	runner.inputs = append(runner.inputs, input)
	fail := runner.fail
	runner.mu.Unlock()
	runner.started <- struct{}{}

	if fail {
		return pipeline.TurnOutcome{Status: schema.VariantError}, errors.New("provider unreachable")
	}
	return pipeline.TurnOutcome{
		Status: schema.VariantComplete,
		Blocks: []schema.Block{{
			ID:        schema.NewBlockID(),
			MessageID: input.MessageID,
			VariantID: input.VariantID,
			Kind:      schema.BlockContent,
			Status:    schema.BlockComplete,
			Content:   "acknowledged",
		}},
		Rounds: 1,
	}, nil
}

func (runner *recordingRunner) turnInputs() []pipeline.TurnInput {
	runner.mu.Lock()
	defer runner.mu.Unlock()
	inputs := make([]pipeline.TurnInput, len(runner.inputs))
	copy(inputs, runner.inputs)
	return inputs
}

func (runner *recordingRunner) setFail(fail bool) {
	runner.mu.Lock()
	defer runner.mu.Unlock()
	runner.fail = fail
}

func testDefinition() *agentdef.ResolvedWorkspace {
	return &agentdef.ResolvedWorkspace{
		Name:      "research",
		MaxAgents: 4,
		Agents: []agentdef.ResolvedAgent{
			{
				Name:          "lead",
				Role:          "main",
				Model:         "claude-sonnet-4-5",
				SystemPrompt:  "coordinate",
				InboxCapacity: 4,
				Cooldown:      3 * time.Second,
				DrainLimit:    2,
				RetryLimit:    2,
			},
		},
	}
}

type harness struct {
	coordinator *workspace.Coordinator
	runner      *recordingRunner
	store       *store.Store
	clock       *clock.FakeClock
}

func newHarness(t *testing.T, definition *agentdef.ResolvedWorkspace) *harness {
	t.Helper()
	dataStore, err := store.Open(store.Config{
		Path:     filepath.Join(t.TempDir(), "chorus.db"),
		PoolSize: 2,
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { dataStore.Close() })

	runner := newRecordingRunner()
	fakeClock := clock.Fake(time.Unix(1700000000, 0))
	coordinator, err := workspace.NewCoordinator(context.Background(), workspace.Config{
		Definition:   definition,
		Runner:       runner,
		Store:        dataStore,
		Clock:        fakeClock,
		TickInterval: time.Second,
	})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	return &harness{coordinator: coordinator, runner: runner, store: dataStore, clock: fakeClock}
}

// tick advances the scheduler by one poll interval once the run loop
// is parked on the ticker.
func (h *harness) tick() {
	h.clock.WaitForWaiters(1)
	h.clock.Advance(time.Second)
}

// waitFor polls condition with a real-time bound; the fake clock keeps
// the scheduler itself deterministic, the poll only covers goroutine
// handoff.
func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached within 5s")
}

func (h *harness) agentStatus(t *testing.T, name string) schema.WorkspaceAgent {
	t.Helper()
	agent, err := h.coordinator.AgentStatus(name)
	if err != nil {
		t.Fatalf("AgentStatus: %v", err)
	}
	return agent
}

func TestDeliverRejectsWhenInboxFull(t *testing.T) {
	t.Parallel()
	definition := testDefinition()
	definition.Agents[0].InboxCapacity = 1
	h := newHarness(t, definition)

	if err := h.coordinator.Deliver("lead", "operator", "first"); err != nil {
		t.Fatalf("first Deliver: %v", err)
	}
	err := h.coordinator.Deliver("lead", "operator", "second")
	if !schema.IsResourceExhausted(err) {
		t.Fatalf("second Deliver = %v, want ResourceExhaustedError", err)
	}

	if err := h.coordinator.Deliver("ghost", "operator", "hello"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Deliver to unknown agent = %v, want ErrNotFound", err)
	}
}

func TestPopulationCapEnforced(t *testing.T) {
	t.Parallel()
	definition := testDefinition()
	definition.MaxAgents = 1
	definition.Agents = append(definition.Agents, agentdef.ResolvedAgent{
		Name: "extra", Role: "sub", SystemPrompt: "p",
		InboxCapacity: 1, Cooldown: time.Second, DrainLimit: 1, RetryLimit: 1,
	})

	dataStore, err := store.Open(store.Config{
		Path:     filepath.Join(t.TempDir(), "chorus.db"),
		PoolSize: 1,
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer dataStore.Close()

	_, err = workspace.NewCoordinator(context.Background(), workspace.Config{
		Definition: definition,
		Runner:     newRecordingRunner(),
		Store:      dataStore,
	})
	if !schema.IsResourceExhausted(err) {
		t.Fatalf("NewCoordinator = %v, want ResourceExhaustedError", err)
	}
}

func TestSchedulerDrainsWithCapAndCooldown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testDefinition())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.coordinator.Run(ctx)

	for i := 0; i < 3; i++ {
		if err := h.coordinator.Deliver("lead", "operator", fmt.Sprintf("task %d", i)); err != nil {
			t.Fatalf("Deliver: %v", err)
		}
	}

	// First tick: one activation draining DrainLimit=2 messages.
	h.tick()
	waitFor(t, func() bool { return len(h.runner.turnInputs()) == 1 })
	waitFor(t, func() bool {
		return h.agentStatus(t, "lead").Status == schema.AgentIdle
	})

	first := h.runner.turnInputs()[0]
	batch := lastUserText(t, first.History)
	if !strings.Contains(batch, "task 0") || !strings.Contains(batch, "task 1") {
		t.Fatalf("first batch = %q, want tasks 0 and 1", batch)
	}
	if strings.Contains(batch, "task 2") {
		t.Fatalf("first batch = %q leaked past the drain cap", batch)
	}

	// Next tick arrives inside the 3s cooldown: no activation.
	h.tick()
	h.tick()
	if got := len(h.runner.turnInputs()); got != 1 {
		t.Fatalf("activations during cooldown = %d, want 1", got)
	}

	// A third tick puts the clock 3s past the first activation.
	h.tick()
	waitFor(t, func() bool { return len(h.runner.turnInputs()) == 2 })

	second := h.runner.turnInputs()[1]
	if !strings.Contains(lastUserText(t, second.History), "task 2") {
		t.Fatalf("second batch = %q, want task 2", lastUserText(t, second.History))
	}
	// History carries the whole conversation forward.
	if len(second.History) < 3 {
		t.Fatalf("history length = %d, want prior user + assistant + new user", len(second.History))
	}
	if second.SessionID != first.SessionID {
		t.Fatal("activations should share the agent's session")
	}
}

func lastUserText(t *testing.T, history []llm.Message) string {
	t.Helper()
	if len(history) == 0 {
		t.Fatal("empty history")
	}
	last := history[len(history)-1]
	if last.Role != llm.RoleUser {
		t.Fatalf("last history role = %s, want user", last.Role)
	}
	var parts []string
	for _, block := range last.Content {
		parts = append(parts, block.Text)
	}
	return strings.Join(parts, "")
}

func TestRetryCeilingParksAgent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testDefinition())
	h.runner.setFail(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.coordinator.Run(ctx)

	if err := h.coordinator.Deliver("lead", "operator", "doomed"); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	h.tick()
	waitFor(t, func() bool {
		agent := h.agentStatus(t, "lead")
		return agent.RetryCount == 1 && agent.Status == schema.AgentIdle
	})

	if err := h.coordinator.Deliver("lead", "operator", "doomed again"); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	// Ride past the cooldown to the second failing activation.
	for i := 0; i < 4; i++ {
		h.tick()
	}
	waitFor(t, func() bool {
		return h.agentStatus(t, "lead").Status == schema.AgentError
	})

	// An errored agent rejects delivery until reset.
	if err := h.coordinator.Deliver("lead", "operator", "anyone there?"); err == nil {
		t.Fatal("Deliver to errored agent should fail")
	}

	if err := h.coordinator.Reset(ctx, "lead"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	agent := h.agentStatus(t, "lead")
	if agent.Status != schema.AgentIdle || agent.RetryCount != 0 {
		t.Fatalf("after reset: %+v", agent)
	}
}

func TestSleepPersistsAcrossRestartAndWakes(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "chorus.db")
	ctx := context.Background()

	dataStore, err := store.Open(store.Config{Path: path, PoolSize: 2})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	fakeClock := clock.Fake(time.Unix(1700000000, 0))
	coordinator, err := workspace.NewCoordinator(ctx, workspace.Config{
		Definition:   testDefinition(),
		Runner:       newRecordingRunner(),
		Store:        dataStore,
		Clock:        fakeClock,
		TickInterval: time.Second,
	})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	if err := coordinator.Sleep(ctx, "lead", "30m"); err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	agent, err := coordinator.AgentStatus("lead")
	if err != nil {
		t.Fatalf("AgentStatus: %v", err)
	}
	wantWake := time.Unix(1700000000, 0).Add(30 * time.Minute)
	if agent.Status != schema.AgentSleeping || !agent.WakeAt.Equal(wantWake) {
		t.Fatalf("after sleep: %+v", agent)
	}
	if err := dataStore.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Restart: the pending wake is resumed from the store.
	dataStore, err = store.Open(store.Config{Path: path, PoolSize: 2})
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer dataStore.Close()

	// Restart the clock past the wake time; the first tick wakes the
	// agent.
	lateClock := clock.Fake(wantWake.Add(time.Minute))
	coordinator, err = workspace.NewCoordinator(ctx, workspace.Config{
		Definition:   testDefinition(),
		Runner:       newRecordingRunner(),
		Store:        dataStore,
		Clock:        lateClock,
		TickInterval: time.Second,
	})
	if err != nil {
		t.Fatalf("NewCoordinator after restart: %v", err)
	}
	agent, err = coordinator.AgentStatus("lead")
	if err != nil {
		t.Fatalf("AgentStatus: %v", err)
	}
	if agent.Status != schema.AgentSleeping {
		t.Fatalf("restored status = %s, want sleeping", agent.Status)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go coordinator.Run(runCtx)
	lateClock.WaitForWaiters(1)
	lateClock.Advance(time.Second)
	waitFor(t, func() bool {
		current, err := coordinator.AgentStatus("lead")
		return err == nil && current.Status == schema.AgentIdle && current.WakeAt.IsZero()
	})
}

func TestManualWake(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testDefinition())
	ctx := context.Background()

	if err := h.coordinator.Wake(ctx, "lead"); !schema.IsValidation(err) {
		t.Fatalf("Wake on idle agent = %v, want ValidationError", err)
	}

	if err := h.coordinator.Sleep(ctx, "lead", "1h"); err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	if err := h.coordinator.Wake(ctx, "lead"); err != nil {
		t.Fatalf("Wake: %v", err)
	}
	agent := h.agentStatus(t, "lead")
	if agent.Status != schema.AgentIdle || !agent.WakeAt.IsZero() {
		t.Fatalf("after wake: %+v", agent)
	}
}

func TestComputeWake(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, time.March, 4, 10, 30, 0, 0, time.UTC)

	wake, err := workspace.ComputeWake("45m", now)
	if err != nil {
		t.Fatalf("duration form: %v", err)
	}
	if !wake.Equal(now.Add(45 * time.Minute)) {
		t.Fatalf("wake = %v", wake)
	}

	// Weekday 09:00 cron schedule from a Wednesday morning.
	wake, err = workspace.ComputeWake("0 9 * * 1-5", now)
	if err != nil {
		t.Fatalf("cron form: %v", err)
	}
	want := time.Date(2026, time.March, 5, 9, 0, 0, 0, time.UTC)
	if !wake.Equal(want) {
		t.Fatalf("cron wake = %v, want %v", wake, want)
	}

	if _, err := workspace.ComputeWake("whenever", now); err == nil {
		t.Fatal("bad specification should fail")
	}
	if _, err := workspace.ComputeWake("-5m", now); err == nil {
		t.Fatal("negative duration should fail")
	}
}

// gatedRunner records its input, signals that a turn is in flight,
// then blocks until released or the run context is cancelled.
type gatedRunner struct {
	mu      sync.Mutex
	inputs  []pipeline.TurnInput
	started chan struct{}
	release chan struct{}
}

func newGatedRunner() *gatedRunner {
	return &gatedRunner{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (runner *gatedRunner) Run(ctx context.Context, input pipeline.TurnInput) (pipeline.TurnOutcome, error) {
	runner.mu.Lock()
	runner.inputs = append(runner.inputs, input)
	runner.mu.Unlock()
	runner.started <- struct{}{}

	select {
	case <-runner.release:
		return pipeline.TurnOutcome{Status: schema.VariantComplete, Rounds: 1}, nil
	case <-ctx.Done():
		return pipeline.TurnOutcome{}, ctx.Err()
	}
}

func (runner *gatedRunner) input(t *testing.T, index int) pipeline.TurnInput {
	t.Helper()
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if index >= len(runner.inputs) {
		t.Fatalf("runner saw %d turns, want at least %d", len(runner.inputs), index+1)
	}
	return runner.inputs[index]
}

type gatedHarness struct {
	coordinator *workspace.Coordinator
	runner      *gatedRunner
	store       *store.Store
	clock       *clock.FakeClock
}

func newGatedHarness(t *testing.T, definition *agentdef.ResolvedWorkspace) *gatedHarness {
	t.Helper()
	dataStore, err := store.Open(store.Config{
		Path:     filepath.Join(t.TempDir(), "chorus.db"),
		PoolSize: 2,
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { dataStore.Close() })

	runner := newGatedRunner()
	fakeClock := clock.Fake(time.Unix(1700000000, 0))
	coordinator, err := workspace.NewCoordinator(context.Background(), workspace.Config{
		Definition:   definition,
		Runner:       runner,
		Store:        dataStore,
		Clock:        fakeClock,
		TickInterval: time.Second,
	})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	return &gatedHarness{coordinator: coordinator, runner: runner, store: dataStore, clock: fakeClock}
}

func TestShutdownCancellationDoesNotBurnRetries(t *testing.T) {
	t.Parallel()
	h := newGatedHarness(t, testDefinition())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan struct{})
	go func() {
		h.coordinator.Run(ctx)
		close(runDone)
	}()

	if err := h.coordinator.Deliver("lead", "operator", "long task"); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	h.clock.WaitForWaiters(1)
	h.clock.Advance(time.Second)
	testutil.RequireReceive(t, h.runner.started, "turn start")

	// Stop the daemon mid-turn. The runner returns context.Canceled,
	// which must not count against the retry ceiling.
	cancel()
	testutil.RequireClosed(t, runDone, "run loop exit")

	agent, err := h.coordinator.AgentStatus("lead")
	if err != nil {
		t.Fatalf("AgentStatus: %v", err)
	}
	if agent.RetryCount != 0 {
		t.Errorf("RetryCount after shutdown cancellation = %d, want 0", agent.RetryCount)
	}
	if agent.Status != schema.AgentIdle {
		t.Errorf("Status after shutdown cancellation = %s, want idle", agent.Status)
	}

	// The persisted row matches: a restart sees a clean idle agent.
	persisted, err := h.store.LoadAgent(context.Background(), agent.ID)
	if err != nil {
		t.Fatalf("LoadAgent: %v", err)
	}
	if persisted.RetryCount != 0 || persisted.Status != schema.AgentIdle {
		t.Errorf("persisted agent = status %s retries %d, want idle 0",
			persisted.Status, persisted.RetryCount)
	}

	// The interrupted variant lands in cancelled, not error.
	input := h.runner.input(t, 0)
	data, err := h.store.LoadSession(context.Background(), input.SessionID)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	for _, variant := range data.Variants {
		if variant.ID == input.VariantID && variant.Status != schema.VariantCancelled {
			t.Errorf("variant status = %s, want cancelled", variant.Status)
		}
	}
}

func TestVariantStreamingWhileTurnRuns(t *testing.T) {
	t.Parallel()
	h := newGatedHarness(t, testDefinition())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.coordinator.Run(ctx)

	if err := h.coordinator.Deliver("lead", "operator", "hello"); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	h.clock.WaitForWaiters(1)
	h.clock.Advance(time.Second)
	testutil.RequireReceive(t, h.runner.started, "turn start")

	input := h.runner.input(t, 0)
	data, err := h.store.LoadSession(context.Background(), input.SessionID)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	found := false
	for _, variant := range data.Variants {
		if variant.ID == input.VariantID {
			found = true
			if variant.Status != schema.VariantStreaming {
				t.Errorf("mid-turn variant status = %s, want streaming", variant.Status)
			}
		}
	}
	if !found {
		t.Fatalf("variant %s not persisted", input.VariantID)
	}

	close(h.runner.release)
	waitFor(t, func() bool {
		agent, err := h.coordinator.AgentStatus("lead")
		return err == nil && agent.Status == schema.AgentIdle
	})

	data, err = h.store.LoadSession(context.Background(), input.SessionID)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	for _, variant := range data.Variants {
		if variant.ID == input.VariantID && variant.Status != schema.VariantComplete {
			t.Errorf("final variant status = %s, want complete", variant.Status)
		}
	}
}
