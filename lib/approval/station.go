// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package approval implements the rendezvous between a pipeline
// waiting to execute a sensitive tool call and the external responder
// (human or policy engine) that decides its fate.
//
// Each request is a single-fulfilment slot with a deadline. The
// pipeline registers the request BEFORE publishing the event that
// announces it, so a responder can never answer a request that does
// not exist yet. The waiting pipeline race-selects the fulfilment
// channel against the station clock's deadline and its own context;
// on timeout the request degrades to the station's configured default
// decision instead of hanging.
//
// Exactly one terminal transition happens per request. Racing Fulfil
// calls are serialized by the request lock: the first records the
// decision, later calls are idempotent no-ops that return the recorded
// outcome.
package approval

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bureau-foundation/chorus/lib/clock"
	"github.com/bureau-foundation/chorus/lib/schema"
)

// Decision is the responder's (or the timeout default's) verdict.
type Decision string

const (
	Approved Decision = "approved"
	Denied   Decision = "denied"
)

// State is the request lifecycle: Pending until exactly one of the
// three terminal states is reached.
type State string

const (
	StatePending  State = "pending"
	StateResolved State = "resolved"
	StateTimedOut State = "timed_out"
)

// Outcome is the terminal result of one approval request. TimedOut
// outcomes carry the station's default decision.
type Outcome struct {
	Decision Decision
	State    State
}

// ErrUnknownRequest is returned by Fulfil for a request ID that is not
// pending — never created, already collected by its waiter, or
// expired. Callers treat it as a no-op.
var ErrUnknownRequest = errors.New("approval: unknown request")

// DefaultTimeout is the deadline for low-friction approval prompts.
// Explicit confirmations configure longer per-request timeouts.
const DefaultTimeout = 30 * time.Second

// Request is one pending approval. Created by Station.Create, resolved
// by Station.Fulfil or by deadline, collected by Wait.
type Request struct {
	// ID is the generated request identifier announced to responders.
	ID string

	// ToolCall is the originating call awaiting approval.
	ToolCall schema.ToolCall

	// CreatedAt is the registration time.
	CreatedAt time.Time

	timeout         time.Duration
	defaultDecision Decision

	mu      sync.Mutex
	state   State
	outcome Outcome
	// fulfilled has capacity one: the single terminal value is handed
	// from the fulfilling goroutine to the single waiter, never
	// duplicated, never lost.
	fulfilled chan Outcome
}

// Option customizes one request.
type Option func(*Request)

// WithTimeout overrides the station's default deadline for this
// request. Explicit confirmation prompts use longer deadlines than
// low-friction ones.
func WithTimeout(timeout time.Duration) Option {
	return func(request *Request) { request.timeout = timeout }
}

// WithDefaultDecision overrides the decision applied when this request
// times out. Low-stakes prompts may auto-approve a recommended choice;
// everything else defaults to deny.
func WithDefaultDecision(decision Decision) Option {
	return func(request *Request) { request.defaultDecision = decision }
}

// Station is the registry of pending approval requests. Safe for
// concurrent use. The registry lock is held only around
// register/lookup/remove; waiting happens on per-request channels.
type Station struct {
	mu      sync.Mutex
	pending map[string]*Request

	clock           clock.Clock
	defaultTimeout  time.Duration
	defaultDecision Decision
}

// NewStation creates a station. timeout zero selects DefaultTimeout;
// defaultDecision empty selects Denied.
func NewStation(clk clock.Clock, timeout time.Duration, defaultDecision Decision) *Station {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if defaultDecision == "" {
		defaultDecision = Denied
	}
	return &Station{
		pending:         make(map[string]*Request),
		clock:           clk,
		defaultTimeout:  timeout,
		defaultDecision: defaultDecision,
	}
}

// Create registers a new pending request for the given tool call.
// Call this strictly before publishing the event that announces the
// request ID to responders.
func (station *Station) Create(toolCall schema.ToolCall, options ...Option) *Request {
	request := &Request{
		ID:              schema.NewApprovalID(),
		ToolCall:        toolCall,
		CreatedAt:       station.clock.Now(),
		timeout:         station.defaultTimeout,
		defaultDecision: station.defaultDecision,
		state:           StatePending,
		fulfilled:       make(chan Outcome, 1),
	}
	for _, option := range options {
		option(request)
	}

	station.mu.Lock()
	station.pending[request.ID] = request
	station.mu.Unlock()
	return request
}

// Fulfil records the responder's decision for a pending request.
// The first call wins; any later call (including after timeout) is an
// idempotent no-op returning the previously recorded outcome. An ID
// that is not registered returns ErrUnknownRequest.
func (station *Station) Fulfil(requestID string, decision Decision) (Outcome, error) {
	station.mu.Lock()
	request, exists := station.pending[requestID]
	station.mu.Unlock()
	if !exists {
		return Outcome{}, ErrUnknownRequest
	}

	request.mu.Lock()
	defer request.mu.Unlock()

	if request.state != StatePending {
		return request.outcome, nil
	}
	request.state = StateResolved
	request.outcome = Outcome{Decision: decision, State: StateResolved}
	request.fulfilled <- request.outcome
	return request.outcome, nil
}

// Pending returns the number of registered, uncollected requests.
func (station *Station) Pending() int {
	station.mu.Lock()
	defer station.mu.Unlock()
	return len(station.pending)
}

// Wait blocks until the request is fulfilled, its deadline passes, or
// ctx is cancelled. On deadline the request degrades to its default
// decision with State TimedOut. On context cancellation the request is
// withdrawn and ctx.Err() returned — cancellation is a normal terminal
// state for the caller, not a decision.
//
// Wait removes the request from the station on return; it is called
// exactly once, by the pipeline that created the request.
func (station *Station) Wait(ctx context.Context, request *Request) (Outcome, error) {
	defer func() {
		station.mu.Lock()
		delete(station.pending, request.ID)
		station.mu.Unlock()
	}()

	select {
	case outcome := <-request.fulfilled:
		return outcome, nil

	case <-station.clock.After(request.timeout):
		request.mu.Lock()
		defer request.mu.Unlock()
		if request.state == StatePending {
			request.state = StateTimedOut
			request.outcome = Outcome{Decision: request.defaultDecision, State: StateTimedOut}
			return request.outcome, nil
		}
		// Fulfilment raced the deadline and won: honor it.
		<-request.fulfilled
		return request.outcome, nil

	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
