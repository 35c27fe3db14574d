// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventbus fans out block-level and session-level lifecycle
// events to subscribers.
//
// Publishing is fire-and-forget: a full or stalled subscriber degrades
// delivery for that subscriber only (oldest queued events are dropped
// and counted), never the publishing pipeline. The bus holds its
// registry lock only around subscribe/unsubscribe/snapshot — no lock
// spans a channel operation.
//
// Delivery is at-least-once from the subscriber's point of view in the
// sense that events survive transient slowness up to the buffer bound;
// per subscriber, events for one block arrive in publish order unless
// drops occurred (visible via Subscription.Dropped).
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/chorus/lib/schema"
)

// DefaultBufferSize is the per-subscriber event buffer capacity.
const DefaultBufferSize = 256

// BlockEventType classifies fine-grained block lifecycle events.
type BlockEventType string

const (
	// BlockStarted announces a new block entering streaming.
	BlockStarted BlockEventType = "block_started"
	// BlockDelta carries an incremental content fragment.
	BlockDelta BlockEventType = "block_delta"
	// BlockFinished announces a block reaching a terminal status
	// (complete, error, or cancelled — see Block.Status).
	BlockFinished BlockEventType = "block_finished"
)

// BlockEvent is one fine-grained lifecycle event. Block is a snapshot
// at event time; Delta is set only for BlockDelta events.
type BlockEvent struct {
	Type      BlockEventType
	SessionID string
	MessageID string
	VariantID string
	Block     schema.Block
	Delta     string
}

// SessionEventType classifies coarse session lifecycle events.
type SessionEventType string

const (
	TurnStarted       SessionEventType = "turn_started"
	TurnFinished      SessionEventType = "turn_finished"
	VariantSwitched   SessionEventType = "variant_switched"
	ApprovalRequested SessionEventType = "approval_requested"
)

// SessionEvent is one coarse lifecycle event. VariantID is set for
// variant_switched; ApprovalID for approval_requested.
type SessionEvent struct {
	Type       SessionEventType
	SessionID  string
	MessageID  string
	VariantID  string
	ApprovalID string
}

// Subscription is one subscriber's bounded event feed. Read from
// Events until it is closed by Close.
type Subscription[T any] struct {
	events  chan T
	dropped atomic.Int64
	cancel  func()
	once    sync.Once

	// mu guards closed and the channel operations in deliver. All
	// sends under it are non-blocking, so the lock is never held
	// across a wait.
	mu     sync.Mutex
	closed bool

	sessionID string
	variantID string
}

// Events returns the subscriber's receive channel.
func (subscription *Subscription[T]) Events() <-chan T {
	return subscription.events
}

// Dropped returns the number of events dropped for this subscriber
// because its buffer was saturated.
func (subscription *Subscription[T]) Dropped() int64 {
	return subscription.dropped.Load()
}

// Close unregisters the subscription and closes its channel. Safe to
// call more than once.
func (subscription *Subscription[T]) Close() {
	subscription.once.Do(func() {
		subscription.cancel()
		subscription.mu.Lock()
		subscription.closed = true
		close(subscription.events)
		subscription.mu.Unlock()
	})
}

// deliver enqueues event without blocking. On a full buffer the oldest
// queued event is evicted to make room; if a racing consumer refills
// the buffer, the new event is dropped instead. Either way the drop
// counter advances.
func (subscription *Subscription[T]) deliver(event T) {
	subscription.mu.Lock()
	defer subscription.mu.Unlock()
	if subscription.closed {
		return
	}

	select {
	case subscription.events <- event:
		return
	default:
	}

	select {
	case <-subscription.events:
	default:
	}
	subscription.dropped.Add(1)

	select {
	case subscription.events <- event:
	default:
	}
}

// Bus is the engine-wide event fan-out. The zero value is not usable;
// construct with New.
type Bus struct {
	mu               sync.Mutex
	blockSubscribers map[int64]*Subscription[BlockEvent]
	sessionSubs      map[int64]*Subscription[SessionEvent]
	nextID           int64
	bufferSize       int
}

// New creates a Bus. bufferSize is the per-subscriber buffer capacity;
// zero or negative selects DefaultBufferSize.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		blockSubscribers: make(map[int64]*Subscription[BlockEvent]),
		sessionSubs:      make(map[int64]*Subscription[SessionEvent]),
		bufferSize:       bufferSize,
	}
}

// SubscribeBlocks registers for block events. sessionID scopes the
// feed to one session ("" for all); variantID further scopes to one
// variant ("" for all variants), letting a UI surface follow a single
// candidate response.
func (bus *Bus) SubscribeBlocks(sessionID, variantID string) *Subscription[BlockEvent] {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	bus.nextID++
	id := bus.nextID
	subscription := &Subscription[BlockEvent]{
		events:    make(chan BlockEvent, bus.bufferSize),
		sessionID: sessionID,
		variantID: variantID,
	}
	subscription.cancel = func() {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		delete(bus.blockSubscribers, id)
	}
	bus.blockSubscribers[id] = subscription
	return subscription
}

// SubscribeSession registers for coarse session events, scoped to one
// session ("" for all).
func (bus *Bus) SubscribeSession(sessionID string) *Subscription[SessionEvent] {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	bus.nextID++
	id := bus.nextID
	subscription := &Subscription[SessionEvent]{
		events:    make(chan SessionEvent, bus.bufferSize),
		sessionID: sessionID,
	}
	subscription.cancel = func() {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		delete(bus.sessionSubs, id)
	}
	bus.sessionSubs[id] = subscription
	return subscription
}

// PublishBlock delivers event to every matching block subscriber
// without blocking.
func (bus *Bus) PublishBlock(event BlockEvent) {
	for _, subscription := range bus.blockSnapshot() {
		if subscription.sessionID != "" && subscription.sessionID != event.SessionID {
			continue
		}
		if subscription.variantID != "" && subscription.variantID != event.VariantID {
			continue
		}
		subscription.deliver(event)
	}
}

// PublishSession delivers event to every matching session subscriber
// without blocking.
func (bus *Bus) PublishSession(event SessionEvent) {
	for _, subscription := range bus.sessionSnapshot() {
		if subscription.sessionID != "" && subscription.sessionID != event.SessionID {
			continue
		}
		subscription.deliver(event)
	}
}

// blockSnapshot copies the subscriber set under the lock so delivery
// happens outside it.
func (bus *Bus) blockSnapshot() []*Subscription[BlockEvent] {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	snapshot := make([]*Subscription[BlockEvent], 0, len(bus.blockSubscribers))
	for _, subscription := range bus.blockSubscribers {
		snapshot = append(snapshot, subscription)
	}
	return snapshot
}

func (bus *Bus) sessionSnapshot() []*Subscription[SessionEvent] {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	snapshot := make([]*Subscription[SessionEvent], 0, len(bus.sessionSubs))
	for _, subscription := range bus.sessionSubs {
		snapshot = append(snapshot, subscription)
	}
	return snapshot
}
