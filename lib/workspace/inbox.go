// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"sync"
	"time"

	"github.com/bureau-foundation/chorus/lib/schema"
)

// InboxMessage is one queued message awaiting injection into an
// agent's conversation.
type InboxMessage struct {
	// From names the sender: another agent, or "operator".
	From string

	// Text is the message body, injected as a user message.
	Text string

	// QueuedAt is when the message entered the inbox.
	QueuedAt time.Time
}

// inbox is a bounded FIFO mailbox. Push rejects when full rather than
// evicting: a sender must learn its message was not queued.
type inbox struct {
	mu       sync.Mutex
	capacity int
	queue    []InboxMessage
}

func newInbox(capacity int) *inbox {
	return &inbox{capacity: capacity}
}

func (box *inbox) push(message InboxMessage) error {
	box.mu.Lock()
	defer box.mu.Unlock()
	if len(box.queue) >= box.capacity {
		return &schema.ResourceExhaustedError{Resource: "inbox", Limit: box.capacity}
	}
	box.queue = append(box.queue, message)
	return nil
}

// drain removes and returns up to limit messages in arrival order.
func (box *inbox) drain(limit int) []InboxMessage {
	box.mu.Lock()
	defer box.mu.Unlock()
	if limit > len(box.queue) {
		limit = len(box.queue)
	}
	if limit == 0 {
		return nil
	}
	drained := make([]InboxMessage, limit)
	copy(drained, box.queue[:limit])
	remaining := len(box.queue) - limit
	copy(box.queue, box.queue[limit:])
	box.queue = box.queue[:remaining]
	return drained
}

func (box *inbox) length() int {
	box.mu.Lock()
	defer box.mu.Unlock()
	return len(box.queue)
}
