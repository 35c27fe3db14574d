// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "time"

// SessionState is the lifecycle state of a conversation session.
// Sessions are never destroyed implicitly: archive and soft-delete are
// the only exits from Active, and a soft-deleted session's rows remain
// until an operator purges them out-of-band.
type SessionState string

const (
	SessionActive   SessionState = "active"
	SessionArchived SessionState = "archived"
	SessionDeleted  SessionState = "deleted"
)

// Session is the ownership root for one conversation. Created on the
// first send, mutated by every turn.
type Session struct {
	ID        string       `json:"id"`
	Title     string       `json:"title,omitempty"`
	State     SessionState `json:"state"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message belongs to exactly one session and owns an ordered block
// sequence. Sequence is assigned by the store at append time and never
// changes; messages are never reordered after creation.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Sequence  int64     `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
}
