// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "time"

// AgentRole distinguishes a workspace's coordinating agent from its
// delegated sub-agents.
type AgentRole string

const (
	AgentMain AgentRole = "main"
	AgentSub  AgentRole = "sub"
)

// AgentStatus is the scheduling state of a workspace agent.
//
// idle ↔ running ↔ sleeping are re-enterable; error is terminal — an
// agent whose task failed past its retry ceiling is excluded from
// further scheduling until an operator resets it.
type AgentStatus string

const (
	AgentIdle     AgentStatus = "idle"
	AgentRunning  AgentStatus = "running"
	AgentSleeping AgentStatus = "sleeping"
	AgentError    AgentStatus = "error"
)

// WorkspaceAgent is the persisted state of one long-lived autonomous
// agent. RetryCount and WakeAt survive process restarts: the retry
// ceiling is enforced across restarts, and a sleeping agent's pending
// wake is resumed rather than lost.
type WorkspaceAgent struct {
	ID          string      `json:"id"`
	WorkspaceID string      `json:"workspace_id"`
	Name        string      `json:"name"`
	Role        AgentRole   `json:"role"`
	Status      AgentStatus `json:"status"`

	// RetryCount is the number of consecutive failed task attempts.
	// Reset to zero on success; at the configured ceiling the agent
	// transitions to AgentError.
	RetryCount int `json:"retry_count"`

	// WakeAt is the scheduled wake time for a sleeping agent. Zero
	// when the agent is not sleeping on a schedule.
	WakeAt time.Time `json:"wake_at,omitzero"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
