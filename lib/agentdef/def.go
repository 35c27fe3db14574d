// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package agentdef provides parsing, validation, and resolution for
// workspace definition files. Workspaces are authored on disk as JSONC
// (JSON extended with comments and trailing commas): one file per
// workspace, declaring the agents that live in it and their pipeline
// settings.
//
// The typical flow:
//
//  1. ReadFile or Parse: JSONC bytes → Workspace
//  2. Validate: structural checks (unique names, role rules, durations)
//  3. Resolve: merge per-agent settings with workspace defaults and
//     package fallbacks into concrete ResolvedAgent values
package agentdef

import "time"

// Fallback settings for fields left unset by both the agent and the
// workspace defaults block.
const (
	DefaultMaxAgents     = 8
	DefaultInboxCapacity = 32
	DefaultDrainLimit    = 4
	DefaultRetryLimit    = 3
	DefaultCooldown      = 5 * time.Second
)

// Workspace is one parsed workspace definition file.
type Workspace struct {
	// Name identifies the workspace. Required; must be an identifier
	// (letters, digits, underscores, hyphens).
	Name string `json:"name"`

	// MaxAgents caps the agent population. Zero means
	// DefaultMaxAgents.
	MaxAgents int `json:"max_agents,omitempty"`

	// MinMessageInterval bounds the workspace-wide message rate: two
	// injections are never spaced closer than this. Duration string;
	// empty means no workspace-level bound beyond per-agent cooldowns.
	MinMessageInterval string `json:"min_message_interval,omitempty"`

	// Defaults are applied to any agent field left at its zero value.
	Defaults *Defaults `json:"defaults,omitempty"`

	Agents []Agent `json:"agents"`
}

// Defaults supplies workspace-wide fallbacks for per-agent settings.
type Defaults struct {
	Model         string `json:"model,omitempty"`
	InboxCapacity int    `json:"inbox_capacity,omitempty"`
	Cooldown      string `json:"cooldown,omitempty"`
	DrainLimit    int    `json:"drain_limit,omitempty"`
	RetryLimit    int    `json:"retry_limit,omitempty"`
}

// Agent is one agent declaration inside a workspace definition.
type Agent struct {
	// Name identifies the agent within its workspace. Required;
	// identifier characters only.
	Name string `json:"name"`

	// Role is "main" or "sub". Exactly one agent per workspace is
	// main.
	Role string `json:"role"`

	// Model overrides the workspace default model for this agent.
	Model string `json:"model,omitempty"`

	// SystemPrompt is the agent's system prompt. Required.
	SystemPrompt string `json:"system_prompt"`

	// InboxCapacity bounds the agent's mailbox. Zero falls back to
	// the workspace default, then DefaultInboxCapacity.
	InboxCapacity int `json:"inbox_capacity,omitempty"`

	// Cooldown is the minimum interval between message injections
	// into this agent, as a duration string ("30s", "2m").
	Cooldown string `json:"cooldown,omitempty"`

	// DrainLimit caps how many inbox messages one activation
	// consumes.
	DrainLimit int `json:"drain_limit,omitempty"`

	// RetryLimit is the consecutive-failure ceiling before the agent
	// is parked in the error state.
	RetryLimit int `json:"retry_limit,omitempty"`

	// Tools is the tool allowlist. Empty means no external tools;
	// the single entry "*" grants every registered tool. Builtin
	// tools are always available and never listed here.
	Tools []string `json:"tools,omitempty"`
}

// AllowsTool reports whether the allowlist grants name. Builtin names
// are outside the allowlist's jurisdiction; callers check those
// separately.
func (agent Agent) AllowsTool(name string) bool {
	for _, entry := range agent.Tools {
		if entry == "*" || entry == name {
			return true
		}
	}
	return false
}

// ResolvedAgent is an agent with every setting made concrete: defaults
// merged, duration strings parsed.
type ResolvedAgent struct {
	Name          string
	Role          string
	Model         string
	SystemPrompt  string
	InboxCapacity int
	Cooldown      time.Duration
	DrainLimit    int
	RetryLimit    int
	Tools         []string
}

// AllowsTool reports whether the allowlist grants name. Builtin names
// are outside the allowlist's jurisdiction; callers check those
// separately.
func (agent ResolvedAgent) AllowsTool(name string) bool {
	for _, entry := range agent.Tools {
		if entry == "*" || entry == name {
			return true
		}
	}
	return false
}

// ResolvedWorkspace is a workspace with concrete settings.
type ResolvedWorkspace struct {
	Name               string
	MaxAgents          int
	MinMessageInterval time.Duration
	Agents             []ResolvedAgent
}
