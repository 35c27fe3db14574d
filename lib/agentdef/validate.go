// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentdef

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bureau-foundation/chorus/lib/tool"
)

// namePattern matches valid workspace and agent names: identifier
// characters plus hyphens, anchored to the full string.
var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// Validate checks a Workspace for structural issues. Returns a list of
// human-readable issue descriptions; an empty list means the
// definition is valid.
//
// Structural checks include:
//   - Workspace name is required and must match the name pattern
//   - At least one agent is required
//   - Agent names must be unique within the workspace
//   - Role must be "main" or "sub", with exactly one main agent
//   - SystemPrompt is required on every agent
//   - Cooldown and min_message_interval (when present) must be
//     parseable by time.ParseDuration and non-negative
//   - Inbox capacity, drain limit, and retry limit must not be negative
//   - Tool allowlists must not claim builtin names or the reserved
//     builtin prefix ("*" is allowed as a sole wildcard entry)
func Validate(workspace *Workspace) []string {
	var issues []string

	if workspace.Name == "" {
		issues = append(issues, "workspace name is required")
	} else if !namePattern.MatchString(workspace.Name) {
		issues = append(issues, fmt.Sprintf("workspace name %q must match %s", workspace.Name, namePattern))
	}
	if workspace.MaxAgents < 0 {
		issues = append(issues, fmt.Sprintf("max_agents must not be negative, got %d", workspace.MaxAgents))
	}
	if workspace.MinMessageInterval != "" {
		issues = append(issues, validateDuration("min_message_interval", workspace.MinMessageInterval)...)
	}

	if len(workspace.Agents) == 0 {
		issues = append(issues, "workspace has no agents (at least one is required)")
	}
	maxAgents := workspace.MaxAgents
	if maxAgents == 0 {
		maxAgents = DefaultMaxAgents
	}
	if len(workspace.Agents) > maxAgents {
		issues = append(issues, fmt.Sprintf(
			"workspace declares %d agents, exceeding max_agents %d",
			len(workspace.Agents), maxAgents,
		))
	}

	if workspace.Defaults != nil {
		defaults := workspace.Defaults
		if defaults.Cooldown != "" {
			issues = append(issues, validateDuration("defaults.cooldown", defaults.Cooldown)...)
		}
		if defaults.InboxCapacity < 0 || defaults.DrainLimit < 0 || defaults.RetryLimit < 0 {
			issues = append(issues, "defaults: capacities and limits must not be negative")
		}
	}

	agentNames := make(map[string]int, len(workspace.Agents))
	mainCount := 0
	for index, agent := range workspace.Agents {
		prefix := fmt.Sprintf("agents[%d]", index)
		if agent.Name != "" {
			prefix = fmt.Sprintf("%s %q", prefix, agent.Name)
			if firstIndex, exists := agentNames[agent.Name]; exists {
				issues = append(issues, fmt.Sprintf(
					"%s: duplicate agent name (first used at agents[%d])", prefix, firstIndex))
			} else {
				agentNames[agent.Name] = index
			}
		}
		if agent.Role == "main" {
			mainCount++
		}
		issues = append(issues, validateAgent(agent, prefix)...)
	}
	if len(workspace.Agents) > 0 && mainCount != 1 {
		issues = append(issues, fmt.Sprintf(
			"workspace must have exactly one main agent, got %d", mainCount))
	}

	return issues
}

func validateAgent(agent Agent, prefix string) []string {
	var issues []string

	if agent.Name == "" {
		issues = append(issues, fmt.Sprintf("%s: name is required", prefix))
	} else if !namePattern.MatchString(agent.Name) {
		issues = append(issues, fmt.Sprintf("%s: name must match %s", prefix, namePattern))
	}

	switch agent.Role {
	case "main", "sub":
	case "":
		issues = append(issues, fmt.Sprintf("%s: role is required (main or sub)", prefix))
	default:
		issues = append(issues, fmt.Sprintf("%s: role must be main or sub, got %q", prefix, agent.Role))
	}

	if agent.SystemPrompt == "" {
		issues = append(issues, fmt.Sprintf("%s: system_prompt is required", prefix))
	}
	if agent.Cooldown != "" {
		issues = append(issues, validateDuration(prefix+".cooldown", agent.Cooldown)...)
	}
	if agent.InboxCapacity < 0 || agent.DrainLimit < 0 || agent.RetryLimit < 0 {
		issues = append(issues, fmt.Sprintf("%s: capacities and limits must not be negative", prefix))
	}

	for _, entry := range agent.Tools {
		switch {
		case entry == "":
			issues = append(issues, fmt.Sprintf("%s: tool allowlist entries must be non-empty", prefix))
		case entry == "*":
			if len(agent.Tools) > 1 {
				issues = append(issues, fmt.Sprintf(
					"%s: wildcard \"*\" must be the only allowlist entry", prefix))
			}
		case strings.HasPrefix(entry, tool.BuiltinPrefix):
			issues = append(issues, fmt.Sprintf(
				"%s: %q is in the reserved builtin namespace; builtins are always available",
				prefix, entry))
		}
	}

	return issues
}

func validateDuration(field, value string) []string {
	duration, err := time.ParseDuration(value)
	if err != nil {
		return []string{fmt.Sprintf("%s: %v", field, err)}
	}
	if duration < 0 {
		return []string{fmt.Sprintf("%s: must not be negative, got %s", field, duration)}
	}
	return nil
}
