// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentdef

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
)

// Parse strips JSONC comments and trailing commas from data, then
// unmarshals the result into a Workspace.
func Parse(data []byte) (*Workspace, error) {
	stripped := jsonc.ToJSON(data)

	var workspace Workspace
	if err := json.Unmarshal(stripped, &workspace); err != nil {
		return nil, fmt.Errorf("parsing workspace definition: %w", err)
	}
	return &workspace, nil
}

// ReadFile reads a JSONC workspace definition from disk and parses it.
func ReadFile(path string) (*Workspace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	workspace, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return workspace, nil
}

// ReadDir loads every *.jsonc workspace definition under directory,
// sorted by file name. Each file must validate; the first invalid file
// aborts the load with its issue list.
func ReadDir(directory string) ([]*ResolvedWorkspace, error) {
	matches, err := filepath.Glob(filepath.Join(directory, "*.jsonc"))
	if err != nil {
		return nil, fmt.Errorf("listing workspace definitions in %q: %w", directory, err)
	}

	var workspaces []*ResolvedWorkspace
	for _, path := range matches {
		workspace, err := ReadFile(path)
		if err != nil {
			return nil, err
		}
		if issues := Validate(workspace); len(issues) > 0 {
			return nil, fmt.Errorf("%s: invalid workspace definition:\n  %s",
				path, strings.Join(issues, "\n  "))
		}
		resolved, err := Resolve(workspace)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		workspaces = append(workspaces, resolved)
	}
	return workspaces, nil
}

// Resolve merges per-agent settings with workspace defaults and the
// package fallbacks, parsing duration strings. The workspace must have
// passed Validate; Resolve still reports duration parse failures so
// callers that skip validation get an error rather than a zero.
func Resolve(workspace *Workspace) (*ResolvedWorkspace, error) {
	defaults := workspace.Defaults
	if defaults == nil {
		defaults = &Defaults{}
	}

	resolved := &ResolvedWorkspace{
		Name:      workspace.Name,
		MaxAgents: workspace.MaxAgents,
	}
	if resolved.MaxAgents == 0 {
		resolved.MaxAgents = DefaultMaxAgents
	}
	if workspace.MinMessageInterval != "" {
		interval, err := time.ParseDuration(workspace.MinMessageInterval)
		if err != nil {
			return nil, fmt.Errorf("min_message_interval: %w", err)
		}
		resolved.MinMessageInterval = interval
	}

	for _, agent := range workspace.Agents {
		concrete := ResolvedAgent{
			Name:          agent.Name,
			Role:          agent.Role,
			Model:         firstNonEmpty(agent.Model, defaults.Model),
			SystemPrompt:  agent.SystemPrompt,
			InboxCapacity: firstPositive(agent.InboxCapacity, defaults.InboxCapacity, DefaultInboxCapacity),
			DrainLimit:    firstPositive(agent.DrainLimit, defaults.DrainLimit, DefaultDrainLimit),
			RetryLimit:    firstPositive(agent.RetryLimit, defaults.RetryLimit, DefaultRetryLimit),
			Tools:         agent.Tools,
		}

		cooldown := firstNonEmpty(agent.Cooldown, defaults.Cooldown)
		if cooldown == "" {
			concrete.Cooldown = DefaultCooldown
		} else {
			parsed, err := time.ParseDuration(cooldown)
			if err != nil {
				return nil, fmt.Errorf("agent %q cooldown: %w", agent.Name, err)
			}
			concrete.Cooldown = parsed
		}

		resolved.Agents = append(resolved.Agents, concrete)
	}
	return resolved, nil
}

// NameFromPath extracts a workspace name from a file path by stripping
// the directory prefix and extension.
func NameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, value := range values {
		if value > 0 {
			return value
		}
	}
	return 0
}
