// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the chorus engine.
//
// Configuration is loaded from a single YAML file specified by:
//   - CHORUS_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
//
// The config file may contain environment-specific sections
// (development, staging, production) that override base values when
// the environment matches.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Duration wraps time.Duration so YAML values can be written as
// duration strings ("30s", "2m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (duration *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", value.Value, err)
	}
	*duration = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (duration Duration) Std() time.Duration { return time.Duration(duration) }

// Config is the master configuration for the chorus engine.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	Paths    PathsConfig    `yaml:"paths"`
	Provider ProviderConfig `yaml:"provider"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Approval ApprovalConfig `yaml:"approval"`
	Events   EventsConfig   `yaml:"events"`

	// Per-environment overrides, applied after the base config.
	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides contains the fields that can be overridden per environment.
type Overrides struct {
	Paths    *PathsConfig    `yaml:"paths,omitempty"`
	Provider *ProviderConfig `yaml:"provider,omitempty"`
	Pipeline *PipelineConfig `yaml:"pipeline,omitempty"`
	Approval *ApprovalConfig `yaml:"approval,omitempty"`
	Events   *EventsConfig   `yaml:"events,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Data is the base directory for engine state. The SQLite store
	// lives at <data>/chorus.db.
	Data string `yaml:"data"`

	// Workspaces is the directory of workspace definition files
	// (*.jsonc).
	Workspaces string `yaml:"workspaces"`

	// Journals is where session journals and sealed segments are
	// written.
	Journals string `yaml:"journals"`
}

// ProviderConfig configures the model provider.
type ProviderConfig struct {
	// Endpoint is the Messages API base URL.
	Endpoint string `yaml:"endpoint"`

	// APIKeyEnv names the environment variable holding the API key.
	// The key itself never appears in the config file.
	APIKeyEnv string `yaml:"api_key_env"`

	// Model is the default model for agents that do not override it.
	Model string `yaml:"model"`

	// MaxTokens bounds generation length per request.
	MaxTokens int `yaml:"max_tokens"`
}

// PipelineConfig configures turn execution limits.
type PipelineConfig struct {
	// MaxRounds is the soft tool-round ceiling per turn. Open todo
	// items extend past it.
	MaxRounds int `yaml:"max_rounds"`

	// AbsoluteMaxRounds is the hard ceiling no todo list can extend.
	AbsoluteMaxRounds int `yaml:"absolute_max_rounds"`

	// RetryAttempts is the generation attempt ceiling for retryable
	// provider errors.
	RetryAttempts int `yaml:"retry_attempts"`

	// RetryBaseDelay is the first backoff delay; each retry doubles it.
	RetryBaseDelay Duration `yaml:"retry_base_delay"`

	// TurnTimeout bounds one full turn, zero means no bound.
	TurnTimeout Duration `yaml:"turn_timeout"`
}

// ApprovalConfig configures the approval rendezvous.
type ApprovalConfig struct {
	// Default is the decision applied when no approver answers in
	// time: "deny" or "approve".
	Default string `yaml:"default"`

	// Timeout is how long a request waits for an approver.
	Timeout Duration `yaml:"timeout"`
}

// EventsConfig configures the event bus.
type EventsConfig struct {
	// BufferSize is the per-subscriber event buffer.
	BufferSize int `yaml:"buffer_size"`
}

// Default returns the built-in configuration. Every Load starts from
// these values; the file only has to state what differs.
func Default() *Config {
	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Data:       "${HOME}/.local/state/chorus",
			Workspaces: "${HOME}/.config/chorus/workspaces",
			Journals:   "${HOME}/.local/state/chorus/journals",
		},
		Provider: ProviderConfig{
			Endpoint:  "https://api.anthropic.com",
			APIKeyEnv: "ANTHROPIC_API_KEY",
			Model:     "claude-sonnet-4-5",
			MaxTokens: 8192,
		},
		Pipeline: PipelineConfig{
			MaxRounds:         12,
			AbsoluteMaxRounds: 40,
			RetryAttempts:     3,
			RetryBaseDelay:    Duration(500 * time.Millisecond),
			TurnTimeout:       Duration(10 * time.Minute),
		},
		Approval: ApprovalConfig{
			Default: "deny",
			Timeout: Duration(30 * time.Second),
		},
		Events: EventsConfig{
			BufferSize: 256,
		},
	}
}

// Load loads configuration from the file named by CHORUS_CONFIG.
func Load() (*Config, error) {
	configPath := os.Getenv("CHORUS_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("CHORUS_CONFIG environment variable not set; " +
			"set it to the path of your chorus.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables
// do not override config values; the only expansion performed is
// ${HOME} in paths for portability.
func LoadFile(path string) (*Config, error) {
	configuration := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, configuration); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}

	configuration.applyEnvironmentOverrides()
	configuration.expandVariables()

	if err := configuration.Validate(); err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return configuration, nil
}

func (configuration *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch configuration.Environment {
	case Development:
		overrides = configuration.Development
	case Staging:
		overrides = configuration.Staging
	case Production:
		overrides = configuration.Production
	}
	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		overrideString(&configuration.Paths.Data, overrides.Paths.Data)
		overrideString(&configuration.Paths.Workspaces, overrides.Paths.Workspaces)
		overrideString(&configuration.Paths.Journals, overrides.Paths.Journals)
	}
	if overrides.Provider != nil {
		overrideString(&configuration.Provider.Endpoint, overrides.Provider.Endpoint)
		overrideString(&configuration.Provider.APIKeyEnv, overrides.Provider.APIKeyEnv)
		overrideString(&configuration.Provider.Model, overrides.Provider.Model)
		overrideInt(&configuration.Provider.MaxTokens, overrides.Provider.MaxTokens)
	}
	if overrides.Pipeline != nil {
		overrideInt(&configuration.Pipeline.MaxRounds, overrides.Pipeline.MaxRounds)
		overrideInt(&configuration.Pipeline.AbsoluteMaxRounds, overrides.Pipeline.AbsoluteMaxRounds)
		overrideInt(&configuration.Pipeline.RetryAttempts, overrides.Pipeline.RetryAttempts)
		overrideDuration(&configuration.Pipeline.RetryBaseDelay, overrides.Pipeline.RetryBaseDelay)
		overrideDuration(&configuration.Pipeline.TurnTimeout, overrides.Pipeline.TurnTimeout)
	}
	if overrides.Approval != nil {
		overrideString(&configuration.Approval.Default, overrides.Approval.Default)
		overrideDuration(&configuration.Approval.Timeout, overrides.Approval.Timeout)
	}
	if overrides.Events != nil {
		overrideInt(&configuration.Events.BufferSize, overrides.Events.BufferSize)
	}
}

func overrideString(target *string, value string) {
	if value != "" {
		*target = value
	}
}

func overrideInt(target *int, value int) {
	if value != 0 {
		*target = value
	}
}

func overrideDuration(target *Duration, value Duration) {
	if value != 0 {
		*target = value
	}
}

// expandVariables expands ${HOME} in path fields.
func (configuration *Config) expandVariables() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	expand := func(path *string) {
		*path = strings.ReplaceAll(*path, "${HOME}", home)
	}
	expand(&configuration.Paths.Data)
	expand(&configuration.Paths.Workspaces)
	expand(&configuration.Paths.Journals)
}

// Validate checks the configuration for errors.
func (configuration *Config) Validate() error {
	switch configuration.Environment {
	case Development, Staging, Production:
	default:
		return fmt.Errorf("unknown environment %q", configuration.Environment)
	}

	if configuration.Provider.Endpoint == "" {
		return fmt.Errorf("provider.endpoint is required")
	}
	if configuration.Provider.MaxTokens <= 0 {
		return fmt.Errorf("provider.max_tokens must be positive, got %d", configuration.Provider.MaxTokens)
	}

	pipeline := configuration.Pipeline
	if pipeline.MaxRounds <= 0 {
		return fmt.Errorf("pipeline.max_rounds must be positive, got %d", pipeline.MaxRounds)
	}
	if pipeline.AbsoluteMaxRounds < pipeline.MaxRounds {
		return fmt.Errorf("pipeline.absolute_max_rounds (%d) must be >= pipeline.max_rounds (%d)",
			pipeline.AbsoluteMaxRounds, pipeline.MaxRounds)
	}
	if pipeline.RetryAttempts <= 0 {
		return fmt.Errorf("pipeline.retry_attempts must be positive, got %d", pipeline.RetryAttempts)
	}
	if pipeline.RetryBaseDelay <= 0 {
		return fmt.Errorf("pipeline.retry_base_delay must be positive, got %s", pipeline.RetryBaseDelay.Std())
	}

	switch configuration.Approval.Default {
	case "deny", "approve":
	default:
		return fmt.Errorf("approval.default must be deny or approve, got %q", configuration.Approval.Default)
	}
	if configuration.Approval.Timeout <= 0 {
		return fmt.Errorf("approval.timeout must be positive, got %s", configuration.Approval.Timeout.Std())
	}

	if configuration.Events.BufferSize <= 0 {
		return fmt.Errorf("events.buffer_size must be positive, got %d", configuration.Events.BufferSize)
	}
	return nil
}
