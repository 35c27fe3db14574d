// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// chorusd is the chorus engine daemon. It loads the YAML engine
// configuration and the JSONC workspace definitions, opens the SQLite
// conversation store, builds a pipeline engine per agent (model and
// system prompt come from the definition, tool access is filtered by
// the agent's allowlist), and runs one scheduler per workspace until
// SIGINT or SIGTERM.
//
// Conversation turns are journaled per session under the configured
// journals directory, independent of SQLite state.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/chorus/lib/agentdef"
	"github.com/bureau-foundation/chorus/lib/approval"
	"github.com/bureau-foundation/chorus/lib/clock"
	"github.com/bureau-foundation/chorus/lib/config"
	"github.com/bureau-foundation/chorus/lib/eventbus"
	"github.com/bureau-foundation/chorus/lib/llm"
	"github.com/bureau-foundation/chorus/lib/pipeline"
	"github.com/bureau-foundation/chorus/lib/store"
	"github.com/bureau-foundation/chorus/lib/tool"
	"github.com/bureau-foundation/chorus/lib/version"
	"github.com/bureau-foundation/chorus/lib/workspace"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   string
		workspaceDir string
		logLevel     string
		showVersion  bool
	)

	flagSet := pflag.NewFlagSet("chorusd", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to chorus.yaml (default: $CHORUS_CONFIG)")
	flagSet.StringVar(&workspaceDir, "workspace-dir", "", "workspace definition directory (overrides paths.workspaces)")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if showVersion {
		version.Print("chorusd")
		return nil
	}

	logger, err := buildLogger(logLevel)
	if err != nil {
		return err
	}

	var configuration *config.Config
	if configPath != "" {
		configuration, err = config.LoadFile(configPath)
	} else {
		configuration, err = config.Load()
	}
	if err != nil {
		return err
	}
	if workspaceDir != "" {
		configuration.Paths.Workspaces = workspaceDir
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, configuration, logger)
}

func buildLogger(level string) (*slog.Logger, error) {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "info":
		slogLevel = slog.LevelInfo
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slogLevel,
	})), nil
}

func serve(ctx context.Context, configuration *config.Config, logger *slog.Logger) error {
	definitions, err := agentdef.ReadDir(configuration.Paths.Workspaces)
	if err != nil {
		return err
	}
	if len(definitions) == 0 {
		return fmt.Errorf("no workspace definitions in %q", configuration.Paths.Workspaces)
	}

	for _, directory := range []string{configuration.Paths.Data, configuration.Paths.Journals} {
		if err := os.MkdirAll(directory, 0o755); err != nil {
			return fmt.Errorf("creating %q: %w", directory, err)
		}
	}

	dataStore, err := store.Open(store.Config{
		Path:   filepath.Join(configuration.Paths.Data, "chorus.db"),
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer dataStore.Close()

	engineClock := clock.Real()
	bus := eventbus.New(configuration.Events.BufferSize)
	station := approval.NewStation(engineClock,
		configuration.Approval.Timeout.Std(),
		approvalDefault(configuration.Approval.Default))

	provider, err := buildProvider(configuration.Provider)
	if err != nil {
		return err
	}

	// External tool executors are registered here as deployments grow
	// them; the builtin todo and completion tools are derived per turn
	// by the engine.
	available := map[string]tool.Executor{}

	var group sync.WaitGroup
	var journalRunners []*journalingRunner
	for _, definition := range definitions {
		runners := make(map[string]workspace.Runner, len(definition.Agents))
		for _, agent := range definition.Agents {
			registry, err := registryFor(agent, available)
			if err != nil {
				return err
			}
			model := agent.Model
			if model == "" {
				model = configuration.Provider.Model
			}
			engine, err := pipeline.NewEngine(pipeline.Config{
				Provider:          provider,
				Tools:             registry,
				Station:           station,
				Bus:               bus,
				Clock:             engineClock,
				Logger:            logger,
				Model:             model,
				SystemPrompt:      agent.SystemPrompt,
				MaxTokens:         configuration.Provider.MaxTokens,
				MaxRounds:         configuration.Pipeline.MaxRounds,
				AbsoluteMaxRounds: configuration.Pipeline.AbsoluteMaxRounds,
				RetryAttempts:     configuration.Pipeline.RetryAttempts,
				RetryBaseDelay:    configuration.Pipeline.RetryBaseDelay.Std(),
				TurnTimeout:       configuration.Pipeline.TurnTimeout.Std(),
			})
			if err != nil {
				return fmt.Errorf("building engine for %s/%s: %w", definition.Name, agent.Name, err)
			}
			journaling := &journalingRunner{
				runner:   engine,
				bus:      bus,
				clock:    engineClock,
				logger:   logger,
				journals: configuration.Paths.Journals,
			}
			runners[agent.Name] = journaling
			journalRunners = append(journalRunners, journaling)
		}

		coordinator, err := workspace.NewCoordinator(ctx, workspace.Config{
			Definition: definition,
			Runner:     runners[definition.Agents[0].Name],
			Runners:    runners,
			Store:      dataStore,
			Clock:      engineClock,
			Logger:     logger,
		})
		if err != nil {
			return fmt.Errorf("workspace %s: %w", definition.Name, err)
		}

		group.Add(1)
		go func() {
			defer group.Done()
			// Run returns ctx.Err() on shutdown; that is the
			// expected exit, not a failure.
			coordinator.Run(ctx)
		}()
	}

	logger.Info("chorusd started",
		"workspaces", len(definitions),
		"model", configuration.Provider.Model,
		"environment", configuration.Environment)

	<-ctx.Done()
	group.Wait()
	for _, journaling := range journalRunners {
		journaling.Close()
	}
	logger.Info("chorusd stopped")
	return nil
}

// registryFor builds an agent's tool registry from its allowlist.
func registryFor(agent agentdef.ResolvedAgent, available map[string]tool.Executor) (*tool.Registry, error) {
	registry := tool.NewRegistry()
	for name, executor := range available {
		if !agent.AllowsTool(name) {
			continue
		}
		if err := registry.Register(executor); err != nil {
			return nil, fmt.Errorf("agent %s: registering tool %s: %w", agent.Name, name, err)
		}
	}
	return registry, nil
}

func approvalDefault(decision string) approval.Decision {
	if decision == "approve" {
		return approval.Approved
	}
	return approval.Denied
}

func buildProvider(provider config.ProviderConfig) (llm.Provider, error) {
	apiKey := os.Getenv(provider.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("%s is not set", provider.APIKeyEnv)
	}
	httpClient := &http.Client{
		Transport: &apiKeyTransport{
			apiKey: apiKey,
			next:   http.DefaultTransport,
		},
	}
	return llm.NewAnthropic(httpClient, provider.Endpoint), nil
}

// apiKeyTransport injects the Messages API headers. The provider
// itself never sees the key.
type apiKeyTransport struct {
	apiKey string
	next   http.RoundTripper
}

func (transport *apiKeyTransport) RoundTrip(request *http.Request) (*http.Response, error) {
	cloned := request.Clone(request.Context())
	cloned.Header.Set("x-api-key", transport.apiKey)
	cloned.Header.Set("anthropic-version", "2023-06-01")
	return transport.next.RoundTrip(cloned)
}
