// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/bureau-foundation/chorus/lib/clock"
	"github.com/bureau-foundation/chorus/lib/eventbus"
	"github.com/bureau-foundation/chorus/lib/pipeline"
	"github.com/bureau-foundation/chorus/lib/sessionlog"
	"github.com/bureau-foundation/chorus/lib/workspace"
)

// journalingRunner wraps a turn runner so every session gets a
// durable journal: on a session's first turn it opens the journal and
// attaches a bus recorder, which then captures every subsequent turn's
// events for that session. Close seals each live journal into an
// immutable compressed segment.
type journalingRunner struct {
	runner   workspace.Runner
	bus      *eventbus.Bus
	clock    clock.Clock
	logger   *slog.Logger
	journals string

	mu       sync.Mutex
	sessions map[string]*sessionJournal
}

type sessionJournal struct {
	writer   *sessionlog.Writer
	recorder *sessionlog.Recorder
}

func (runner *journalingRunner) Run(ctx context.Context, input pipeline.TurnInput) (pipeline.TurnOutcome, error) {
	runner.ensureJournal(input.SessionID)
	return runner.runner.Run(ctx, input)
}

func (runner *journalingRunner) ensureJournal(sessionID string) {
	runner.mu.Lock()
	defer runner.mu.Unlock()

	if runner.sessions == nil {
		runner.sessions = make(map[string]*sessionJournal)
	}
	if _, found := runner.sessions[sessionID]; found {
		return
	}

	path := filepath.Join(runner.journals, sessionID+".jsonl")
	writer, err := sessionlog.NewWriter(path)
	if err != nil {
		// The turn proceeds unjournaled; SQLite remains the
		// queryable record.
		runner.logger.Error("opening session journal failed",
			"session", sessionID, "error", err)
		return
	}
	runner.sessions[sessionID] = &sessionJournal{
		writer:   writer,
		recorder: sessionlog.NewRecorder(writer, runner.bus, sessionID, runner.clock, runner.logger),
	}
}

// Close detaches every recorder, closes the journals, and seals each
// one into a segment named <session>-<unixnano>.chs next to it. A
// journal that fails to seal stays on disk as plain JSONL.
func (runner *journalingRunner) Close() {
	runner.mu.Lock()
	defer runner.mu.Unlock()

	for sessionID, journal := range runner.sessions {
		journal.recorder.Close()
		if err := journal.writer.Close(); err != nil {
			runner.logger.Error("closing session journal failed",
				"session", sessionID, "error", err)
		}

		journalPath := filepath.Join(runner.journals, sessionID+".jsonl")
		segmentPath := filepath.Join(runner.journals,
			fmt.Sprintf("%s-%d.chs", sessionID, runner.clock.Now().UnixNano()))
		if err := sessionlog.SealJournal(journalPath, segmentPath, sessionlog.CompressionZstd); err != nil {
			runner.logger.Error("sealing session journal failed",
				"session", sessionID, "error", err)
			continue
		}
		runner.logger.Info("session journal sealed",
			"session", sessionID, "segment", segmentPath)
	}
	runner.sessions = nil
}
