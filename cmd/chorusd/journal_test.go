// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/chorus/lib/clock"
	"github.com/bureau-foundation/chorus/lib/eventbus"
	"github.com/bureau-foundation/chorus/lib/pipeline"
	"github.com/bureau-foundation/chorus/lib/schema"
	"github.com/bureau-foundation/chorus/lib/sessionlog"
)

type stubRunner struct{}

func (stubRunner) Run(ctx context.Context, input pipeline.TurnInput) (pipeline.TurnOutcome, error) {
	return pipeline.TurnOutcome{Status: schema.VariantComplete, Rounds: 1}, nil
}

func TestJournalingRunnerSealsOnClose(t *testing.T) {
	t.Parallel()

	journals := t.TempDir()
	bus := eventbus.New(16)
	runner := &journalingRunner{
		runner:   stubRunner{},
		bus:      bus,
		clock:    clock.Fake(time.Unix(1700000000, 0)),
		logger:   slog.New(slog.NewTextHandler(os.Stderr, nil)),
		journals: journals,
	}

	const sessionID = "ses_journal"
	input := pipeline.TurnInput{SessionID: sessionID, MessageID: "msg_1", VariantID: "var_1"}
	if _, err := runner.Run(context.Background(), input); err != nil {
		t.Fatalf("Run: %v", err)
	}

	bus.PublishSession(eventbus.SessionEvent{
		Type: eventbus.TurnStarted, SessionID: sessionID,
		MessageID: "msg_1", VariantID: "var_1",
	})
	bus.PublishBlock(eventbus.BlockEvent{
		Type: eventbus.BlockFinished, SessionID: sessionID,
		MessageID: "msg_1", VariantID: "var_1",
		Block: schema.Block{
			ID: "blk_1", MessageID: "msg_1", VariantID: "var_1",
			Kind: schema.BlockContent, Status: schema.BlockComplete,
			Content: "hello",
		},
	})
	bus.PublishSession(eventbus.SessionEvent{
		Type: eventbus.TurnFinished, SessionID: sessionID,
		MessageID: "msg_1", VariantID: "var_1",
	})

	// Close drains the recorder, closes the journal, and seals it.
	runner.Close()

	if _, err := os.Stat(filepath.Join(journals, sessionID+".jsonl")); !os.IsNotExist(err) {
		t.Fatalf("journal not removed after sealing (stat: %v)", err)
	}
	segments, err := sessionlog.ListSegments(journals)
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	if len(segments) != 1 {
		t.Fatalf("segments = %v, want exactly one", segments)
	}

	records, err := sessionlog.ReadSegment(segments[0])
	if err != nil {
		t.Fatalf("ReadSegment: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("sealed records = %d, want 3", len(records))
	}
	kinds := make(map[sessionlog.RecordKind]int)
	for _, record := range records {
		kinds[record.Kind]++
		if record.Kind == sessionlog.RecordBlock {
			if record.Block == nil || record.Block.Content != "hello" {
				t.Fatalf("block record = %+v", record)
			}
		}
	}
	if kinds[sessionlog.RecordTurnStarted] != 1 || kinds[sessionlog.RecordBlock] != 1 || kinds[sessionlog.RecordTurnFinished] != 1 {
		t.Fatalf("record kinds = %v", kinds)
	}

	// A second Close finds nothing left to seal.
	runner.Close()
}
