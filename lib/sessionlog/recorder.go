// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sessionlog

import (
	"log/slog"

	"github.com/bureau-foundation/chorus/lib/clock"
	"github.com/bureau-foundation/chorus/lib/eventbus"
)

// Recorder bridges the event bus to a journal writer: it subscribes
// to one session's events and journals the durable subset — turn
// lifecycle, approval requests, and terminal block snapshots.
// Streaming deltas are not journaled; the finished block carries the
// complete content.
type Recorder struct {
	writer  *Writer
	clock   clock.Clock
	logger  *slog.Logger
	blocks  *eventbus.Subscription[eventbus.BlockEvent]
	session *eventbus.Subscription[eventbus.SessionEvent]
	done    chan struct{}
}

// NewRecorder subscribes to sessionID on bus and starts journaling to
// writer. Call Close to detach; the writer itself is not closed. A
// nil logger falls back to slog.Default.
func NewRecorder(writer *Writer, bus *eventbus.Bus, sessionID string, clk clock.Clock, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	recorder := &Recorder{
		writer:  writer,
		clock:   clk,
		logger:  logger,
		blocks:  bus.SubscribeBlocks(sessionID, ""),
		session: bus.SubscribeSession(sessionID),
		done:    make(chan struct{}),
	}
	go recorder.pump()
	return recorder
}

// Close detaches the recorder from the bus and waits for the pump to
// drain. Records already received are written before Close returns.
func (recorder *Recorder) Close() {
	recorder.blocks.Close()
	recorder.session.Close()
	<-recorder.done
}

func (recorder *Recorder) pump() {
	defer close(recorder.done)

	blockEvents := recorder.blocks.Events()
	sessionEvents := recorder.session.Events()
	for blockEvents != nil || sessionEvents != nil {
		select {
		case event, ok := <-blockEvents:
			if !ok {
				blockEvents = nil
				continue
			}
			recorder.recordBlock(event)
		case event, ok := <-sessionEvents:
			if !ok {
				sessionEvents = nil
				continue
			}
			recorder.recordSession(event)
		}
	}
}

func (recorder *Recorder) recordBlock(event eventbus.BlockEvent) {
	if event.Type != eventbus.BlockFinished {
		return
	}
	block := event.Block
	recorder.write(Record{
		Kind:      RecordBlock,
		At:        recorder.clock.Now(),
		SessionID: event.SessionID,
		MessageID: event.MessageID,
		VariantID: event.VariantID,
		Block:     &block,
	})
}

func (recorder *Recorder) write(record Record) {
	if err := recorder.writer.Write(record); err != nil {
		recorder.logger.Error("journal write failed",
			"session_id", record.SessionID, "kind", record.Kind, "error", err)
	}
}

func (recorder *Recorder) recordSession(event eventbus.SessionEvent) {
	record := Record{
		At:        recorder.clock.Now(),
		SessionID: event.SessionID,
		MessageID: event.MessageID,
		VariantID: event.VariantID,
	}
	switch event.Type {
	case eventbus.TurnStarted:
		record.Kind = RecordTurnStarted
	case eventbus.TurnFinished:
		record.Kind = RecordTurnFinished
	case eventbus.ApprovalRequested:
		record.Kind = RecordApproval
		record.ApprovalID = event.ApprovalID
	default:
		return
	}
	recorder.write(record)
}
