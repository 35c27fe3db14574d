// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sessionlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/chorus/lib/schema"
)

// RecordKind classifies a journal record.
type RecordKind string

const (
	RecordTurnStarted  RecordKind = "turn_started"
	RecordTurnFinished RecordKind = "turn_finished"
	RecordBlock        RecordKind = "block"
	RecordApproval     RecordKind = "approval"
)

// Record is one journal entry. Block is set only for RecordBlock and
// carries the terminal snapshot of the block (streaming deltas are not
// journaled — the terminal snapshot contains the full content).
type Record struct {
	Kind       RecordKind    `json:"kind"`
	At         time.Time     `json:"at"`
	SessionID  string        `json:"session_id"`
	MessageID  string        `json:"message_id,omitempty"`
	VariantID  string        `json:"variant_id,omitempty"`
	ApprovalID string        `json:"approval_id,omitempty"`
	Block      *schema.Block `json:"block,omitempty"`
}

// Writer appends records as JSONL (one compact JSON object per line)
// to a live session journal. Every append is fsynced so the journal
// survives a process crash mid-turn; session journals are
// low-throughput, so the sync cost is acceptable. Safe for concurrent
// use.
type Writer struct {
	file    *os.File
	encoder *json.Encoder
	mutex   sync.Mutex
	closed  bool

	startTime     time.Time
	recordCount   int64
	blockCount    int64
	toolCallCount int64
	errorCount    int64
	turnCount     int64
}

// NewWriter opens (or creates) the journal at path and appends to it.
// An existing journal is never truncated: after a crash the surviving
// records are the recovery source of truth.
func NewWriter(path string) (*Writer, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening session journal %q: %w", path, err)
	}
	encoder := json.NewEncoder(file)
	encoder.SetEscapeHTML(false)
	return &Writer{
		file:      file,
		encoder:   encoder,
		startTime: time.Now(),
	}, nil
}

// Write appends one record and syncs the file.
func (writer *Writer) Write(record Record) error {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()

	if writer.closed {
		return errors.New("session journal is closed")
	}
	if err := writer.encoder.Encode(record); err != nil {
		return fmt.Errorf("encoding journal record: %w", err)
	}
	if err := writer.file.Sync(); err != nil {
		return fmt.Errorf("syncing session journal: %w", err)
	}

	writer.recordCount++
	switch record.Kind {
	case RecordTurnStarted:
		writer.turnCount++
	case RecordBlock:
		writer.blockCount++
		if record.Block != nil {
			if record.Block.Kind == schema.BlockToolCall {
				writer.toolCallCount++
			}
			if record.Block.Status == schema.BlockError {
				writer.errorCount++
			}
		}
	}
	return nil
}

// Close closes the underlying file. Idempotent.
func (writer *Writer) Close() error {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()
	if writer.closed {
		return nil
	}
	writer.closed = true
	return writer.file.Close()
}

// Summary is an aggregated view of the records written so far.
type Summary struct {
	RecordCount   int64         `json:"record_count"`
	BlockCount    int64         `json:"block_count"`
	ToolCallCount int64         `json:"tool_call_count"`
	ErrorCount    int64         `json:"error_count"`
	TurnCount     int64         `json:"turn_count"`
	Duration      time.Duration `json:"duration"`
}

// Summary returns the aggregated counters for this writer's lifetime.
func (writer *Writer) Summary() Summary {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()
	return Summary{
		RecordCount:   writer.recordCount,
		BlockCount:    writer.blockCount,
		ToolCallCount: writer.toolCallCount,
		ErrorCount:    writer.errorCount,
		TurnCount:     writer.turnCount,
		Duration:      time.Since(writer.startTime),
	}
}

// ReadJournal parses a live journal file. A truncated final line (the
// signature of a crash mid-append) is skipped rather than treated as
// corruption; every complete line before it is returned. A missing
// file yields an empty slice: a session that never journaled anything
// has nothing to recover.
func ReadJournal(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening session journal %q: %w", path, err)
	}
	defer file.Close()

	var records []Record
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record Record
		if err := json.Unmarshal(line, &record); err != nil {
			// A malformed line can only be the torn tail of a
			// crashed append; anything after it is unreachable.
			break
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading session journal %q: %w", path, err)
	}
	return records, nil
}
