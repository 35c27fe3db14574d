// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/chorus/lib/codec"
	"github.com/bureau-foundation/chorus/lib/schema"
)

// AppendBlock persists a block, assigning the next sequence number
// within its (message, variant) scope. Assignment is serialized by a
// per-message lock, so two variants streaming concurrently into the
// same message cannot interleave into duplicate sequence numbers.
// The assigned sequence is written back to block.Sequence.
func (store *Store) AppendBlock(ctx context.Context, block *schema.Block) error {
	lock := store.messageLock(block.MessageID)
	lock.Lock()
	defer lock.Unlock()

	conn, err := store.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer store.pool.Put(conn)

	var next int64
	err = sqlitex.Execute(conn,
		`SELECT COALESCE(MAX(sequence) + 1, 0) FROM blocks
		 WHERE message_id = ? AND variant_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{block.MessageID, block.VariantID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				next = stmt.ColumnInt64(0)
				return nil
			},
		},
	)
	if err != nil {
		return fmt.Errorf("store: next block sequence: %w", err)
	}
	block.Sequence = next

	var toolCall, toolResult []byte
	if block.ToolCall != nil {
		toolCall, err = codec.Marshal(block.ToolCall)
		if err != nil {
			return fmt.Errorf("store: encoding tool call: %w", err)
		}
	}
	if block.ToolResult != nil {
		toolResult, err = codec.Marshal(block.ToolResult)
		if err != nil {
			return fmt.Errorf("store: encoding tool result: %w", err)
		}
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO blocks (id, message_id, variant_id, sequence, kind, status,
		                     content, tool_call, tool_result, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			block.ID, block.MessageID, block.VariantID, block.Sequence,
			string(block.Kind), string(block.Status), block.Content,
			toolCall, toolResult,
			nanosFromTime(block.CreatedAt), nanosFromTime(block.UpdatedAt),
		}},
	)
	if err != nil {
		return fmt.Errorf("store: appending block %s: %w", block.ID, err)
	}
	return nil
}

// UpdateBlockStatus applies a status transition, rejecting anything
// the block state machine does not permit. Content is updated along
// with the status so a finishing streaming block lands atomically.
func (store *Store) UpdateBlockStatus(ctx context.Context, blockID string, next schema.BlockStatus, content string, at int64) error {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer store.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer endTransaction(&err)

	var current schema.BlockStatus
	found := false
	err = sqlitex.Execute(conn,
		`SELECT status FROM blocks WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{blockID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				current = schema.BlockStatus(stmt.ColumnText(0))
				return nil
			},
		},
	)
	if err != nil {
		return fmt.Errorf("store: loading block %s: %w", blockID, err)
	}
	if !found {
		return fmt.Errorf("store: block %s: %w", blockID, ErrNotFound)
	}
	if !current.CanTransitionTo(next) {
		return &schema.ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("block %s cannot move %s → %s", blockID, current, next),
		}
	}

	err = sqlitex.Execute(conn,
		`UPDATE blocks SET status = ?, content = ?, updated_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{string(next), content, at, blockID}},
	)
	if err != nil {
		return fmt.Errorf("store: updating block %s: %w", blockID, err)
	}
	return nil
}

// readBlock decodes one row of the blocks table.
func readBlock(stmt *sqlite.Stmt) (schema.Block, error) {
	block := schema.Block{
		ID:        stmt.ColumnText(0),
		MessageID: stmt.ColumnText(1),
		VariantID: stmt.ColumnText(2),
		Sequence:  stmt.ColumnInt64(3),
		Kind:      schema.BlockKind(stmt.ColumnText(4)),
		Status:    schema.BlockStatus(stmt.ColumnText(5)),
		Content:   stmt.ColumnText(6),
	}
	if stmt.ColumnLen(7) > 0 {
		raw := make([]byte, stmt.ColumnLen(7))
		stmt.ColumnBytes(7, raw)
		block.ToolCall = &schema.ToolCall{}
		if err := codec.Unmarshal(raw, block.ToolCall); err != nil {
			return schema.Block{}, fmt.Errorf("store: decoding tool call: %w", err)
		}
	}
	if stmt.ColumnLen(8) > 0 {
		raw := make([]byte, stmt.ColumnLen(8))
		stmt.ColumnBytes(8, raw)
		block.ToolResult = &schema.ToolResult{}
		if err := codec.Unmarshal(raw, block.ToolResult); err != nil {
			return schema.Block{}, fmt.Errorf("store: decoding tool result: %w", err)
		}
	}
	block.CreatedAt = timeFromNanos(stmt.ColumnInt64(9))
	block.UpdatedAt = timeFromNanos(stmt.ColumnInt64(10))
	return block, nil
}
