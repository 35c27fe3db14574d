// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/chorus/lib/schema"
)

// CreateVariant inserts a variant row.
func (store *Store) CreateVariant(ctx context.Context, variant schema.Variant) error {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer store.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO variants (id, message_id, status, active, error_detail, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			variant.ID, variant.MessageID, string(variant.Status),
			boolToInt(variant.Active), variant.ErrorDetail,
			nanosFromTime(variant.CreatedAt), nanosFromTime(variant.UpdatedAt),
		}},
	)
	if err != nil {
		return fmt.Errorf("store: creating variant %s: %w", variant.ID, err)
	}
	return nil
}

// SaveVariantState updates a variant's status, error detail, and
// timestamps. Status transitions follow the same monotonic rules as
// blocks: a terminal variant never changes again.
func (store *Store) SaveVariantState(ctx context.Context, variant schema.Variant) error {
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

	var current schema.VariantStatus
	found := false
	err = sqlitex.Execute(conn,
		`SELECT status FROM variants WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{variant.ID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				current = schema.VariantStatus(stmt.ColumnText(0))
				return nil
			},
		},
	)
	if err != nil {
		return fmt.Errorf("store: loading variant %s: %w", variant.ID, err)
	}
	if !found {
		return fmt.Errorf("store: variant %s: %w", variant.ID, ErrNotFound)
	}
	if current.Terminal() && current != variant.Status {
		return &schema.ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("variant %s is terminal (%s), cannot move to %s", variant.ID, current, variant.Status),
		}
	}

	err = sqlitex.Execute(conn,
		`UPDATE variants SET status = ?, error_detail = ?, updated_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{
			string(variant.Status), variant.ErrorDetail,
			nanosFromTime(variant.UpdatedAt), variant.ID,
		}},
	)
	if err != nil {
		return fmt.Errorf("store: saving variant %s: %w", variant.ID, err)
	}
	return nil
}

// DeleteVariant removes a variant and its blocks. Deleting the last
// variant of a message is rejected with ErrLastVariant: a message must
// always retain at least one response. If the deleted variant was
// active, the oldest surviving variant becomes active.
func (store *Store) DeleteVariant(ctx context.Context, variantID string) error {
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

	var messageID string
	wasActive := false
	found := false
	err = sqlitex.Execute(conn,
		`SELECT message_id, active FROM variants WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{variantID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				messageID = stmt.ColumnText(0)
				wasActive = stmt.ColumnInt64(1) != 0
				return nil
			},
		},
	)
	if err != nil {
		return fmt.Errorf("store: loading variant %s: %w", variantID, err)
	}
	if !found {
		return fmt.Errorf("store: variant %s: %w", variantID, ErrNotFound)
	}

	var siblingCount int64
	err = sqlitex.Execute(conn,
		`SELECT COUNT(*) FROM variants WHERE message_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{messageID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				siblingCount = stmt.ColumnInt64(0)
				return nil
			},
		},
	)
	if err != nil {
		return fmt.Errorf("store: counting variants: %w", err)
	}
	if siblingCount <= 1 {
		return ErrLastVariant
	}

	err = sqlitex.Execute(conn,
		`DELETE FROM blocks WHERE variant_id = ?`,
		&sqlitex.ExecOptions{Args: []any{variantID}},
	)
	if err != nil {
		return fmt.Errorf("store: deleting blocks of %s: %w", variantID, err)
	}
	err = sqlitex.Execute(conn,
		`DELETE FROM variants WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{variantID}},
	)
	if err != nil {
		return fmt.Errorf("store: deleting variant %s: %w", variantID, err)
	}

	if wasActive {
		err = sqlitex.Execute(conn,
			`UPDATE variants SET active = 1 WHERE id =
			   (SELECT id FROM variants WHERE message_id = ?
			    ORDER BY created_at, id LIMIT 1)`,
			&sqlitex.ExecOptions{Args: []any{messageID}},
		)
		if err != nil {
			return fmt.Errorf("store: promoting surviving variant: %w", err)
		}
	}
	return nil
}

// SetActiveVariant makes the given variant the message's active one.
// Exactly one variant per message is active afterwards.
func (store *Store) SetActiveVariant(ctx context.Context, messageID, variantID string) error {
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

	belongs := false
	err = sqlitex.Execute(conn,
		`SELECT 1 FROM variants WHERE id = ? AND message_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{variantID, messageID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				belongs = true
				return nil
			},
		},
	)
	if err != nil {
		return fmt.Errorf("store: checking variant %s: %w", variantID, err)
	}
	if !belongs {
		return fmt.Errorf("store: variant %s on message %s: %w", variantID, messageID, ErrNotFound)
	}

	err = sqlitex.Execute(conn,
		`UPDATE variants SET active = (id = ?) WHERE message_id = ?`,
		&sqlitex.ExecOptions{Args: []any{variantID, messageID}},
	)
	if err != nil {
		return fmt.Errorf("store: activating variant %s: %w", variantID, err)
	}
	return nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
