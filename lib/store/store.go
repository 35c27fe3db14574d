// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists conversation state: sessions, messages,
// response variants, their block sequences, and workspace agent
// state. Everything lives in one SQLite database behind
// lib/sqlitepool.
//
// The store enforces the invariants the rest of the engine relies on:
// block sequence numbers are assigned under a per-message lock and
// strictly increase; block status transitions are monotonic; a
// message never loses its last variant; exactly one variant per
// message is active. Violations are errors, never silent repairs.
//
// Tool call and tool result payloads are stored as deterministic CBOR
// blobs (lib/codec) — they are structured values passed through, not
// columns the store queries on.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/chorus/lib/schema"
	"github.com/bureau-foundation/chorus/lib/sqlitepool"
)

// ErrNotFound is returned when the requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrLastVariant is returned by DeleteVariant when deletion would
// leave the message with no variants.
var ErrLastVariant = errors.New("store: cannot delete the last variant of a message")

const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	state      TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	role       TEXT NOT NULL,
	sequence   INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_by_session
	ON messages (session_id, sequence);

CREATE TABLE IF NOT EXISTS variants (
	id           TEXT PRIMARY KEY,
	message_id   TEXT NOT NULL,
	status       TEXT NOT NULL,
	active       INTEGER NOT NULL DEFAULT 0,
	error_detail TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS variants_by_message
	ON variants (message_id);

CREATE TABLE IF NOT EXISTS blocks (
	id          TEXT PRIMARY KEY,
	message_id  TEXT NOT NULL,
	variant_id  TEXT NOT NULL DEFAULT '',
	sequence    INTEGER NOT NULL,
	kind        TEXT NOT NULL,
	status      TEXT NOT NULL,
	content     TEXT NOT NULL DEFAULT '',
	tool_call   BLOB,
	tool_result BLOB,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS blocks_by_message
	ON blocks (message_id, variant_id, sequence);

CREATE TABLE IF NOT EXISTS agents (
	id           TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	name         TEXT NOT NULL,
	role         TEXT NOT NULL,
	status       TEXT NOT NULL,
	retry_count  INTEGER NOT NULL DEFAULT 0,
	wake_at      INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS agents_by_workspace
	ON agents (workspace_id, name);
`

// Config holds the store's open parameters.
type Config struct {
	// Path is the SQLite database file.
	Path string

	// PoolSize is forwarded to the pool; zero selects its default.
	PoolSize int

	Logger *slog.Logger
}

// Store is the SQLite-backed conversation store. Safe for concurrent
// use.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger

	// messageLocks serializes block sequence assignment per message.
	// SQLite would serialize the writes anyway; the lock makes the
	// read-max-then-insert pair atomic without a retry loop.
	mu           sync.Mutex
	messageLocks map[string]*sync.Mutex
}

// Open opens (creating if necessary) the store at config.Path.
func Open(config Config) (*Store, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     config.Path,
		PoolSize: config.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, ddl, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return &Store{
		pool:         pool,
		logger:       logger,
		messageLocks: make(map[string]*sync.Mutex),
	}, nil
}

// Close releases the underlying pool.
func (store *Store) Close() error {
	return store.pool.Close()
}

func (store *Store) messageLock(messageID string) *sync.Mutex {
	store.mu.Lock()
	defer store.mu.Unlock()
	lock, exists := store.messageLocks[messageID]
	if !exists {
		lock = &sync.Mutex{}
		store.messageLocks[messageID] = lock
	}
	return lock
}

// CreateSession inserts a session row.
func (store *Store) CreateSession(ctx context.Context, session schema.Session) error {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer store.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO sessions (id, title, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			session.ID, session.Title, string(session.State),
			nanosFromTime(session.CreatedAt), nanosFromTime(session.UpdatedAt),
		}},
	)
	if err != nil {
		return fmt.Errorf("store: creating session %s: %w", session.ID, err)
	}
	return nil
}

// UpdateSessionState moves a session to a new lifecycle state.
func (store *Store) UpdateSessionState(ctx context.Context, sessionID string, state schema.SessionState, at time.Time) error {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer store.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE sessions SET state = ?, updated_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{string(state), nanosFromTime(at), sessionID}},
	)
	if err != nil {
		return fmt.Errorf("store: updating session %s: %w", sessionID, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("store: session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// AppendMessage inserts a message with the next sequence number in
// its session.
func (store *Store) AppendMessage(ctx context.Context, message *schema.Message) error {
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

	var next int64
	err = sqlitex.Execute(conn,
		`SELECT COALESCE(MAX(sequence) + 1, 0) FROM messages WHERE session_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{message.SessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				next = stmt.ColumnInt64(0)
				return nil
			},
		},
	)
	if err != nil {
		return fmt.Errorf("store: next message sequence: %w", err)
	}
	message.Sequence = next

	err = sqlitex.Execute(conn,
		`INSERT INTO messages (id, session_id, role, sequence, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			message.ID, message.SessionID, string(message.Role),
			message.Sequence, nanosFromTime(message.CreatedAt),
		}},
	)
	if err != nil {
		return fmt.Errorf("store: appending message %s: %w", message.ID, err)
	}
	return nil
}

// SessionData is a fully loaded session: messages in sequence order,
// each message's variants, and all blocks in (message, variant,
// sequence) order.
type SessionData struct {
	Session  schema.Session
	Messages []schema.Message
	Variants []schema.Variant
	Blocks   []schema.Block
}

// LoadSession loads a session and everything beneath it.
func (store *Store) LoadSession(ctx context.Context, sessionID string) (*SessionData, error) {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer store.pool.Put(conn)

	data := &SessionData{}
	found := false
	err = sqlitex.Execute(conn,
		`SELECT id, title, state, created_at, updated_at FROM sessions WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				data.Session = schema.Session{
					ID:        stmt.ColumnText(0),
					Title:     stmt.ColumnText(1),
					State:     schema.SessionState(stmt.ColumnText(2)),
					CreatedAt: timeFromNanos(stmt.ColumnInt64(3)),
					UpdatedAt: timeFromNanos(stmt.ColumnInt64(4)),
				}
				return nil
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("store: loading session %s: %w", sessionID, err)
	}
	if !found {
		return nil, fmt.Errorf("store: session %s: %w", sessionID, ErrNotFound)
	}

	err = sqlitex.Execute(conn,
		`SELECT id, session_id, role, sequence, created_at
		 FROM messages WHERE session_id = ? ORDER BY sequence`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				data.Messages = append(data.Messages, schema.Message{
					ID:        stmt.ColumnText(0),
					SessionID: stmt.ColumnText(1),
					Role:      schema.Role(stmt.ColumnText(2)),
					Sequence:  stmt.ColumnInt64(3),
					CreatedAt: timeFromNanos(stmt.ColumnInt64(4)),
				})
				return nil
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("store: loading messages: %w", err)
	}

	err = sqlitex.Execute(conn,
		`SELECT v.id, v.message_id, v.status, v.active, v.error_detail, v.created_at, v.updated_at
		 FROM variants v JOIN messages m ON m.id = v.message_id
		 WHERE m.session_id = ? ORDER BY m.sequence, v.created_at, v.id`,
		&sqlitex.ExecOptions{
			Args:       []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error { data.Variants = append(data.Variants, readVariant(stmt)); return nil },
		},
	)
	if err != nil {
		return nil, fmt.Errorf("store: loading variants: %w", err)
	}

	err = sqlitex.Execute(conn,
		`SELECT b.id, b.message_id, b.variant_id, b.sequence, b.kind, b.status,
		        b.content, b.tool_call, b.tool_result, b.created_at, b.updated_at
		 FROM blocks b JOIN messages m ON m.id = b.message_id
		 WHERE m.session_id = ? ORDER BY m.sequence, b.variant_id, b.sequence`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				block, err := readBlock(stmt)
				if err != nil {
					return err
				}
				data.Blocks = append(data.Blocks, block)
				return nil
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("store: loading blocks: %w", err)
	}
	return data, nil
}

// nanosFromTime stores a time.Time as unix nanoseconds, mapping the
// zero time to 0 (UnixNano on the zero time is undefined garbage).
func nanosFromTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// timeFromNanos converts a stored unix-nanosecond column back to a
// time.Time, preserving the zero value.
func timeFromNanos(nanos int64) time.Time {
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

func readVariant(stmt *sqlite.Stmt) schema.Variant {
	return schema.Variant{
		ID:          stmt.ColumnText(0),
		MessageID:   stmt.ColumnText(1),
		Status:      schema.VariantStatus(stmt.ColumnText(2)),
		Active:      stmt.ColumnInt64(3) != 0,
		ErrorDetail: stmt.ColumnText(4),
		CreatedAt:   timeFromNanos(stmt.ColumnInt64(5)),
		UpdatedAt:   timeFromNanos(stmt.ColumnInt64(6)),
	}
}
