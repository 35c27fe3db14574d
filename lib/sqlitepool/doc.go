// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the engine's SQLite connection pool.
//
// The conversation store and workspace agent state both live in
// SQLite. This package wraps zombiezen.com/go/sqlite with the
// defaults that workload needs: WAL journal mode so readers (session
// loads, event tailers) never block the single block-append writer,
// NORMAL synchronous for process-crash durability without
// fsync-per-commit overhead, and a busy timeout so concurrent agent
// turns queue on the write lock instead of failing with SQLITE_BUSY.
//
// The pool is built on zombiezen's sqlitex.Pool, which manages a
// fixed-size set of connections. Callers [Pool.Take] a connection,
// perform work, and [Pool.Put] it back. Connections are NOT safe for
// concurrent use — each goroutine must hold its own connection for
// the duration of its work.
//
// # Pragmas
//
// Every connection in the pool is initialized with these pragmas:
//
//   - journal_mode=WAL: write-ahead logging for concurrent readers
//     and a single writer.
//   - synchronous=NORMAL: transactions survive process crashes. Not
//     durable across OS crashes or power failure — acceptable because
//     every turn is also journaled by the session log, which is the
//     recovery source of truth.
//   - busy_timeout=5000: wait up to 5 seconds for a write lock
//     instead of returning SQLITE_BUSY immediately.
//   - foreign_keys=OFF: the store manages referential integrity
//     explicitly; the variant-deletion guard needs its own
//     transaction logic anyway, and FK cascades would fight it.
//   - cache_size=-8192: 8 MB page cache per connection.
//   - mmap_size=268435456: 256 MB memory-mapped I/O for reads.
//   - temp_store=MEMORY: temporary tables and indexes in memory.
//
// # Design
//
// This package is intentionally thin: it applies the standard pragmas
// and exposes the underlying zombiezen types directly. There is no
// query builder and no ORM — the store writes SQL, uses
// sqlitex.Execute for cached statements, and manages transactions
// with sqlitex.ImmediateTransaction.
package sqlitepool
