// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sessionlog provides the durable conversation journal.
//
// While a session is live, a Writer appends JSONL records (turn
// lifecycle, approval requests, terminal block snapshots) with an
// fsync per record; after a crash, ReadJournal recovers every
// complete record and discards a torn final line. When a session is
// finished, SealJournal archives the journal into an immutable
// segment: the records CBOR-encoded, compressed (zstd by default),
// and guarded by a keyed BLAKE3 hash that ReadSegment verifies on
// load.
package sessionlog
