// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the conversation data model shared by every
// Chorus component: sessions, messages, blocks, variants, tool calls,
// and workspace agents.
//
// Ownership is strictly hierarchical. A Session owns its Messages; a
// Message owns its Blocks and its Variants; a Variant is a named
// partition over the owning Message's block set (no block belongs to
// two variants). Blocks are append-only: once a block reaches a
// terminal status it is immutable, and edits create new blocks.
//
// The types here carry no behavior beyond identity generation and
// status-transition checks. Persistence lives in lib/store, execution
// in lib/pipeline.
package schema
