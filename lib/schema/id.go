// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "github.com/google/uuid"

// Typed ID generators. Every entity gets a prefixed UUID so that a
// bare ID string in a log line identifies its entity kind.

// NewSessionID returns a fresh session identifier.
func NewSessionID() string { return "ses_" + uuid.NewString() }

// NewMessageID returns a fresh message identifier.
func NewMessageID() string { return "msg_" + uuid.NewString() }

// NewBlockID returns a fresh block identifier.
func NewBlockID() string { return "blk_" + uuid.NewString() }

// NewVariantID returns a fresh variant identifier.
func NewVariantID() string { return "var_" + uuid.NewString() }

// NewToolCallID returns a fresh tool call identifier.
func NewToolCallID() string { return "tc_" + uuid.NewString() }

// NewApprovalID returns a fresh approval request identifier.
func NewApprovalID() string { return "apr_" + uuid.NewString() }

// NewAgentID returns a fresh workspace agent identifier.
func NewAgentID() string { return "agt_" + uuid.NewString() }
