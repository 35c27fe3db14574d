// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "time"

// VariantStatus is the execution state of one candidate assistant
// response. Like block statuses, transitions are monotonic and the
// three right-hand states are terminal.
type VariantStatus string

const (
	VariantPending   VariantStatus = "pending"
	VariantStreaming VariantStatus = "streaming"
	VariantComplete  VariantStatus = "complete"
	VariantError     VariantStatus = "error"
	VariantCancelled VariantStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (status VariantStatus) Terminal() bool {
	switch status {
	case VariantComplete, VariantError, VariantCancelled:
		return true
	}
	return false
}

// Variant is one of several parallel candidate responses to the same
// user turn. It owns a disjoint subset of the message's blocks.
// Exactly one variant per message is active (shown by default); a
// message with variants always retains at least one — the store
// rejects deleting the last.
type Variant struct {
	ID        string        `json:"id"`
	MessageID string        `json:"message_id"`
	Status    VariantStatus `json:"status"`
	Active    bool          `json:"active"`

	// ErrorDetail records why the variant reached VariantError,
	// structured enough for a caller to distinguish transient from
	// terminal failures (kind plus human message).
	ErrorDetail string `json:"error_detail,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
