// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed input. It is never retried: the
// caller's request shape is wrong and resubmitting unchanged input
// cannot succeed.
type ValidationError struct {
	// Field names the offending input field, when one can be named.
	Field string

	// Reason is the human-readable explanation.
	Reason string
}

func (err *ValidationError) Error() string {
	if err.Field != "" {
		return fmt.Sprintf("invalid %s: %s", err.Field, err.Reason)
	}
	return "invalid input: " + err.Reason
}

// ResourceExhaustedError reports that a bounded resource is full: an
// agent inbox at capacity, a workspace at its agent cap, a turn at its
// round limit. The operation is rejected or truncated, never silently
// dropped.
type ResourceExhaustedError struct {
	// Resource names what is exhausted (e.g., "inbox", "agents",
	// "rounds").
	Resource string

	// Limit is the configured bound that was hit.
	Limit int
}

func (err *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("%s limit reached (%d)", err.Resource, err.Limit)
}

// IsResourceExhausted reports whether err (or anything it wraps) is a
// ResourceExhaustedError.
func IsResourceExhausted(err error) bool {
	var exhausted *ResourceExhaustedError
	return errors.As(err, &exhausted)
}

// IsValidation reports whether err (or anything it wraps) is a
// ValidationError.
func IsValidation(err error) bool {
	var validation *ValidationError
	return errors.As(err, &validation)
}
