// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package llm is the provider-agnostic model adapter consumed by the
// pipeline engine.
//
// The central abstraction is [Provider]: blocking completion via
// Complete and incremental delivery via Stream. Provider
// implementations translate between the common types here and each
// vendor's wire format; the engine never sees vendor JSON.
//
// Streaming uses Server-Sent Events parsed by [SSEScanner]. A
// [Stream] yields [StreamEvent] values as they arrive (block starts,
// text deltas, completed blocks, usage) while accumulating the full
// [Response] for the caller to collect after the final event.
// Mid-stream cancellation rides on the request context: cancelling it
// tears down the underlying HTTP body and the next Recv returns the
// context error.
//
// [Anthropic] implements the Messages API wire dialect, which is also
// spoken by several self-hosted gateways.
package llm
