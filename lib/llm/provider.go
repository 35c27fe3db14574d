// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"fmt"
	"io"
)

// Provider is the interface for model API backends.
type Provider interface {
	// Complete sends a request and blocks until the full response is
	// available.
	Complete(ctx context.Context, request Request) (*Response, error)

	// Stream sends a request and returns a Stream yielding events as
	// they arrive. The caller must Close the stream when done, even
	// when iteration ended early.
	Stream(ctx context.Context, request Request) (*Stream, error)
}

// NextFunc is the iteration function backing a Stream. It returns
// (event, nil) per event and (zero, io.EOF) when the stream is
// complete.
type NextFunc func() (StreamEvent, error)

// Stream reads events from a streaming model response while
// accumulating the complete Response. After Recv returns io.EOF, call
// Response for the accumulated result.
//
// Stream is not safe for concurrent use; the single pipeline variant
// that started the request owns it.
type Stream struct {
	next     NextFunc
	closer   io.Closer
	response Response
	done     bool
}

// NewStream creates a Stream from a provider-specific iteration
// function and a closer for the underlying transport resource
// (typically the HTTP response body). Fake providers in tests pass a
// nil closer.
func NewStream(next NextFunc, closer io.Closer) *Stream {
	return &Stream{next: next, closer: closer}
}

// Recv returns the next event, or io.EOF when the stream is complete.
func (stream *Stream) Recv() (StreamEvent, error) {
	if stream.done {
		return StreamEvent{}, io.EOF
	}
	event, err := stream.next()
	if err != nil {
		if err == io.EOF {
			stream.done = true
		}
		return event, err
	}
	if event.Type == EventBlockDone {
		stream.response.Content = append(stream.response.Content, event.Block)
	}
	return event, nil
}

// Response returns the accumulated response. Complete only after Recv
// has returned io.EOF; before that, it holds whatever has accumulated
// so far.
func (stream *Stream) Response() Response {
	return stream.response
}

// Close releases the underlying transport resource. Must be called
// even when iteration ended early.
func (stream *Stream) Close() error {
	if stream.closer != nil {
		return stream.closer.Close()
	}
	return nil
}

// SetModel records the model name on the accumulated response. Called
// by providers during stream parsing.
func (stream *Stream) SetModel(model string) { stream.response.Model = model }

// SetStopReason records the stop reason on the accumulated response.
func (stream *Stream) SetStopReason(reason StopReason) { stream.response.StopReason = reason }

// SetUsage records usage on the accumulated response. Providers that
// deliver usage incrementally call this once per update with the
// running totals.
func (stream *Stream) SetUsage(usage Usage) { stream.response.Usage = usage }

// AddOutputTokens increments the output token count for providers
// that report output usage incrementally.
func (stream *Stream) AddOutputTokens(count int64) {
	stream.response.Usage.OutputTokens += count
}

// ProviderError is returned when the model API responds with an error
// status. The pipeline engine retries rate-limit and overload errors
// with backoff; everything else surfaces immediately.
type ProviderError struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Type is the provider-specific error type string (e.g.,
	// "invalid_request_error", "rate_limit_error").
	Type string

	// Message is the human-readable description.
	Message string
}

func (err *ProviderError) Error() string {
	if err.Type != "" {
		return fmt.Sprintf("llm: HTTP %d: %s: %s", err.StatusCode, err.Type, err.Message)
	}
	return fmt.Sprintf("llm: HTTP %d: %s", err.StatusCode, err.Message)
}

// Retryable reports whether the error is worth retrying with backoff:
// rate limiting (429), overload (529), or a 5xx server failure.
func (err *ProviderError) Retryable() bool {
	return err.StatusCode == 429 || err.StatusCode == 529 ||
		(err.StatusCode >= 500 && err.StatusCode < 600)
}
