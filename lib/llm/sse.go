// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"bufio"
	"io"
	"strings"
)

// SSEEvent is one Server-Sent Event: the "event:" field and the
// payload assembled from its "data:" lines (joined with newlines per
// the specification).
type SSEEvent struct {
	Type string
	Data string
}

// SSEScanner parses Server-Sent Events from a reader. Events are
// delimited by blank lines; comment lines (leading ":") and fields
// other than "event" and "data" are ignored.
//
//	scanner := NewSSEScanner(body)
//	for scanner.Next() {
//	    event := scanner.Event()
//	    ...
//	}
//	if err := scanner.Err(); err != nil { ... }
type SSEScanner struct {
	lines   *bufio.Scanner
	current SSEEvent
	err     error
}

// NewSSEScanner creates a scanner reading from reader. Lines up to
// 1 MB are accepted, which covers the largest tool-input JSON deltas
// seen in practice.
func NewSSEScanner(reader io.Reader) *SSEScanner {
	lines := bufio.NewScanner(reader)
	lines.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &SSEScanner{lines: lines}
}

// Next advances to the next event. Returns false at end of stream or
// on error; call Err afterwards to distinguish.
func (scanner *SSEScanner) Next() bool {
	if scanner.err != nil {
		return false
	}

	var eventType string
	var dataLines []string

	flush := func() bool {
		if len(dataLines) == 0 {
			return false
		}
		scanner.current = SSEEvent{
			Type: eventType,
			Data: strings.Join(dataLines, "\n"),
		}
		return true
	}

	for scanner.lines.Scan() {
		line := strings.TrimSuffix(scanner.lines.Text(), "\r")

		if line == "" {
			if flush() {
				return true
			}
			eventType = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		// One leading space after the colon is part of the field
		// syntax, not the value.
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			eventType = value
		case "data":
			dataLines = append(dataLines, value)
		}
	}

	if err := scanner.lines.Err(); err != nil {
		scanner.err = err
		return false
	}

	// Emit a final event when the stream ended without a trailing
	// blank line.
	scanner.err = io.EOF
	return flush()
}

// Event returns the most recently parsed event. Valid only after Next
// returned true.
func (scanner *SSEScanner) Event() SSEEvent {
	return scanner.current
}

// Err returns the first error encountered, or nil when scanning ended
// at a clean end of stream.
func (scanner *SSEScanner) Err() error {
	if scanner.err == io.EOF {
		return nil
	}
	return scanner.err
}
