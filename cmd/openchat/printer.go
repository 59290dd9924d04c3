// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/openchatd/openchatd/services/orchestrator/datatypes"
)

// streamResult is what a fully consumed stream collapses to.
type streamResult struct {
	Answer         string
	StreamID       string
	ConversationID string
	FinishReason   string
	Usage          *datatypes.TokenUsage
	Cancelled      bool
}

// streamPrinter consumes a server-sent event stream, printing tokens as
// they arrive and collecting the transcript.
//
// # Description
//
// The wire format interleaves "event:" and "data:" lines; every data line
// is a self-describing JSON event, so the printer keys off the payload and
// ignores the event name lines. Keepalive comments (": ping") and blank
// separators are skipped.
//
// # Fields
//
//   - writer: where tokens go, normally stdout
//   - onStart: invoked once with the stream and conversation identifiers,
//     before any token is printed. Used by the chat command to arm the
//     Ctrl-C stop handler. May be nil.
type streamPrinter struct {
	writer  io.Writer
	onStart func(streamID, conversationID string)
	answer  strings.Builder
}

func newStreamPrinter(w io.Writer, onStart func(streamID, conversationID string)) *streamPrinter {
	return &streamPrinter{writer: w, onStart: onStart}
}

// Process reads the stream until a terminal event or EOF.
//
// # Outputs
//
// A result for completed and cancelled streams. Error events become Go
// errors carrying the server's public message.
func (p *streamPrinter) Process(reader io.Reader) (*streamResult, error) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	result := &streamResult{}
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event datatypes.StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			return nil, fmt.Errorf("malformed stream event: %w", err)
		}

		switch event.Type {
		case datatypes.StreamEventStart:
			result.StreamID = event.StreamID
			result.ConversationID = event.ConversationID
			if p.onStart != nil {
				p.onStart(event.StreamID, event.ConversationID)
			}
		case datatypes.StreamEventToken:
			p.answer.WriteString(event.Content)
			fmt.Fprint(p.writer, event.Content)
		case datatypes.StreamEventEnd:
			result.Answer = p.answer.String()
			result.FinishReason = event.FinishReason
			result.Usage = event.Usage
			p.finishLine()
			return result, nil
		case datatypes.StreamEventCancelled:
			result.Answer = p.answer.String()
			result.Cancelled = true
			p.finishLine()
			fmt.Fprintln(p.writer, "[stopped]")
			return result, nil
		case datatypes.StreamEventError:
			p.finishLine()
			if event.Code != "" {
				return nil, fmt.Errorf("%s (%s)", event.Error, event.Code)
			}
			return nil, fmt.Errorf("%s", event.Error)
		}
	}

	if err := scanner.Err(); err != nil {
		p.finishLine()
		return nil, fmt.Errorf("stream read failed: %w", err)
	}

	// The connection dropped before a terminal event. The server persists
	// the partial turn on its side; report what was received.
	result.Answer = p.answer.String()
	result.Cancelled = true
	p.finishLine()
	return result, nil
}

// finishLine terminates the token output with a newline when the model's
// text did not end with one.
func (p *streamPrinter) finishLine() {
	if p.answer.Len() > 0 && !strings.HasSuffix(p.answer.String(), "\n") {
		fmt.Fprintln(p.writer)
	}
}
