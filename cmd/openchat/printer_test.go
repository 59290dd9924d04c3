// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const completedStream = `event: start
data: {"type":"start","stream_id":"s-1","conversation_id":"c-1","id":"e-1","created_at":1}

event: token
data: {"type":"token","content":"Hello, ","id":"e-2","created_at":2}

: ping

event: token
data: {"type":"token","content":"sailor.","id":"e-3","created_at":3}

event: end
data: {"type":"end","finish_reason":"stop","usage":{"input_tokens":12,"output_tokens":4},"id":"e-4","created_at":4}

`

func TestPrinter_CompletedStream(t *testing.T) {
	var out strings.Builder
	var gotStreamID, gotConvID string
	printer := newStreamPrinter(&out, func(streamID, convID string) {
		gotStreamID = streamID
		gotConvID = convID
	})

	result, err := printer.Process(strings.NewReader(completedStream))
	require.NoError(t, err)

	assert.Equal(t, "s-1", gotStreamID)
	assert.Equal(t, "c-1", gotConvID)
	assert.Equal(t, "s-1", result.StreamID)
	assert.Equal(t, "c-1", result.ConversationID)
	assert.Equal(t, "Hello, sailor.", result.Answer)
	assert.Equal(t, "stop", result.FinishReason)
	require.NotNil(t, result.Usage)
	assert.Equal(t, 12, result.Usage.InputTokens)
	assert.Equal(t, 4, result.Usage.OutputTokens)
	assert.False(t, result.Cancelled)

	// Tokens are printed as they arrive, terminated with a newline.
	assert.Equal(t, "Hello, sailor.\n", out.String())
}

func TestPrinter_CancelledStream(t *testing.T) {
	input := `data: {"type":"start","stream_id":"s-1","conversation_id":"c-1"}
data: {"type":"token","content":"Hel"}
data: {"type":"cancelled"}
`
	var out strings.Builder
	printer := newStreamPrinter(&out, nil)

	result, err := printer.Process(strings.NewReader(input))
	require.NoError(t, err)
	assert.True(t, result.Cancelled)
	assert.Equal(t, "Hel", result.Answer)
	assert.Contains(t, out.String(), "[stopped]")
}

func TestPrinter_ErrorStream(t *testing.T) {
	input := `data: {"type":"start","stream_id":"s-1","conversation_id":"c-1"}
data: {"type":"error","error":"the model backend failed","code":"upstream_error"}
`
	printer := newStreamPrinter(&strings.Builder{}, nil)

	_, err := printer.Process(strings.NewReader(input))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "the model backend failed")
	assert.Contains(t, err.Error(), "upstream_error")
}

func TestPrinter_TruncatedStreamReportsCancelled(t *testing.T) {
	input := `data: {"type":"start","stream_id":"s-1","conversation_id":"c-1"}
data: {"type":"token","content":"partial answer"}
`
	var out strings.Builder
	printer := newStreamPrinter(&out, nil)

	result, err := printer.Process(strings.NewReader(input))
	require.NoError(t, err)
	assert.True(t, result.Cancelled)
	assert.Equal(t, "partial answer", result.Answer)
}

func TestPrinter_MalformedEvent(t *testing.T) {
	printer := newStreamPrinter(&strings.Builder{}, nil)

	_, err := printer.Process(strings.NewReader("data: {not json}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed stream event")
}
