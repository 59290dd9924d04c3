// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides thin clients for external generation providers.
//
// All backends expose one cancellable streaming call, ChatStream. Tokens are
// delivered through a callback as they arrive; cancellation flows in through
// the context and out as context.Canceled, never as an UpstreamError.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/openchatd/openchatd/services/orchestrator/datatypes"
)

// =============================================================================
// Parameters
// =============================================================================

// GenerationParams tunes a single generation call. Nil fields take backend
// defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// =============================================================================
// Streaming Events
// =============================================================================

// StreamEventType classifies a callback event.
type StreamEventType string

const (
	// StreamEventToken carries one text increment.
	StreamEventToken StreamEventType = "token"
	// StreamEventDone terminates the stream, carrying the finish reason and
	// usage when the backend reports them.
	StreamEventDone StreamEventType = "done"
)

// StreamEvent is one unit of streaming output from a backend.
type StreamEvent struct {
	Type         StreamEventType
	Content      string
	FinishReason string
	Usage        *datatypes.TokenUsage
}

// StreamCallback is called for each token and once for the terminal done
// event. Returning a non-nil error aborts the stream; the backend stops
// reading and surfaces the error wrapped as a callback failure.
type StreamCallback func(event StreamEvent) error

// =============================================================================
// Errors
// =============================================================================

// ErrUpstreamTimeout reports that the backend did not respond, or stopped
// producing increments, within the configured deadline.
var ErrUpstreamTimeout = errors.New("upstream timed out")

// UpstreamError reports a backend fault.
//
// # Fields
//
//   - StatusCode: HTTP status from the backend, 0 when transport-level.
//   - Message: Backend-supplied detail, safe to log but not to echo to
//     clients verbatim.
//   - Retryable: Whether a later identical request could plausibly succeed
//     (5xx and 429 are retryable, other 4xx are not).
type UpstreamError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error (status %d, retryable %t): %s",
		e.StatusCode, e.Retryable, e.Message)
}

// retryableStatus classifies an HTTP status for retry purposes.
func retryableStatus(status int) bool {
	return status >= 500 || status == 429
}

// =============================================================================
// Interface
// =============================================================================

// Client is the interface every generation backend implements.
//
// # Thread Safety
//
// Implementations must be safe for concurrent ChatStream calls.
type Client interface {
	// ChatStream generates a streamed completion for the ordered message
	// list. The callback receives zero or more token events followed by
	// exactly one done event on normal completion.
	//
	// Cancelling ctx stops the stream promptly; ChatStream then returns an
	// error satisfying errors.Is(err, context.Canceled) without invoking
	// the done callback. Faults return *UpstreamError or ErrUpstreamTimeout.
	ChatStream(ctx context.Context, messages []datatypes.Message,
		params GenerationParams, callback StreamCallback) error
}
