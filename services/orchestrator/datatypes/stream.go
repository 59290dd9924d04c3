// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the orchestrator service.
//
// This file contains the streaming wire contract: the client request body and
// the event sequence delivered over SSE or WebSocket.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxUserTextBytes is the maximum size of a single user message.
	// Checked in bytes, not runes, to bound memory regardless of encoding.
	MaxUserTextBytes = 32 * 1024 // 32KB

	// MaxFileRefsPerRequest bounds the number of file-context references a
	// single request may carry.
	MaxFileRefsPerRequest = 16
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// streamValidate is the validator instance for streaming datatypes.
var streamValidate *validator.Validate

func init() {
	streamValidate = validator.New()
	_ = streamValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces MaxUserTextBytes on string fields.
// Byte length, not rune count: the limit exists to bound memory.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxUserTextBytes
}

// =============================================================================
// Stream Request
// =============================================================================

// StreamRequest is the body of a streaming chat request.
//
// # Description
//
// Opens one generation stream against a conversation. When ConversationID is
// empty, a new conversation is created under the caller's session. FileRefs
// name already-extracted text blobs held by the file-context collaborator;
// the orchestrator injects their text into the prompt but never touches raw
// files.
//
// # Validation
//
//   - UserText: required, at most 32KB (custom "maxbytes" validator)
//   - ConversationID: optional, must be a UUID v4 when present
//   - FileRefs: at most 16 entries
type StreamRequest struct {
	ConversationID string   `json:"conversation_id" validate:"omitempty,uuid4"`
	UserText       string   `json:"user_text" validate:"required,maxbytes"`
	FileRefs       []string `json:"file_refs,omitempty" validate:"max=16"`
}

// Validate checks the request against its validation tags.
func (r *StreamRequest) Validate() error {
	return streamValidate.Struct(r)
}

// =============================================================================
// Stream Events
// =============================================================================

// StreamEventType identifies the kind of a streaming event.
type StreamEventType string

const (
	// StreamEventStart is emitted exactly once, first, carrying the stream
	// and conversation identifiers.
	StreamEventStart StreamEventType = "start"

	// StreamEventToken carries one text increment, in emission order.
	StreamEventToken StreamEventType = "token"

	// StreamEventEnd terminates a completed stream with finish reason and
	// token usage.
	StreamEventEnd StreamEventType = "end"

	// StreamEventCancelled terminates a cancelled stream, in place of end.
	StreamEventCancelled StreamEventType = "cancelled"

	// StreamEventError terminates a failed stream, in place of end.
	StreamEventError StreamEventType = "error"
)

// Terminal reports whether the event type ends the stream.
func (t StreamEventType) Terminal() bool {
	return t == StreamEventEnd || t == StreamEventCancelled || t == StreamEventError
}

// TokenUsage contains token consumption statistics for a completed stream.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// StreamEvent is a single wire event delivered to the subscribed client.
//
// # Description
//
// Every stream yields exactly one start event, zero or more token events, and
// exactly one terminal event (end, cancelled, or error). ID and CreatedAt are
// stamped by the transport writer at emission time.
//
// # Fields
//
//   - Type: Event discriminator.
//   - StreamID / ConversationID: Set on start and terminal events.
//   - Content: Token text (token events only).
//   - FinishReason: Model finish reason (end events only).
//   - Usage: Token counts (end events only, when the backend reports them).
//   - Code / Error: Machine code and human message (error events only).
//   - ID: UUID v4 assigned per emitted event.
//   - CreatedAt: Unix milliseconds at emission.
type StreamEvent struct {
	Type           StreamEventType `json:"type"`
	StreamID       string          `json:"stream_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Content        string          `json:"content,omitempty"`
	FinishReason   string          `json:"finish_reason,omitempty"`
	Usage          *TokenUsage     `json:"usage,omitempty"`
	Code           string          `json:"code,omitempty"`
	Error          string          `json:"error,omitempty"`
	ID             string          `json:"id,omitempty"`
	CreatedAt      int64           `json:"created_at,omitempty"`
}

// Stamp assigns the per-emission metadata. Called by transport writers.
func (e *StreamEvent) Stamp() {
	e.ID = uuid.NewString()
	e.CreatedAt = time.Now().UnixMilli()
}
