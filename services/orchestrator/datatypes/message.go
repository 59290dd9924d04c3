// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the orchestrator service.
//
// This file contains the persisted conversation model: sessions,
// conversations, and messages. For streaming wire types, see stream.go.
package datatypes

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Roles and Statuses
// =============================================================================

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether the role is one of the three known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}

// CompletionStatus records how a message's content came to rest.
//
// # Description
//
// A message is written exactly once at a terminal stream state:
//   - StatusComplete: the model finished normally; content is immutable.
//   - StatusPartial: the stream was cancelled (client stop or disconnect);
//     content is whatever had been buffered when cancellation was observed.
//   - StatusFailed: the stream faulted after producing some content; the
//     buffered text is retained for operator diagnosis.
//
// A partial or failed message may be replaced exactly once by a terminal
// write; a complete message is immutable.
type CompletionStatus string

const (
	StatusComplete CompletionStatus = "complete"
	StatusPartial  CompletionStatus = "partial"
	StatusFailed   CompletionStatus = "failed"
)

// Terminal reports whether the status permits no further replacement.
func (s CompletionStatus) Terminal() bool {
	return s == StatusComplete
}

// =============================================================================
// Session
// =============================================================================

// Session is an anonymous client identity scoping rate limits and
// conversation ownership.
//
// # Fields
//
//   - ID: Opaque identifier (UUID v4), doubles as the bearer token value.
//   - CreatedAt: When the session was first seen.
//   - LastActivity: Updated on every admitted request.
//   - ExpiresAt: Absolute expiry; enforced by the session manager sweep,
//     never by the stream orchestrator.
type Session struct {
	ID           string    `json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the session is past its expiry at the given instant.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// =============================================================================
// Conversation
// =============================================================================

// Conversation is an ordered thread of messages between one session and the
// model.
//
// # Fields
//
//   - ID: Conversation identifier (UUID v4).
//   - SessionID: Owning session.
//   - CreatedAt: Creation time (first message).
//   - ActiveStreamID: The exclusive-writer lock token. Nil when no stream is
//     in flight. At most one stream owns a conversation at any instant; the
//     store's TryAcquire/Release are the only mutators.
type Conversation struct {
	ID             string    `json:"conversation_id"`
	SessionID      string    `json:"session_id"`
	CreatedAt      time.Time `json:"created_at"`
	ActiveStreamID *string   `json:"active_stream_id,omitempty"`
}

// =============================================================================
// Message
// =============================================================================

// Message is one entry in a conversation's append-only ledger.
//
// # Fields
//
//   - ID: Message identifier (UUID v4).
//   - ConversationID: Owning conversation.
//   - Role: user, assistant, or system.
//   - Content: Message text. Immutable once Status is complete.
//   - Seq: Monotonic sequence number within the conversation. Defines the
//     total order; wall-clock time does not.
//   - Status: complete, partial, or failed (see CompletionStatus).
//   - FileRefs: Opaque references to already-extracted file context supplied
//     by the file-processing collaborator. The orchestrator never reads raw
//     files.
//   - CreatedAt: Wall-clock creation time, informational only.
type Message struct {
	ID             string           `json:"message_id"`
	ConversationID string           `json:"conversation_id"`
	Role           Role             `json:"role"`
	Content        string           `json:"content"`
	Seq            uint64           `json:"seq"`
	Status         CompletionStatus `json:"status"`
	FileRefs       []string         `json:"file_refs,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// NewMessage constructs a message with a fresh ID and timestamp.
// Seq is assigned by the store on append, not here.
func NewMessage(conversationID string, role Role, content string, status CompletionStatus) Message {
	return Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Status:         status,
		CreatedAt:      time.Now().UTC(),
	}
}
