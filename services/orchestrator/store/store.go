// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store provides the conversation message ledger and the
// per-conversation exclusive-writer lock.
//
// # Description
//
// A conversation is an append-only, gaplessly numbered sequence of messages.
// The store is the system of record and enforces two invariants:
//
//   - Single writer: at most one stream holds a conversation's
//     activeStreamID at any instant. TryAcquire is a non-blocking try-lock
//     with compare-and-clear release semantics; a busy conversation is a
//     conflict for the caller to surface, never a queueable condition.
//   - Ordered appends: AppendFinal is optimistic. The caller states the
//     sequence number it expects to write; a mismatch yields
//     *SequenceConflictError and the caller rereads before retrying the
//     persistence (never the generation).
//
// Two implementations exist: MemoryStore for tests and single-node
// deployments without durability needs, and BadgerStore for an embedded
// persistent ledger.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/openchatd/openchatd/services/orchestrator/datatypes"
)

// =============================================================================
// Errors
// =============================================================================

// ErrConversationNotFound reports an unknown conversation ID.
var ErrConversationNotFound = errors.New("conversation not found")

// ErrMessageImmutable reports an attempt to replace a message whose status is
// complete. Complete content is immutable; only partial and failed messages
// may be finalized, and only once.
var ErrMessageImmutable = errors.New("message content is immutable")

// SequenceConflictError reports an optimistic append that lost the race: the
// store's next sequence number moved past the caller's expectation.
type SequenceConflictError struct {
	ConversationID string
	Expected       uint64
	Actual         uint64
}

func (e *SequenceConflictError) Error() string {
	return fmt.Sprintf("sequence conflict on conversation %s: expected next seq %d, store at %d",
		e.ConversationID, e.Expected, e.Actual)
}

// =============================================================================
// Interface
// =============================================================================

// ConversationStore is the ordered message ledger plus the exclusive-writer
// lock for each conversation.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; TryAcquire for the same
// conversation must admit exactly one of any set of racing callers.
type ConversationStore interface {
	// CreateConversation provisions an empty conversation owned by the
	// session. Sequence numbering starts at 1.
	CreateConversation(ctx context.Context, sessionID string) (datatypes.Conversation, error)

	// Conversation returns the conversation metadata, including the current
	// lock holder if any.
	Conversation(ctx context.Context, conversationID string) (datatypes.Conversation, error)

	// TryAcquire atomically sets activeStreamID if and only if it is
	// currently unset. Returns false without blocking when another stream
	// owns the conversation.
	TryAcquire(ctx context.Context, conversationID, streamID string) (bool, error)

	// Release clears activeStreamID only if it equals streamID. Stale
	// releases are no-ops, guarding against double-release after races.
	Release(ctx context.Context, conversationID, streamID string) error

	// NextSeq returns the sequence number the next appended message will
	// receive.
	NextSeq(ctx context.Context, conversationID string) (uint64, error)

	// AppendFinal appends msg at expectedSeq. Fails with
	// *SequenceConflictError when expectedSeq does not match the store's
	// next sequence number. On success the stored message (with Seq set) is
	// returned.
	AppendFinal(ctx context.Context, conversationID string, expectedSeq uint64, msg datatypes.Message) (datatypes.Message, error)

	// FinalizeMessage replaces the content and status of a partial or failed
	// message with a complete terminal write. Exactly-once: once complete,
	// further writes fail with ErrMessageImmutable. The orchestrator never
	// calls this; it exists for operator-driven repair.
	FinalizeMessage(ctx context.Context, conversationID string, seq uint64, content string) error

	// ReadHistory returns the ordered tail of the conversation's messages.
	// limit <= 0 returns everything.
	ReadHistory(ctx context.Context, conversationID string, limit int) ([]datatypes.Message, error)

	// Close releases any resources held by the store.
	Close() error
}
