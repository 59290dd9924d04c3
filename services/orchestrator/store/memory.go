// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openchatd/openchatd/services/orchestrator/datatypes"
)

// conversationState is the in-memory record for one conversation.
type conversationState struct {
	meta     datatypes.Conversation
	messages []datatypes.Message
	nextSeq  uint64
}

// MemoryStore is a mutex-guarded in-memory ConversationStore.
//
// # Description
//
// Primary store for tests and for deployments that accept losing history on
// restart. All invariants (single writer, gapless sequence, one-shot
// finalization) are enforced identically to BadgerStore.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[string]*conversationState
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{conversations: make(map[string]*conversationState)}
}

// CreateConversation provisions an empty conversation owned by the session.
func (s *MemoryStore) CreateConversation(_ context.Context, sessionID string) (datatypes.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := datatypes.Conversation{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		CreatedAt: time.Now().UTC(),
	}
	s.conversations[conv.ID] = &conversationState{meta: conv, nextSeq: 1}
	return conv, nil
}

// Conversation returns the conversation metadata.
func (s *MemoryStore) Conversation(_ context.Context, conversationID string) (datatypes.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.conversations[conversationID]
	if !ok {
		return datatypes.Conversation{}, ErrConversationNotFound
	}
	meta := cs.meta
	if cs.meta.ActiveStreamID != nil {
		id := *cs.meta.ActiveStreamID
		meta.ActiveStreamID = &id
	}
	return meta, nil
}

// TryAcquire atomically claims the conversation for streamID.
func (s *MemoryStore) TryAcquire(_ context.Context, conversationID, streamID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.conversations[conversationID]
	if !ok {
		return false, ErrConversationNotFound
	}
	if cs.meta.ActiveStreamID != nil {
		return false, nil
	}
	cs.meta.ActiveStreamID = &streamID
	return true, nil
}

// Release clears the lock only if streamID still owns it.
func (s *MemoryStore) Release(_ context.Context, conversationID, streamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.conversations[conversationID]
	if !ok {
		return ErrConversationNotFound
	}
	if cs.meta.ActiveStreamID != nil && *cs.meta.ActiveStreamID == streamID {
		cs.meta.ActiveStreamID = nil
	}
	return nil
}

// NextSeq returns the next sequence number to be assigned.
func (s *MemoryStore) NextSeq(_ context.Context, conversationID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.conversations[conversationID]
	if !ok {
		return 0, ErrConversationNotFound
	}
	return cs.nextSeq, nil
}

// AppendFinal appends msg at expectedSeq with an optimistic check.
func (s *MemoryStore) AppendFinal(_ context.Context, conversationID string, expectedSeq uint64, msg datatypes.Message) (datatypes.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.conversations[conversationID]
	if !ok {
		return datatypes.Message{}, ErrConversationNotFound
	}
	if expectedSeq != cs.nextSeq {
		return datatypes.Message{}, &SequenceConflictError{
			ConversationID: conversationID,
			Expected:       expectedSeq,
			Actual:         cs.nextSeq,
		}
	}

	msg.ConversationID = conversationID
	msg.Seq = cs.nextSeq
	cs.messages = append(cs.messages, msg)
	cs.nextSeq++
	return msg, nil
}

// FinalizeMessage performs the one-shot partial/failed → complete repair.
func (s *MemoryStore) FinalizeMessage(_ context.Context, conversationID string, seq uint64, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.conversations[conversationID]
	if !ok {
		return ErrConversationNotFound
	}
	for i := range cs.messages {
		if cs.messages[i].Seq != seq {
			continue
		}
		if cs.messages[i].Status == datatypes.StatusComplete {
			return ErrMessageImmutable
		}
		cs.messages[i].Content = content
		cs.messages[i].Status = datatypes.StatusComplete
		return nil
	}
	return ErrConversationNotFound
}

// ReadHistory returns the ordered tail of messages.
func (s *MemoryStore) ReadHistory(_ context.Context, conversationID string, limit int) ([]datatypes.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}

	msgs := cs.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]datatypes.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// Close implements ConversationStore. MemoryStore holds no resources.
func (s *MemoryStore) Close() error { return nil }

var _ ConversationStore = (*MemoryStore)(nil)
