// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openchatd/openchatd/services/orchestrator/datatypes"
)

// ScriptedClient is a deterministic Client for tests. It emits a fixed token
// sequence, optionally pacing emissions and optionally failing mid-stream.
//
// # Fields
//
//   - Tokens: Increments emitted in order.
//   - TokenDelay: Sleep before each token, context-aware. Zero emits
//     immediately.
//   - FailAfter: When >= 0, fail with FailWith after emitting this many
//     tokens. -1 never fails.
//   - FailWith: Error returned on the scripted failure; defaults to a
//     retryable *UpstreamError.
//   - FinishReason: Reason carried on the done event; defaults to "stop".
//   - Usage: Usage carried on the done event, may be nil.
//
// # Thread Safety
//
// Safe for concurrent ChatStream calls; recorded prompts are mutex-guarded.
type ScriptedClient struct {
	Tokens       []string
	TokenDelay   time.Duration
	FailAfter    int
	FailWith     error
	FinishReason string
	Usage        *datatypes.TokenUsage

	mu      sync.Mutex
	prompts [][]datatypes.Message
}

var _ Client = (*ScriptedClient)(nil)

// NewScriptedClient returns a client that streams the given tokens and
// finishes normally.
func NewScriptedClient(tokens ...string) *ScriptedClient {
	return &ScriptedClient{Tokens: tokens, FailAfter: -1}
}

// Prompts returns a copy of every message list ChatStream has received, in
// call order.
func (s *ScriptedClient) Prompts() [][]datatypes.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]datatypes.Message, len(s.prompts))
	copy(out, s.prompts)
	return out
}

// ChatStream implements the Client interface.
func (s *ScriptedClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	_ GenerationParams, callback StreamCallback) error {

	s.mu.Lock()
	s.prompts = append(s.prompts, messages)
	s.mu.Unlock()

	for i, tok := range s.Tokens {
		if s.FailAfter >= 0 && i == s.FailAfter {
			return s.failure()
		}
		if s.TokenDelay > 0 {
			select {
			case <-time.After(s.TokenDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := callback(StreamEvent{Type: StreamEventToken, Content: tok}); err != nil {
			return fmt.Errorf("stream callback failed: %w", err)
		}
	}
	if s.FailAfter >= 0 && s.FailAfter >= len(s.Tokens) {
		return s.failure()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	finishReason := s.FinishReason
	if finishReason == "" {
		finishReason = "stop"
	}
	if err := callback(StreamEvent{
		Type:         StreamEventDone,
		FinishReason: finishReason,
		Usage:        s.Usage,
	}); err != nil {
		return fmt.Errorf("stream callback failed: %w", err)
	}
	return nil
}

func (s *ScriptedClient) failure() error {
	if s.FailWith != nil {
		return s.FailWith
	}
	return &UpstreamError{StatusCode: 500, Message: "scripted failure", Retryable: true}
}
