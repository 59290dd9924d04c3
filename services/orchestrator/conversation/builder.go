// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package conversation assembles the bounded prompt sent upstream.
//
// # Description
//
// The Builder reads a conversation's history tail from the store, injects
// extracted file text as delimited context blocks, and applies a
// deterministic truncation policy to stay under a configured character
// budget. Truncation is lossy and drops the oldest non-system messages
// first; system content and the newest user message are never dropped.
//
// Determinism matters here: given identical history and budget, Build
// returns byte-identical output, which is what makes stream behavior
// reproducible under test.
package conversation

import (
	"context"
	"fmt"
	"strings"

	"github.com/openchatd/openchatd/services/orchestrator/datatypes"
	"github.com/openchatd/openchatd/services/orchestrator/store"
)

// =============================================================================
// Errors
// =============================================================================

// ContextTooLargeError reports that the mandatory prompt content alone (system
// messages plus the newest user message with its file blocks) exceeds the
// budget. No amount of history truncation can help; the request must shrink.
type ContextTooLargeError struct {
	RequiredChars int
	BudgetChars   int
}

func (e *ContextTooLargeError) Error() string {
	return fmt.Sprintf("context too large: mandatory content is %d chars, budget is %d",
		e.RequiredChars, e.BudgetChars)
}

// FileTooLargeError reports a single file-context block over the per-file
// size cap. The request must drop or shrink the file; the cap is independent
// of the prompt character budget.
type FileTooLargeError struct {
	Name       string
	SizeBytes  int
	LimitBytes int
}

func (e *FileTooLargeError) Error() string {
	return fmt.Sprintf("file %q is %d bytes, limit is %d", e.Name, e.SizeBytes, e.LimitBytes)
}

// =============================================================================
// Types
// =============================================================================

// FileText is one unit of already-extracted file context, supplied by the
// file-processing collaborator. The orchestrator never reads raw files.
type FileText struct {
	Name string
	Text string
}

// FileResolver maps opaque file references to extracted text.
type FileResolver interface {
	// Resolve returns the extracted text for each reference, in the order
	// the references were given. Unknown references are an error.
	Resolve(ctx context.Context, refs []string) ([]FileText, error)
}

// Prompt is the ordered message list to send upstream, with sizing detail for
// logging and metrics.
type Prompt struct {
	Messages       []datatypes.Message
	Chars          int
	DroppedHistory int
}

// Config controls prompt assembly.
//
// # Fields
//
//   - SystemPrompt: Optional standing system message, prepended to every
//     prompt. Counts against the budget as mandatory content.
//   - MaxPromptChars: Character budget for the whole prompt. Zero means the
//     default.
//   - HistoryLimit: Maximum messages read from the store per build. Zero
//     means the default. This is a read bound, not the truncation policy;
//     the budget decides what survives.
//   - MaxFileBytes: Per-file cap on injected file text. Zero means the
//     default.
type Config struct {
	SystemPrompt   string `yaml:"system_prompt"`
	MaxPromptChars int    `yaml:"max_prompt_chars"`
	HistoryLimit   int    `yaml:"history_limit"`
	MaxFileBytes   int    `yaml:"max_file_bytes"`
}

const (
	DefaultMaxPromptChars = 48 * 1024
	DefaultHistoryLimit   = 200
	DefaultMaxFileBytes   = 10 * 1024 * 1024
)

func (c Config) withDefaults() Config {
	if c.MaxPromptChars <= 0 {
		c.MaxPromptChars = DefaultMaxPromptChars
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.MaxFileBytes <= 0 {
		c.MaxFileBytes = DefaultMaxFileBytes
	}
	return c
}

// =============================================================================
// Builder
// =============================================================================

// Builder assembles prompts from store history and new user input.
//
// # Thread Safety
//
// Builder is immutable after construction and safe for concurrent use.
type Builder struct {
	store store.ConversationStore
	cfg   Config
}

// NewBuilder creates a Builder over the given store.
func NewBuilder(s store.ConversationStore, cfg Config) *Builder {
	return &Builder{store: s, cfg: cfg.withDefaults()}
}

// Build assembles the ordered prompt for one generation turn.
//
// # Inputs
//
//   - conversationID: Conversation whose history seeds the prompt. May be a
//     freshly created, empty conversation.
//   - userText: The new user message text.
//   - files: Extracted file context to inject ahead of the user text, in
//     caller-supplied order.
//
// # Outputs
//
// The prompt's message order is: standing system message (if configured),
// surviving history in sequence order, then the new user message with file
// blocks prepended. Partial and failed assistant messages in history are
// included as-is: their content was shown to the user, so the model must see
// it too.
func (b *Builder) Build(ctx context.Context, conversationID, userText string, files []FileText) (Prompt, error) {
	for _, f := range files {
		if len(f.Text) > b.cfg.MaxFileBytes {
			return Prompt{}, &FileTooLargeError{
				Name:       f.Name,
				SizeBytes:  len(f.Text),
				LimitBytes: b.cfg.MaxFileBytes,
			}
		}
	}

	history, err := b.store.ReadHistory(ctx, conversationID, b.cfg.HistoryLimit)
	if err != nil {
		return Prompt{}, fmt.Errorf("reading history for %s: %w", conversationID, err)
	}

	userMsg := datatypes.Message{
		Role:    datatypes.RoleUser,
		Content: renderUserContent(userText, files),
	}

	// Mandatory content first: standing system prompt, system messages from
	// history, and the new user message. If these alone blow the budget,
	// truncation cannot save the request.
	mandatory := len(userMsg.Content)
	if b.cfg.SystemPrompt != "" {
		mandatory += len(b.cfg.SystemPrompt)
	}
	for _, m := range history {
		if m.Role == datatypes.RoleSystem {
			mandatory += len(m.Content)
		}
	}
	if mandatory > b.cfg.MaxPromptChars {
		return Prompt{}, &ContextTooLargeError{
			RequiredChars: mandatory,
			BudgetChars:   b.cfg.MaxPromptChars,
		}
	}

	// Walk history newest-first, keeping non-system messages while they fit.
	// System messages were already charged above and always survive.
	remaining := b.cfg.MaxPromptChars - mandatory
	keep := make([]bool, len(history))
	dropped := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == datatypes.RoleSystem {
			keep[i] = true
			continue
		}
		if dropped == 0 && len(history[i].Content) <= remaining {
			keep[i] = true
			remaining -= len(history[i].Content)
		} else {
			// Once one message is dropped, everything older goes too:
			// a gap in the middle of the thread confuses the model more
			// than a clean cut.
			dropped++
		}
	}

	messages := make([]datatypes.Message, 0, len(history)+2)
	if b.cfg.SystemPrompt != "" {
		messages = append(messages, datatypes.Message{
			Role:    datatypes.RoleSystem,
			Content: b.cfg.SystemPrompt,
		})
	}
	for i, m := range history {
		if keep[i] {
			messages = append(messages, m)
		}
	}
	messages = append(messages, userMsg)

	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
	}

	return Prompt{
		Messages:       messages,
		Chars:          chars,
		DroppedHistory: dropped,
	}, nil
}

// renderUserContent prepends file context blocks to the user's text. The
// delimiter format is fixed so outputs stay byte-identical across builds.
func renderUserContent(userText string, files []FileText) string {
	if len(files) == 0 {
		return userText
	}
	var sb strings.Builder
	for _, f := range files {
		sb.WriteString("--- file: ")
		sb.WriteString(f.Name)
		sb.WriteString(" ---\n")
		sb.WriteString(f.Text)
		if !strings.HasSuffix(f.Text, "\n") {
			sb.WriteString("\n")
		}
		sb.WriteString("--- end file ---\n\n")
	}
	sb.WriteString(userText)
	return sb.String()
}
