// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openchatd/openchatd/services/orchestrator/datatypes"
	"github.com/openchatd/openchatd/services/orchestrator/store"
)

func seedConversation(t *testing.T, s store.ConversationStore, contents ...string) string {
	t.Helper()
	ctx := context.Background()
	conv, err := s.CreateConversation(ctx, "sess-1")
	require.NoError(t, err)
	for i, c := range contents {
		role := datatypes.RoleUser
		if i%2 == 1 {
			role = datatypes.RoleAssistant
		}
		msg := datatypes.NewMessage(conv.ID, role, c, datatypes.StatusComplete)
		_, err := s.AppendFinal(ctx, conv.ID, uint64(i+1), msg)
		require.NoError(t, err)
	}
	return conv.ID
}

func promptText(p Prompt) string {
	var sb strings.Builder
	for _, m := range p.Messages {
		sb.WriteString(string(m.Role))
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

func TestBuild_OrderAndSystemPrompt(t *testing.T) {
	s := store.NewMemoryStore()
	convID := seedConversation(t, s, "q1", "a1", "q2", "a2")

	b := NewBuilder(s, Config{SystemPrompt: "be terse"})
	p, err := b.Build(context.Background(), convID, "q3", nil)
	require.NoError(t, err)

	require.Len(t, p.Messages, 6)
	assert.Equal(t, datatypes.RoleSystem, p.Messages[0].Role)
	assert.Equal(t, "be terse", p.Messages[0].Content)
	assert.Equal(t, "q1", p.Messages[1].Content)
	assert.Equal(t, "a2", p.Messages[4].Content)
	assert.Equal(t, datatypes.RoleUser, p.Messages[5].Role)
	assert.Equal(t, "q3", p.Messages[5].Content)
	assert.Zero(t, p.DroppedHistory)
}

func TestBuild_FileOverSizeCapRejected(t *testing.T) {
	s := store.NewMemoryStore()
	convID := seedConversation(t, s)

	b := NewBuilder(s, Config{MaxFileBytes: 8, MaxPromptChars: 1024})
	_, err := b.Build(context.Background(), convID, "summarize", []FileText{
		{Name: "big.txt", Text: "way past eight bytes"},
	})

	var tooLarge *FileTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, "big.txt", tooLarge.Name)
	assert.Equal(t, 8, tooLarge.LimitBytes)

	// At the cap is fine.
	p, err := b.Build(context.Background(), convID, "summarize", []FileText{
		{Name: "ok.txt", Text: "12345678"},
	})
	require.NoError(t, err)
	assert.Contains(t, p.Messages[len(p.Messages)-1].Content, "12345678")
}

func TestBuild_Deterministic(t *testing.T) {
	s := store.NewMemoryStore()
	convID := seedConversation(t, s, "alpha", "beta", "gamma", "delta")

	b := NewBuilder(s, Config{SystemPrompt: "sys", MaxPromptChars: 70})
	files := []FileText{{Name: "notes.txt", Text: "remember"}}

	first, err := b.Build(context.Background(), convID, "go", files)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := b.Build(context.Background(), convID, "go", files)
		require.NoError(t, err)
		assert.Equal(t, promptText(first), promptText(again),
			"identical inputs must produce byte-identical prompts")
	}
}

func TestBuild_DropsOldestFirst(t *testing.T) {
	s := store.NewMemoryStore()
	// 5 chars each; budget fits the user message plus two history entries.
	convID := seedConversation(t, s, "aaaaa", "bbbbb", "ccccc", "ddddd")

	b := NewBuilder(s, Config{MaxPromptChars: 13})
	p, err := b.Build(context.Background(), convID, "zzz", nil)
	require.NoError(t, err)

	got := make([]string, 0, len(p.Messages))
	for _, m := range p.Messages {
		got = append(got, m.Content)
	}
	assert.Equal(t, []string{"ccccc", "ddddd", "zzz"}, got)
	assert.Equal(t, 2, p.DroppedHistory)
}

func TestBuild_SystemHistorySurvivesTruncation(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	conv, err := s.CreateConversation(ctx, "sess-1")
	require.NoError(t, err)

	sys := datatypes.NewMessage(conv.ID, datatypes.RoleSystem, "rules", datatypes.StatusComplete)
	_, err = s.AppendFinal(ctx, conv.ID, 1, sys)
	require.NoError(t, err)
	old := datatypes.NewMessage(conv.ID, datatypes.RoleUser, "very old question", datatypes.StatusComplete)
	_, err = s.AppendFinal(ctx, conv.ID, 2, old)
	require.NoError(t, err)

	b := NewBuilder(s, Config{MaxPromptChars: 10})
	p, err := b.Build(ctx, conv.ID, "hi", nil)
	require.NoError(t, err)

	require.Len(t, p.Messages, 2)
	assert.Equal(t, "rules", p.Messages[0].Content)
	assert.Equal(t, "hi", p.Messages[1].Content)
	assert.Equal(t, 1, p.DroppedHistory)
}

func TestBuild_PartialAssistantIncluded(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	conv, err := s.CreateConversation(ctx, "sess-1")
	require.NoError(t, err)

	q := datatypes.NewMessage(conv.ID, datatypes.RoleUser, "tell me a story", datatypes.StatusComplete)
	_, err = s.AppendFinal(ctx, conv.ID, 1, q)
	require.NoError(t, err)
	cut := datatypes.NewMessage(conv.ID, datatypes.RoleAssistant, "Once upon", datatypes.StatusPartial)
	_, err = s.AppendFinal(ctx, conv.ID, 2, cut)
	require.NoError(t, err)

	b := NewBuilder(s, Config{})
	p, err := b.Build(ctx, conv.ID, "continue", nil)
	require.NoError(t, err)

	require.Len(t, p.Messages, 3)
	assert.Equal(t, "Once upon", p.Messages[1].Content,
		"partial content was shown to the user, so the model must see it")
}

func TestBuild_ContextTooLarge(t *testing.T) {
	s := store.NewMemoryStore()
	convID := seedConversation(t, s)

	b := NewBuilder(s, Config{SystemPrompt: "s", MaxPromptChars: 8})
	_, err := b.Build(context.Background(), convID, "way past the budget", nil)

	var tooLarge *ContextTooLargeError
	require.True(t, errors.As(err, &tooLarge))
	assert.Equal(t, 8, tooLarge.BudgetChars)
	assert.Greater(t, tooLarge.RequiredChars, tooLarge.BudgetChars)
}

func TestBuild_FileBlocks(t *testing.T) {
	s := store.NewMemoryStore()
	convID := seedConversation(t, s)

	b := NewBuilder(s, Config{})
	files := []FileText{
		{Name: "a.go", Text: "package a\n"},
		{Name: "b.md", Text: "# B"},
	}
	p, err := b.Build(context.Background(), convID, "review these", files)
	require.NoError(t, err)

	content := p.Messages[len(p.Messages)-1].Content
	assert.Contains(t, content, "--- file: a.go ---\npackage a\n--- end file ---")
	assert.Contains(t, content, "--- file: b.md ---\n# B\n--- end file ---")
	assert.True(t, strings.HasSuffix(content, "review these"))
	assert.Less(t, strings.Index(content, "a.go"), strings.Index(content, "b.md"),
		"file blocks keep caller order")
}

func TestStaticResolver(t *testing.T) {
	r := NewStaticResolver()
	r.Register("ref-1", FileText{Name: "a.txt", Text: "A"})
	r.Register("ref-2", FileText{Name: "b.txt", Text: "B"})

	got, err := r.Resolve(context.Background(), []string{"ref-2", "ref-1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b.txt", got[0].Name)

	_, err = r.Resolve(context.Background(), []string{"missing"})
	assert.Error(t, err)
}
