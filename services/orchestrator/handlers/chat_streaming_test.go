// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openchatd/openchatd/services/llm"
	"github.com/openchatd/openchatd/services/orchestrator/conversation"
	"github.com/openchatd/openchatd/services/orchestrator/datatypes"
	"github.com/openchatd/openchatd/services/orchestrator/middleware"
	"github.com/openchatd/openchatd/services/orchestrator/ratelimit"
	"github.com/openchatd/openchatd/services/orchestrator/session"
	"github.com/openchatd/openchatd/services/orchestrator/store"
	"github.com/openchatd/openchatd/services/orchestrator/stream"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Test Fixture
// =============================================================================

type handlerFixture struct {
	router   *gin.Engine
	store    store.ConversationStore
	limiter  *ratelimit.Limiter
	sessions *session.Manager
	orch     *stream.Orchestrator
	client   *llm.ScriptedClient
}

type fixtureOptions struct {
	limits        ratelimit.Limits
	promptBudget  int
	resolver      conversation.FileResolver
	streamTimeout time.Duration
}

func newHandlerFixture(t *testing.T, client *llm.ScriptedClient, opts fixtureOptions) *handlerFixture {
	t.Helper()
	t.Setenv("OPENCHATD_INSECURE_MEMORY", "true")

	if opts.limits == (ratelimit.Limits{}) {
		opts.limits = ratelimit.DefaultLimits()
	}

	s := store.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })

	limiter := ratelimit.New(opts.limits, ratelimit.SystemClock{})
	builder := conversation.NewBuilder(s, conversation.Config{MaxPromptChars: opts.promptBudget})
	orch := stream.New(s, limiter, builder, client, stream.Config{
		MaxStreamDuration: opts.streamTimeout,
	})
	sessions := session.NewManager(session.Config{TTL: time.Hour}, nil)
	handler := NewStreamHandler(orch, opts.resolver, s)

	router := gin.New()
	router.GET("/health", HealthCheck)
	v1 := router.Group("/v1", middleware.SessionAuth(sessions))
	{
		v1.POST("/chat/stream", handler.HandleChatStream)
		v1.POST("/streams/:streamID/stop", handler.HandleStopStream)
		v1.GET("/conversations/:conversationID/messages", handler.HandleConversationMessages)
		v1.POST("/sessions", CreateSession(sessions))
		v1.GET("/sessions/:sessionID", GetSession(sessions))
	}

	return &handlerFixture{
		router:   router,
		store:    s,
		limiter:  limiter,
		sessions: sessions,
		orch:     orch,
		client:   client,
	}
}

func (f *handlerFixture) post(t *testing.T, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *handlerFixture) get(t *testing.T, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

// parseSSE extracts the event stream from a recorded SSE body.
func parseSSE(t *testing.T, body string) []datatypes.StreamEvent {
	t.Helper()
	var events []datatypes.StreamEvent
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev datatypes.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}
	return events
}

// =============================================================================
// SSE Happy Path
// =============================================================================

func TestHandleChatStream_SSEFlow(t *testing.T) {
	client := llm.NewScriptedClient("Hi", " there", "!")
	client.Usage = &datatypes.TokenUsage{InputTokens: 4, OutputTokens: 3}
	f := newHandlerFixture(t, client, fixtureOptions{})

	w := f.post(t, "/v1/chat/stream", "", datatypes.StreamRequest{UserText: "hello"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get(middleware.SessionTokenHeader),
		"first contact issues a session token")

	events := parseSSE(t, w.Body.String())
	require.GreaterOrEqual(t, len(events), 5)

	start := events[0]
	assert.Equal(t, datatypes.StreamEventStart, start.Type)
	require.NotEmpty(t, start.StreamID)
	require.NotEmpty(t, start.ConversationID)
	assert.NotEmpty(t, start.ID, "events are stamped")
	assert.NotZero(t, start.CreatedAt)

	var text strings.Builder
	for _, ev := range events[1 : len(events)-1] {
		assert.Equal(t, datatypes.StreamEventToken, ev.Type)
		text.WriteString(ev.Content)
	}
	assert.Equal(t, "Hi there!", text.String())

	end := events[len(events)-1]
	assert.Equal(t, datatypes.StreamEventEnd, end.Type)
	assert.Equal(t, "stop", end.FinishReason)
	require.NotNil(t, end.Usage)

	// Server-side persistence matches what was delivered.
	history, err := f.store.ReadHistory(context.Background(), start.ConversationID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "Hi there!", history[1].Content)
}

func TestHandleChatStream_SecondTurnSameConversation(t *testing.T) {
	f := newHandlerFixture(t, llm.NewScriptedClient("one"), fixtureOptions{})
	sess := f.sessions.Create()

	w := f.post(t, "/v1/chat/stream", sess.ID, datatypes.StreamRequest{UserText: "first"})
	events := parseSSE(t, w.Body.String())
	convID := events[0].ConversationID

	w = f.post(t, "/v1/chat/stream", sess.ID, datatypes.StreamRequest{
		ConversationID: convID,
		UserText:       "second",
	})
	assert.Equal(t, http.StatusOK, w.Code)
	events = parseSSE(t, w.Body.String())
	assert.Equal(t, convID, events[0].ConversationID)

	history, err := f.store.ReadHistory(context.Background(), convID, 0)
	require.NoError(t, err)
	assert.Len(t, history, 4)
}

// =============================================================================
// Pre-Stream Failures
// =============================================================================

func TestHandleChatStream_InvalidBody(t *testing.T) {
	f := newHandlerFixture(t, llm.NewScriptedClient("x"), fixtureOptions{})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", strings.NewReader("not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleChatStream_ValidationFailure(t *testing.T) {
	f := newHandlerFixture(t, llm.NewScriptedClient("x"), fixtureOptions{})

	// Missing user text.
	w := f.post(t, "/v1/chat/stream", "", datatypes.StreamRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Oversized user text.
	w = f.post(t, "/v1/chat/stream", "", datatypes.StreamRequest{
		UserText: strings.Repeat("a", datatypes.MaxUserTextBytes+1),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleChatStream_ConversationBusy(t *testing.T) {
	f := newHandlerFixture(t, llm.NewScriptedClient("x"), fixtureOptions{})
	sess := f.sessions.Create()

	conv, err := f.store.CreateConversation(context.Background(), sess.ID)
	require.NoError(t, err)
	locked, err := f.store.TryAcquire(context.Background(), conv.ID, "other-stream")
	require.NoError(t, err)
	require.True(t, locked)

	w := f.post(t, "/v1/chat/stream", sess.ID, datatypes.StreamRequest{
		ConversationID: conv.ID,
		UserText:       "hello",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"conversation_busy"`)
}

func TestHandleChatStream_ForeignConversation(t *testing.T) {
	f := newHandlerFixture(t, llm.NewScriptedClient("x"), fixtureOptions{})
	owner := f.sessions.Create()
	intruder := f.sessions.Create()

	conv, err := f.store.CreateConversation(context.Background(), owner.ID)
	require.NoError(t, err)

	w := f.post(t, "/v1/chat/stream", intruder.ID, datatypes.StreamRequest{
		ConversationID: conv.ID,
		UserText:       "hello",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"not_found"`)
}

func TestHandleChatStream_RateLimited(t *testing.T) {
	f := newHandlerFixture(t, llm.NewScriptedClient("x"), fixtureOptions{
		limits: ratelimit.Limits{RequestsPerMinute: 1},
	})
	sess := f.sessions.Create()

	w := f.post(t, "/v1/chat/stream", sess.ID, datatypes.StreamRequest{UserText: "one"})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.post(t, "/v1/chat/stream", sess.ID, datatypes.StreamRequest{UserText: "two"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "minute")
	assert.Contains(t, w.Body.String(), `"code":"rate_limited"`)
}

func TestHandleChatStream_ContextTooLarge(t *testing.T) {
	f := newHandlerFixture(t, llm.NewScriptedClient("x"), fixtureOptions{promptBudget: 8})

	w := f.post(t, "/v1/chat/stream", "", datatypes.StreamRequest{
		UserText: "far too long for an eight character budget",
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"context_too_large"`)
}

func TestHandleChatStream_UnknownFileRef(t *testing.T) {
	resolver := conversation.NewStaticResolver()
	f := newHandlerFixture(t, llm.NewScriptedClient("x"), fixtureOptions{resolver: resolver})

	w := f.post(t, "/v1/chat/stream", "", datatypes.StreamRequest{
		UserText: "hello",
		FileRefs: []string{"missing-ref"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleChatStream_FileContextInjected(t *testing.T) {
	resolver := conversation.NewStaticResolver()
	resolver.Register("notes-1", conversation.FileText{Name: "notes.md", Text: "remember the milk"})
	client := llm.NewScriptedClient("ok")
	f := newHandlerFixture(t, client, fixtureOptions{resolver: resolver})

	w := f.post(t, "/v1/chat/stream", "", datatypes.StreamRequest{
		UserText: "what do my notes say?",
		FileRefs: []string{"notes-1"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	prompts := client.Prompts()
	require.Len(t, prompts, 1)
	last := prompts[0][len(prompts[0])-1]
	assert.Contains(t, last.Content, "--- file: notes.md ---")
	assert.Contains(t, last.Content, "remember the milk")
}

// =============================================================================
// Stream Failure Over SSE
// =============================================================================

func TestHandleChatStream_UpstreamFailureArrivesAsErrorEvent(t *testing.T) {
	client := llm.NewScriptedClient("partial", "never")
	client.FailAfter = 1
	f := newHandlerFixture(t, client, fixtureOptions{})

	w := f.post(t, "/v1/chat/stream", "", datatypes.StreamRequest{UserText: "q"})

	// Transport-level success; the failure is an in-band terminal event.
	assert.Equal(t, http.StatusOK, w.Code)
	events := parseSSE(t, w.Body.String())
	last := events[len(events)-1]
	assert.Equal(t, datatypes.StreamEventError, last.Type)
	assert.Equal(t, "upstream_error", last.Code)
	assert.NotEmpty(t, last.Error)
	assert.NotContains(t, last.Error, "scripted", "internal detail is not leaked")
}

// =============================================================================
// Stop Control
// =============================================================================

func TestHandleStopStream_UnknownStream(t *testing.T) {
	f := newHandlerFixture(t, llm.NewScriptedClient("x"), fixtureOptions{})
	w := f.post(t, "/v1/streams/01234567-aaaa-bbbb-cccc-0123456789ab/stop", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleStopStream_OwnershipEnforced(t *testing.T) {
	tokens := make([]string, 100)
	for i := range tokens {
		tokens[i] = "x"
	}
	client := llm.NewScriptedClient(tokens...)
	client.TokenDelay = 30 * time.Millisecond
	f := newHandlerFixture(t, client, fixtureOptions{})

	owner := f.sessions.Create()
	intruder := f.sessions.Create()

	st, err := f.orch.Start(context.Background(), stream.Request{
		SessionID: owner.ID,
		UserText:  "long answer please",
	})
	require.NoError(t, err)

	// Knowing the stream ID is not enough; a foreign session sees not found.
	w := f.post(t, "/v1/streams/"+st.ID+"/stop", intruder.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.post(t, "/v1/streams/"+st.ID+"/stop", owner.ID, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), st.ID)

	for range st.Events() {
	}
	select {
	case <-st.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not settle")
	}
	assert.Equal(t, stream.StateCancelled, st.State())
}

// =============================================================================
// Conversation Readback
// =============================================================================

func TestHandleConversationMessages(t *testing.T) {
	f := newHandlerFixture(t, llm.NewScriptedClient("answer"), fixtureOptions{})
	sess := f.sessions.Create()

	w := f.post(t, "/v1/chat/stream", sess.ID, datatypes.StreamRequest{UserText: "question"})
	require.Equal(t, http.StatusOK, w.Code)
	convID := parseSSE(t, w.Body.String())[0].ConversationID

	w = f.get(t, "/v1/conversations/"+convID+"/messages", sess.ID)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		ConversationID string              `json:"conversation_id"`
		Messages       []datatypes.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, datatypes.RoleUser, resp.Messages[0].Role)
	assert.Equal(t, "question", resp.Messages[0].Content)
	assert.Equal(t, "answer", resp.Messages[1].Content)

	// Tail read.
	w = f.get(t, "/v1/conversations/"+convID+"/messages?limit=1", sess.ID)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "answer", resp.Messages[0].Content)

	// Foreign session reads as not found.
	other := f.sessions.Create()
	w = f.get(t, "/v1/conversations/"+convID+"/messages", other.ID)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Bad limit.
	w = f.get(t, "/v1/conversations/"+convID+"/messages?limit=banana", sess.ID)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// =============================================================================
// Sessions
// =============================================================================

func TestSessionEndpoints(t *testing.T) {
	f := newHandlerFixture(t, llm.NewScriptedClient("x"), fixtureOptions{})

	w := f.post(t, "/v1/sessions", "", nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var created datatypes.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	w = f.get(t, "/v1/sessions/"+created.ID, created.ID)
	assert.Equal(t, http.StatusOK, w.Code)

	// Another session's token cannot inspect it.
	other := f.sessions.Create()
	w = f.get(t, "/v1/sessions/"+created.ID, other.ID)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Expired/garbage token is rejected at the auth layer.
	w = f.get(t, "/v1/sessions/"+created.ID, "garbage-token")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// =============================================================================
// Health
// =============================================================================

func TestHealthCheck(t *testing.T) {
	f := newHandlerFixture(t, llm.NewScriptedClient("x"), fixtureOptions{})

	w := f.get(t, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}
