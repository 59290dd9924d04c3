// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openchatd/openchatd/services/orchestrator/datatypes"
)

func TestClient_StreamChatCapturesSessionToken(t *testing.T) {
	var gotRequest datatypes.StreamRequest
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/chat/stream", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotRequest))

		w.Header().Set(sessionTokenHeader, "issued-token")
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "data: {\"type\":\"start\",\"stream_id\":\"s-1\",\"conversation_id\":\"c-1\"}\n")
		io.WriteString(w, "data: {\"type\":\"end\",\"finish_reason\":\"stop\"}\n")
	}))
	defer server.Close()

	client := newOrchestratorClient(server.URL, "")
	body, err := client.StreamChat(context.Background(), datatypes.StreamRequest{UserText: "hello"})
	require.NoError(t, err)
	defer body.Close()

	assert.Empty(t, gotAuth)
	assert.Equal(t, "hello", gotRequest.UserText)
	assert.Equal(t, "issued-token", client.SessionToken())

	result, err := newStreamPrinter(io.Discard, nil).Process(body)
	require.NoError(t, err)
	assert.Equal(t, "stop", result.FinishReason)
}

func TestClient_StreamChatSendsBearerToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer existing-token", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newOrchestratorClient(server.URL, "existing-token")
	body, err := client.StreamChat(context.Background(), datatypes.StreamRequest{UserText: "hi"})
	require.NoError(t, err)
	body.Close()
}

func TestClient_StreamChatRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "42")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":"rate limit exceeded","scope":"minute"}`)
	}))
	defer server.Close()

	client := newOrchestratorClient(server.URL, "tok")
	_, err := client.StreamChat(context.Background(), datatypes.StreamRequest{UserText: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit exceeded")
	assert.Contains(t, err.Error(), "minute")
	assert.Contains(t, err.Error(), "42")
}

func TestClient_StopStream(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, `{"stream_id":"s-1","stopping":true}`)
	}))
	defer server.Close()

	client := newOrchestratorClient(server.URL, "tok")
	require.NoError(t, client.StopStream(context.Background(), "s-1"))
	assert.Equal(t, "/v1/streams/s-1/stop", gotPath)
}

func TestClient_StopStreamUnknown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":"stream not found"}`)
	}))
	defer server.Close()

	client := newOrchestratorClient(server.URL, "tok")
	err := client.StopStream(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream not found")
}

func TestClient_MessagesWithLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/conversations/c-1/messages", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"conversation_id":"c-1","messages":[`+
			`{"role":"user","content":"hi","status":"complete"},`+
			`{"role":"assistant","content":"hello","status":"partial"}]}`)
	}))
	defer server.Close()

	client := newOrchestratorClient(server.URL, "tok")
	history, err := client.Messages(context.Background(), "c-1", 2)
	require.NoError(t, err)
	require.Len(t, history.Messages, 2)
	assert.Equal(t, datatypes.RoleAssistant, history.Messages[1].Role)
	assert.Equal(t, datatypes.StatusPartial, history.Messages[1].Status)
}

func TestClient_CreateSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/sessions", r.URL.Path)
		w.Header().Set(sessionTokenHeader, "fresh-token")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"session_id":"fresh-token"}`)
	}))
	defer server.Close()

	client := newOrchestratorClient(server.URL, "")
	sess, err := client.CreateSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", sess.ID)
	assert.Equal(t, "fresh-token", client.SessionToken())
}

func TestClient_HealthDown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newOrchestratorClient(server.URL, "")
	err := client.Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
