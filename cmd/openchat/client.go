// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/openchatd/openchatd/services/orchestrator/datatypes"
)

const sessionTokenHeader = "X-Session-Token"

// controlTimeout bounds the non-streaming calls (stop, history, health).
// The streaming request itself carries no client-side timeout; the server
// enforces its own stream deadline.
const controlTimeout = 10 * time.Second

// getServerBaseURL returns the orchestrator address, preferring the
// environment over the compiled-in default.
func getServerBaseURL() string {
	if url := os.Getenv("OPENCHATD_SERVER_URL"); url != "" {
		return url
	}
	return "http://localhost:8080"
}

// =============================================================================
// Orchestrator Client
// =============================================================================

// orchestratorClient talks to the orchestrator's HTTP surface.
//
// # Description
//
// One client covers the whole CLI: streaming chat, stream stop, history
// reads, and session management. The session token issued by the server on
// first contact is captured from the response header and replayed on every
// subsequent request, so a multi-turn chat stays on one session.
//
// # Thread Safety
//
// Not thread-safe. The CLI drives it from a single goroutine; the stop
// watcher only calls StopStream, which uses its own request.
type orchestratorClient struct {
	baseURL      string
	sessionToken string
	streamClient *http.Client
	httpClient   *http.Client
}

func newOrchestratorClient(baseURL, sessionToken string) *orchestratorClient {
	return &orchestratorClient{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		sessionToken: sessionToken,
		streamClient: &http.Client{},
		httpClient:   &http.Client{Timeout: controlTimeout},
	}
}

// SessionToken returns the token currently attached to this client, which
// may have been issued by the server mid-conversation.
func (c *orchestratorClient) SessionToken() string {
	return c.sessionToken
}

func (c *orchestratorClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.sessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.sessionToken)
	}
}

// captureSession remembers a server-issued session token so follow-up turns
// reuse the same session.
func (c *orchestratorClient) captureSession(resp *http.Response) {
	if token := resp.Header.Get(sessionTokenHeader); token != "" {
		c.sessionToken = token
	}
}

// apiError is the JSON error body the orchestrator returns on non-2xx
// responses.
type apiError struct {
	Error string `json:"error"`
	Scope string `json:"scope,omitempty"`
	Code  string `json:"code,omitempty"`
}

// decodeError turns a non-2xx response into a readable error, folding in
// the rate-limit scope and Retry-After hint when the server sends them.
func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload apiError
	if err := json.Unmarshal(body, &payload); err != nil || payload.Error == "" {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	msg := payload.Error
	if payload.Scope != "" {
		msg = fmt.Sprintf("%s (scope: %s)", msg, payload.Scope)
	}
	if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
		msg = fmt.Sprintf("%s, retry after %ss", msg, retryAfter)
	}
	return fmt.Errorf("%s", msg)
}

// StreamChat opens a streaming chat turn and hands the response body to the
// caller. The caller owns the body and must close it; the stream stays open
// until the server finishes or ctx is cancelled.
func (c *orchestratorClient) StreamChat(ctx context.Context, request datatypes.StreamRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to encode the chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chat/stream", bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build the chat request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach the orchestrator at %s: %w", c.baseURL, err)
	}
	c.captureSession(resp)
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp.Body, nil
}

// StopStream asks the server to cancel an in-flight stream. The stream
// itself still ends with a cancelled event on the open SSE response.
func (c *orchestratorClient) StopStream(ctx context.Context, streamID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/v1/streams/%s/stop", c.baseURL, streamID), nil)
	if err != nil {
		return fmt.Errorf("failed to build the stop request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach the orchestrator: %w", err)
	}
	defer resp.Body.Close()
	c.captureSession(resp)
	if resp.StatusCode != http.StatusAccepted {
		return decodeError(resp)
	}
	return nil
}

// conversationHistory is the response shape of the message listing endpoint.
type conversationHistory struct {
	ConversationID string              `json:"conversation_id"`
	Messages       []datatypes.Message `json:"messages"`
}

// Messages fetches the persisted transcript of a conversation. A limit of
// zero returns the full history.
func (c *orchestratorClient) Messages(ctx context.Context, conversationID string, limit int) (*conversationHistory, error) {
	url := fmt.Sprintf("%s/v1/conversations/%s/messages", c.baseURL, conversationID)
	if limit > 0 {
		url = fmt.Sprintf("%s?limit=%d", url, limit)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build the history request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach the orchestrator: %w", err)
	}
	defer resp.Body.Close()
	c.captureSession(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	var history conversationHistory
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, fmt.Errorf("failed to decode the history response: %w", err)
	}
	return &history, nil
}

// CreateSession explicitly provisions a session instead of relying on the
// first-contact issuance.
func (c *orchestratorClient) CreateSession(ctx context.Context) (datatypes.Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sessions", nil)
	if err != nil {
		return datatypes.Session{}, fmt.Errorf("failed to build the session request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return datatypes.Session{}, fmt.Errorf("failed to reach the orchestrator: %w", err)
	}
	defer resp.Body.Close()
	c.captureSession(resp)
	if resp.StatusCode != http.StatusCreated {
		return datatypes.Session{}, decodeError(resp)
	}
	var sess datatypes.Session
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return datatypes.Session{}, fmt.Errorf("failed to decode the session response: %w", err)
	}
	return sess, nil
}

// GetSession inspects a session by ID. The server only answers for the
// caller's own session.
func (c *orchestratorClient) GetSession(ctx context.Context, sessionID string) (datatypes.Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/sessions/"+sessionID, nil)
	if err != nil {
		return datatypes.Session{}, fmt.Errorf("failed to build the session request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return datatypes.Session{}, fmt.Errorf("failed to reach the orchestrator: %w", err)
	}
	defer resp.Body.Close()
	c.captureSession(resp)
	if resp.StatusCode != http.StatusOK {
		return datatypes.Session{}, decodeError(resp)
	}
	var sess datatypes.Session
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return datatypes.Session{}, fmt.Errorf("failed to decode the session response: %w", err)
	}
	return sess, nil
}

// Health probes the orchestrator's health endpoint.
func (c *orchestratorClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to build the health request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach the orchestrator at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("orchestrator reported %s", resp.Status)
	}
	return nil
}
