// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers contains the gin handlers exposing the streaming chat
// surface: SSE and WebSocket transports, the stop control, session issuance,
// and conversation readback.
package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openchatd/openchatd/services/orchestrator/conversation"
	"github.com/openchatd/openchatd/services/orchestrator/datatypes"
	"github.com/openchatd/openchatd/services/orchestrator/middleware"
	"github.com/openchatd/openchatd/services/orchestrator/observability"
	"github.com/openchatd/openchatd/services/orchestrator/ratelimit"
	"github.com/openchatd/openchatd/services/orchestrator/store"
	"github.com/openchatd/openchatd/services/orchestrator/stream"
)

const (
	// heartbeatInterval is the interval for SSE keepalive comments.
	heartbeatInterval = 15 * time.Second
)

// =============================================================================
// Handler
// =============================================================================

// StreamHandler exposes the stream orchestrator over HTTP transports.
//
// # Fields
//
//   - orch: The stream orchestrator; owns all streaming semantics.
//   - resolver: Resolves file references to extracted text, may be nil when
//     no file-context collaborator is wired.
//   - store: Used for conversation readback only.
type StreamHandler struct {
	orch     *stream.Orchestrator
	resolver conversation.FileResolver
	store    store.ConversationStore
	tracer   trace.Tracer
}

// NewStreamHandler creates the streaming handler set.
func NewStreamHandler(orch *stream.Orchestrator, resolver conversation.FileResolver,
	s store.ConversationStore) *StreamHandler {
	if orch == nil {
		panic("NewStreamHandler: orch must not be nil")
	}
	return &StreamHandler{
		orch:     orch,
		resolver: resolver,
		store:    s,
		tracer:   otel.Tracer("openchatd.orchestrator.handlers"),
	}
}

// =============================================================================
// SSE Transport
// =============================================================================

// HandleChatStream serves POST /v1/chat/stream.
//
// # Description
//
// Validates the request, starts a stream for the caller's session, and
// drains its events onto the response as SSE. Failures before the first
// event are plain JSON errors with meaningful status codes; once streaming
// has begun every outcome arrives as a terminal event instead. A client
// disconnect cancels the stream; buffered output is persisted server-side.
func (h *StreamHandler) HandleChatStream(c *gin.Context) {
	endpoint := observability.EndpointChatStream
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChatStream")
	defer span.End()

	var req datatypes.StreamRequest
	if err := c.BindJSON(&req); err != nil {
		span.SetStatus(codes.Error, "invalid request body")
		h.rejectValidation(c, endpoint, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		slog.Warn("Stream request validation failed", "error", err)
		h.rejectValidation(c, endpoint, "invalid request: validation failed")
		return
	}

	sess, ok := middleware.GetSession(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no session"})
		return
	}
	span.SetAttributes(attribute.String("session.id", sess.ID))

	files, err := h.resolveFiles(c, req.FileRefs)
	if err != nil {
		h.rejectValidation(c, endpoint, err.Error())
		return
	}

	st, err := h.orch.Start(ctx, stream.Request{
		SessionID:      sess.ID,
		ConversationID: req.ConversationID,
		UserText:       req.UserText,
		FileRefs:       req.FileRefs,
		Files:          files,
		Endpoint:       endpoint,
	})
	if err != nil {
		h.writeStartError(c, endpoint, err)
		return
	}

	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		st.Cancel()
		drainToSettled(st)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	heartbeatDone := make(chan struct{})
	go runHeartbeat(writer, endpoint, heartbeatDone)
	defer close(heartbeatDone)

	// A dropped connection surfaces here, not as a write error: cancel so
	// the orchestrator persists what it has and releases the lock.
	clientGone := c.Request.Context().Done()

	for {
		select {
		case <-clientGone:
			st.Cancel()
			drainToSettled(st)
			return
		case ev, open := <-st.Events():
			if !open {
				<-st.Done()
				return
			}
			if err := writer.WriteEvent(ev); err != nil {
				slog.Debug("SSE write failed, cancelling stream",
					"stream_id", st.ID,
					"error", err,
				)
				st.Cancel()
				drainToSettled(st)
				return
			}
		}
	}
}

// resolveFiles maps file references to their extracted text.
func (h *StreamHandler) resolveFiles(c *gin.Context, refs []string) ([]conversation.FileText, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	if h.resolver == nil {
		return nil, errors.New("file references are not supported")
	}
	return h.resolver.Resolve(c.Request.Context(), refs)
}

// rejectValidation writes a 400 and counts it.
func (h *StreamHandler) rejectValidation(c *gin.Context, endpoint observability.Endpoint, msg string) {
	if m := observability.DefaultMetrics; m != nil {
		m.RecordError(endpoint, observability.ErrorCodeValidation)
	}
	c.JSON(http.StatusBadRequest, gin.H{
		"error": msg,
		"code":  observability.ErrorCodeValidation,
	})
}

// writeStartError maps pre-stream failures to HTTP statuses. Everything
// after the stream starts goes over the event channel instead. Every body
// carries the same machine code the in-band error event would, so clients
// branch on one taxonomy regardless of when the failure happened.
func (h *StreamHandler) writeStartError(c *gin.Context, endpoint observability.Endpoint, err error) {
	var limited *ratelimit.RateLimitedError
	var tooLarge *conversation.ContextTooLargeError
	var fileTooLarge *conversation.FileTooLargeError

	code := stream.ClassifyError(err)

	switch {
	case errors.As(err, &limited):
		if !limited.WaitUntil.IsZero() {
			retryAfter := time.Until(limited.WaitUntil)
			if retryAfter > 0 {
				c.Header("Retry-After", formatSeconds(retryAfter))
			}
		}
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error": "rate limit exceeded",
			"code":  code,
			"scope": limited.Scope,
		})

	case errors.Is(err, stream.ErrConversationBusy):
		c.JSON(http.StatusConflict, gin.H{
			"error": "conversation already has an active stream",
			"code":  code,
		})

	case errors.As(err, &tooLarge):
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeContextTooLarge)
		}
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":        "message and mandatory context exceed the prompt budget",
			"code":         code,
			"budget_chars": tooLarge.BudgetChars,
		})

	case errors.As(err, &fileTooLarge):
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeContextTooLarge)
		}
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":       fmt.Sprintf("file %q exceeds the per-file size limit", fileTooLarge.Name),
			"code":        code,
			"limit_bytes": fileTooLarge.LimitBytes,
		})

	case errors.Is(err, store.ErrConversationNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "conversation not found",
			"code":  code,
		})

	default:
		slog.Error("Failed to start stream", "error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeInternal)
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to start stream",
			"code":  code,
		})
	}
}

// =============================================================================
// Stop Control
// =============================================================================

// HandleStopStream serves POST /v1/streams/:streamID/stop. Stopping is
// deliberately identical to disconnecting: the cancelled path runs and
// buffered output is persisted as partial. Only the session that started a
// stream can stop it; a foreign stream reads as not found.
func (h *StreamHandler) HandleStopStream(c *gin.Context) {
	streamID := c.Param("streamID")
	if streamID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing stream id"})
		return
	}

	sess, ok := middleware.GetSession(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no session"})
		return
	}

	if !h.orch.StopOwned(streamID, sess.ID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "stream not found or already finished"})
		return
	}

	slog.Info("Stream stop requested", "stream_id", streamID)
	c.JSON(http.StatusAccepted, gin.H{"stream_id": streamID, "stopping": true})
}

// =============================================================================
// Helpers
// =============================================================================

// runHeartbeat writes keepalive comments until done closes or a write fails.
func runHeartbeat(writer SSEWriter, endpoint observability.Endpoint, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				slog.Debug("Failed to write keepalive", "error", err)
				return
			}
			if m := observability.DefaultMetrics; m != nil {
				m.RecordKeepAlive(endpoint)
			}
		}
	}
}

// drainToSettled discards remaining events and waits for the stream's
// terminal persistence to finish.
func drainToSettled(st *stream.Stream) {
	for range st.Events() {
	}
	<-st.Done()
}

func formatSeconds(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
