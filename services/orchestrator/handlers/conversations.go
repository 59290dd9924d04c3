// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/openchatd/openchatd/services/orchestrator/middleware"
	"github.com/openchatd/openchatd/services/orchestrator/store"
)

// HandleConversationMessages serves GET /v1/conversations/:conversationID/messages.
//
// # Description
//
// Returns the conversation's messages in sequence order, including partial
// and failed terminal messages — a reloading client sees exactly what was
// persisted. An optional ?limit=N returns only the newest N messages.
// Conversations owned by other sessions read as not found.
func (h *StreamHandler) HandleConversationMessages(c *gin.Context) {
	sess, ok := middleware.GetSession(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no session"})
		return
	}

	convID := c.Param("conversationID")
	conv, err := h.store.Conversation(c.Request.Context(), convID)
	if err != nil {
		if errors.Is(err, store.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		slog.Error("Failed to load conversation", "conversation_id", convID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation"})
		return
	}
	if conv.SessionID != sess.ID {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, perr := strconv.Atoi(raw)
		if perr != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	messages, err := h.store.ReadHistory(c.Request.Context(), convID, limit)
	if err != nil {
		slog.Error("Failed to read history", "conversation_id", convID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"conversation_id": convID,
		"messages":        messages,
	})
}
