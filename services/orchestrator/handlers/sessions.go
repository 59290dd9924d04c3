// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openchatd/openchatd/services/orchestrator/middleware"
	"github.com/openchatd/openchatd/services/orchestrator/session"
)

// CreateSession serves POST /v1/sessions: explicit session issuance for
// clients that want a token before their first chat request.
func CreateSession(manager *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		s := manager.Create()
		c.Header(middleware.SessionTokenHeader, s.ID)
		c.JSON(http.StatusCreated, s)
	}
}

// GetSession serves GET /v1/sessions/:sessionID. A caller can only inspect
// its own session; everything else is not found, so tokens cannot be probed.
func GetSession(manager *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := middleware.GetSession(c)
		if !ok || caller.ID != c.Param("sessionID") {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		s, ok := manager.Validate(caller.ID)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, s)
	}
}
