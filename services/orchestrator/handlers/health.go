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
)

// HealthCheck serves GET /health for load balancers and probes.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "openchatd-orchestrator",
	})
}

// Root serves GET / with basic service identification.
func Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "openchatd-orchestrator",
		"endpoints": []string{
			"POST /v1/chat/stream",
			"GET /v1/chat/ws",
			"POST /v1/streams/:streamID/stop",
			"GET /v1/conversations/:conversationID/messages",
			"POST /v1/sessions",
			"GET /health",
		},
	})
}
