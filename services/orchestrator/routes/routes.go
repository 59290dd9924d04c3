// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes wires the orchestrator's HTTP surface.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openchatd/openchatd/services/orchestrator/config"
	"github.com/openchatd/openchatd/services/orchestrator/handlers"
	"github.com/openchatd/openchatd/services/orchestrator/middleware"
	"github.com/openchatd/openchatd/services/orchestrator/session"
)

// SetupRoutes registers all endpoints on the router.
//
// # Description
//
// The unauthenticated surface is the health probes and /metrics. Everything
// under /v1 runs behind CORS, the global ingress cap, and session
// authentication.
func SetupRoutes(router *gin.Engine, handler *handlers.StreamHandler,
	sessions *session.Manager, cfg config.ServerConfig) {

	// Engine-level so CORS preflights are answered even for method/route
	// combinations gin has no handler for.
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1",
		middleware.GlobalRateLimit(cfg.GlobalRPS, cfg.GlobalBurst),
		middleware.SessionAuth(sessions),
	)
	{
		v1.POST("/chat/stream", handler.HandleChatStream)
		v1.GET("/chat/ws", handler.HandleChatWS(cfg.AllowedOrigins))
		v1.POST("/streams/:streamID/stop", handler.HandleStopStream)
		v1.GET("/conversations/:conversationID/messages", handler.HandleConversationMessages)
		sessionRoutes := v1.Group("/sessions")
		{
			sessionRoutes.POST("", handlers.CreateSession(sessions))
			sessionRoutes.GET("/:sessionID", handlers.GetSession(sessions))
		}
	}
}
