// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides the gin middleware for the orchestrator:
// session authentication, the global ingress rate limit, and CORS.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/openchatd/openchatd/services/orchestrator/datatypes"
	"github.com/openchatd/openchatd/services/orchestrator/session"
)

const sessionKey = "openchatd_session"

// SessionTokenHeader is the response header carrying a newly issued session
// token on first contact.
const SessionTokenHeader = "X-Session-Token"

// SetSession stores the authenticated session in the gin context.
func SetSession(c *gin.Context, s datatypes.Session) {
	c.Set(sessionKey, s)
}

// GetSession retrieves the authenticated session from the gin context.
func GetSession(c *gin.Context) (datatypes.Session, bool) {
	if v, exists := c.Get(sessionKey); exists {
		if s, ok := v.(datatypes.Session); ok {
			return s, true
		}
	}
	return datatypes.Session{}, false
}

// SessionAuth authenticates requests against the session manager.
//
// # Description
//
// The session token is read from "Authorization: Bearer <token>" or, failing
// that, the X-Session-Token header. A request with no token at all is a
// first contact: a new anonymous session is issued and returned in the
// X-Session-Token response header. A token that is present but unknown or
// expired gets 401; clients recover by dropping the token and reconnecting.
// Every validated request touches the session, sliding its inactivity
// expiry forward.
func SessionAuth(manager *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)

		if token == "" {
			s := manager.Create()
			c.Header(SessionTokenHeader, s.ID)
			SetSession(c, s)
			c.Next()
			return
		}

		s, ok := manager.Validate(token)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired session token",
			})
			return
		}
		manager.Touch(s.ID)

		SetSession(c, s)
		c.Next()
	}
}

// extractToken pulls the session token from the request headers.
func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(c.GetHeader(SessionTokenHeader))
}
