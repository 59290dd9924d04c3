// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openchatd/openchatd/services/orchestrator/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeClock is a manually advanced Clock for deterministic expiry tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newAuthRouter(manager *session.Manager) *gin.Engine {
	r := gin.New()
	r.Use(SessionAuth(manager))
	r.GET("/whoami", func(c *gin.Context) {
		s, ok := GetSession(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": s.ID})
	})
	return r
}

func TestSessionAuth_FirstContactIssuesSession(t *testing.T) {
	manager := session.NewManager(session.Config{TTL: time.Hour}, nil)
	r := newAuthRouter(manager)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	issued := w.Header().Get(SessionTokenHeader)
	require.NotEmpty(t, issued)

	_, ok := manager.Validate(issued)
	assert.True(t, ok, "issued token is registered")
}

func TestSessionAuth_BearerTokenAccepted(t *testing.T) {
	manager := session.NewManager(session.Config{TTL: time.Hour}, nil)
	s := manager.Create()
	r := newAuthRouter(manager)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+s.ID)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), s.ID)
	assert.Empty(t, w.Header().Get(SessionTokenHeader), "no new token for a known session")
}

func TestSessionAuth_HeaderTokenAccepted(t *testing.T) {
	manager := session.NewManager(session.Config{TTL: time.Hour}, nil)
	s := manager.Create()
	r := newAuthRouter(manager)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set(SessionTokenHeader, s.ID)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSessionAuth_RequestSlidesExpiry(t *testing.T) {
	clock := newFakeClock()
	manager := session.NewManager(session.Config{TTL: time.Hour}, clock)
	s := manager.Create()
	r := newAuthRouter(manager)

	clock.Advance(40 * time.Minute)
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+s.ID)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	// 80 minutes after creation: past the original expiry, inside the
	// window slid by the authenticated request.
	clock.Advance(40 * time.Minute)
	_, ok := manager.Validate(s.ID)
	assert.True(t, ok, "activity slides the inactivity window")
}

func TestSessionAuth_UnknownTokenRejected(t *testing.T) {
	manager := session.NewManager(session.Config{TTL: time.Hour}, nil)
	r := newAuthRouter(manager)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer not-a-session")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGlobalRateLimit(t *testing.T) {
	r := gin.New()
	// Burst of 2 with a negligible refill rate: third request is rejected.
	r.Use(GlobalRateLimit(0.001, 2))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestGlobalRateLimit_DisabledWhenZero(t *testing.T) {
	r := gin.New()
	r.Use(GlobalRateLimit(0, 0))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 10; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestCORS(t *testing.T) {
	r := gin.New()
	r.Use(CORS([]string{"http://localhost:3000"}))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	// Allowed origin is echoed back.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))

	// Unknown origin gets no CORS headers.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	// Preflight short-circuits.
	req = httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}
