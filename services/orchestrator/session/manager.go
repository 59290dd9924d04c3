// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package session issues and expires the anonymous client identities that
// scope rate limits and conversation ownership.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openchatd/openchatd/services/orchestrator/datatypes"
	"github.com/openchatd/openchatd/services/orchestrator/ratelimit"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds settings for the session manager.
//
// # Fields
//
//   - TTL: Sliding inactivity window; every Touch pushes expiry out by this
//     much. Default: 24 hours.
//   - SweepInterval: How often the background sweep evicts expired sessions.
//     Default: 5 minutes.
type Config struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

// DefaultConfig returns the out-of-the-box session settings.
func DefaultConfig() Config {
	return Config{
		TTL:           24 * time.Hour,
		SweepInterval: 5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	return c
}

// =============================================================================
// Manager
// =============================================================================

// ExpiryHook is notified with the session ID after an expired session has
// been evicted. Hooks run outside the manager lock.
type ExpiryHook func(sessionID string)

// Manager is the in-memory session registry.
//
// # Description
//
// Sessions are created on first contact, validated on every request, and
// touched on every admitted one. Expiry is enforced two ways: lazily on
// Validate, and by a background sweep using the ticker + done channel
// pattern. Eviction fires the registered hooks, which is how rate-limit
// counters for dead sessions get dropped.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Manager struct {
	cfg   Config
	clock ratelimit.Clock

	mu       sync.Mutex
	sessions map[string]*datatypes.Session
	hooks    []ExpiryHook
	done     chan struct{}
	running  bool
}

// NewManager creates a session Manager. A nil clock selects the system clock.
func NewManager(cfg Config, clock ratelimit.Clock) *Manager {
	if clock == nil {
		clock = ratelimit.SystemClock{}
	}
	return &Manager{
		cfg:      cfg.withDefaults(),
		clock:    clock,
		sessions: make(map[string]*datatypes.Session),
		done:     make(chan struct{}),
	}
}

// OnExpire registers a hook fired for every evicted session. Register before
// Start; typically wired to ratelimit.Limiter.ForgetSession.
func (m *Manager) OnExpire(hook ExpiryHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// Create issues a new anonymous session.
func (m *Manager) Create() datatypes.Session {
	now := m.clock.Now()
	s := datatypes.Session{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(m.cfg.TTL),
	}

	m.mu.Lock()
	m.sessions[s.ID] = &s
	m.mu.Unlock()

	slog.Debug("Session created", "session_id", s.ID, "expires_at", s.ExpiresAt)
	return s
}

// Validate looks up a session by its token value.
//
// # Outputs
//
//   - datatypes.Session: Copy of the session when valid.
//   - bool: False for unknown or expired tokens. An expired session is
//     evicted on the spot and its hooks fire.
func (m *Manager) Validate(sessionID string) (datatypes.Session, bool) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return datatypes.Session{}, false
	}
	if s.Expired(m.clock.Now()) {
		delete(m.sessions, sessionID)
		hooks := m.hooks
		m.mu.Unlock()
		for _, hook := range hooks {
			hook(sessionID)
		}
		return datatypes.Session{}, false
	}
	copied := *s
	m.mu.Unlock()
	return copied, true
}

// Touch records activity on a session, sliding its expiry forward. Returns
// false when the session is unknown or already expired.
func (m *Manager) Touch(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || s.Expired(m.clock.Now()) {
		return false
	}
	now := m.clock.Now()
	s.LastActivity = now
	s.ExpiresAt = now.Add(m.cfg.TTL)
	return true
}

// Count returns the number of registered sessions, expired or not.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// =============================================================================
// Background Sweep
// =============================================================================

// Start launches the background expiry sweep.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("session sweep is already running")
	}
	m.running = true
	m.done = make(chan struct{})
	m.mu.Unlock()

	slog.Info("Session expiry sweep starting",
		"interval", m.cfg.SweepInterval.String(),
		"ttl", m.cfg.TTL.String(),
	)

	go m.runLoop(ctx)
	return nil
}

// Stop signals the sweep goroutine to exit. Safe to call multiple times.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	close(m.done)
	m.running = false
}

func (m *Manager) runLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Session expiry sweep stopped (context cancelled)")
			return
		case <-m.done:
			slog.Info("Session expiry sweep stopped (stop requested)")
			return
		case <-ticker.C:
			if evicted := m.SweepNow(); evicted > 0 {
				slog.Info("Session sweep evicted expired sessions", "count", evicted)
			}
		}
	}
}

// SweepNow evicts every expired session immediately and returns how many
// were removed. Hooks fire after the lock is dropped.
func (m *Manager) SweepNow() int {
	now := m.clock.Now()

	m.mu.Lock()
	var expired []string
	for id, s := range m.sessions {
		if s.Expired(now) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(m.sessions, id)
	}
	hooks := m.hooks
	m.mu.Unlock()

	for _, id := range expired {
		for _, hook := range hooks {
			hook(id)
		}
	}
	return len(expired)
}
