// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ratelimit provides per-session admission control for streaming
// requests.
//
// # Description
//
// The limiter enforces three independent constraints per session:
//
//   - a sliding window of requests per minute
//   - a sliding window of requests per hour
//   - a cap on concurrently active streams
//
// Admission check and counter update happen under one lock, so two
// concurrent requests from the same session cannot both slip under a limit.
// Every successful Admit returns a Token that must be released when the
// stream reaches a terminal state, success or failure.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Clock
// =============================================================================

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// =============================================================================
// Configuration
// =============================================================================

// Limits holds the per-session admission thresholds.
// A zero or negative value disables that particular constraint.
type Limits struct {
	RequestsPerMinute    int `yaml:"requests_per_minute"`
	RequestsPerHour      int `yaml:"requests_per_hour"`
	MaxConcurrentStreams int `yaml:"max_concurrent_streams"`
}

// DefaultLimits returns the out-of-the-box thresholds.
func DefaultLimits() Limits {
	return Limits{
		RequestsPerMinute:    20,
		RequestsPerHour:      200,
		MaxConcurrentStreams: 3,
	}
}

// =============================================================================
// Errors
// =============================================================================

// RateLimitedError reports a rejected admission and when to retry.
//
// # Fields
//
//   - Scope: Which constraint rejected the request ("minute", "hour",
//     "concurrent").
//   - WaitUntil: Earliest instant at which an identical request could be
//     admitted. Zero for the concurrent scope (depends on stream lifetime,
//     not on a window rolling over).
type RateLimitedError struct {
	Scope     string
	WaitUntil time.Time
}

func (e *RateLimitedError) Error() string {
	if e.WaitUntil.IsZero() {
		return fmt.Sprintf("rate limited: %s stream cap reached", e.Scope)
	}
	return fmt.Sprintf("rate limited: %s window exhausted, retry after %s",
		e.Scope, e.WaitUntil.Format(time.RFC3339))
}

// =============================================================================
// Token
// =============================================================================

// Token is proof of admission. Release it exactly once when the stream ends;
// extra releases are no-ops.
type Token struct {
	SessionID string
	id        string
}

// =============================================================================
// Limiter
// =============================================================================

// sessionCounters is the per-session sliding-window state.
// Timestamps are pruned lazily on each admit.
type sessionCounters struct {
	minute []time.Time
	hour   []time.Time
	active map[string]struct{}
}

// Limiter implements sliding-window admission control keyed by session.
type Limiter struct {
	mu       sync.Mutex
	clock    Clock
	limits   Limits
	sessions map[string]*sessionCounters
}

// New creates a Limiter with the given thresholds. A nil clock selects
// SystemClock.
func New(limits Limits, clock Clock) *Limiter {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Limiter{
		clock:    clock,
		limits:   limits,
		sessions: make(map[string]*sessionCounters),
	}
}

// Admit attempts to admit one streaming request for the session.
//
// # Description
//
// On success the request is counted against both sliding windows, the
// concurrent-stream set grows by one, and the returned Token must eventually
// be passed to Release. On rejection a *RateLimitedError describes the
// violated constraint; no counters are mutated.
//
// # Outputs
//
//   - *Token: Non-nil on admission.
//   - error: *RateLimitedError on rejection, nil otherwise.
func (l *Limiter) Admit(sessionID string) (*Token, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	sc, ok := l.sessions[sessionID]
	if !ok {
		sc = &sessionCounters{active: make(map[string]struct{})}
		l.sessions[sessionID] = sc
	}

	sc.minute = prune(sc.minute, now.Add(-time.Minute))
	sc.hour = prune(sc.hour, now.Add(-time.Hour))

	if max := l.limits.MaxConcurrentStreams; max > 0 && len(sc.active) >= max {
		return nil, &RateLimitedError{Scope: "concurrent"}
	}
	if max := l.limits.RequestsPerMinute; max > 0 && len(sc.minute) >= max {
		return nil, &RateLimitedError{
			Scope:     "minute",
			WaitUntil: sc.minute[0].Add(time.Minute),
		}
	}
	if max := l.limits.RequestsPerHour; max > 0 && len(sc.hour) >= max {
		return nil, &RateLimitedError{
			Scope:     "hour",
			WaitUntil: sc.hour[0].Add(time.Hour),
		}
	}

	sc.minute = append(sc.minute, now)
	sc.hour = append(sc.hour, now)

	tok := &Token{SessionID: sessionID, id: uuid.NewString()}
	sc.active[tok.id] = struct{}{}
	return tok, nil
}

// Release returns an admission token, freeing one concurrent-stream slot.
// Idempotent: releasing a token twice, or after ForgetSession, is a no-op.
func (l *Limiter) Release(tok *Token) {
	if tok == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if sc, ok := l.sessions[tok.SessionID]; ok {
		delete(sc.active, tok.id)
	}
}

// ActiveStreams reports the number of in-flight streams for a session.
func (l *Limiter) ActiveStreams(sessionID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if sc, ok := l.sessions[sessionID]; ok {
		return len(sc.active)
	}
	return 0
}

// SetLimits atomically swaps the thresholds. Used by config hot-reload.
// Existing window entries are kept; the new thresholds apply from the next
// Admit call.
func (l *Limiter) SetLimits(limits Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits = limits
}

// CurrentLimits returns the thresholds currently in force.
func (l *Limiter) CurrentLimits() Limits {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limits
}

// ForgetSession drops all counters for a session. Called by the session
// manager when a session expires, so limiter state does not grow without
// bound.
func (l *Limiter) ForgetSession(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, sessionID)
}

// prune drops timestamps at or before the cutoff. Slices are
// insertion-ordered, so the survivors form a suffix.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}
