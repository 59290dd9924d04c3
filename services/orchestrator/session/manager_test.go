// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openchatd/openchatd/services/orchestrator/ratelimit"
)

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

func TestCreateAndValidate(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(Config{TTL: time.Hour}, clock)

	s := m.Create()
	require.NotEmpty(t, s.ID)
	assert.Equal(t, clock.Now(), s.CreatedAt)
	assert.Equal(t, clock.Now().Add(time.Hour), s.ExpiresAt)

	got, ok := m.Validate(s.ID)
	require.True(t, ok)
	assert.Equal(t, s.ID, got.ID)

	_, ok = m.Validate("no-such-session")
	assert.False(t, ok)
}

func TestTouchSlidesExpiry(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(Config{TTL: time.Hour}, clock)
	s := m.Create()

	clock.Advance(50 * time.Minute)
	require.True(t, m.Touch(s.ID))

	// Past the original expiry, but within the slid window.
	clock.Advance(30 * time.Minute)
	got, ok := m.Validate(s.ID)
	require.True(t, ok)
	assert.Equal(t, clock.Now().Add(-30*time.Minute), got.LastActivity)

	clock.Advance(time.Hour)
	_, ok = m.Validate(s.ID)
	assert.False(t, ok)
	assert.False(t, m.Touch(s.ID))
}

func TestValidateEvictsExpiredAndFiresHooks(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(Config{TTL: time.Minute}, clock)

	var mu sync.Mutex
	var forgotten []string
	m.OnExpire(func(id string) {
		mu.Lock()
		forgotten = append(forgotten, id)
		mu.Unlock()
	})

	s := m.Create()
	clock.Advance(2 * time.Minute)

	_, ok := m.Validate(s.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, m.Count())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, forgotten, 1)
	assert.Equal(t, s.ID, forgotten[0])
}

func TestSweepNow(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(Config{TTL: time.Minute}, clock)

	old1 := m.Create()
	old2 := m.Create()
	clock.Advance(2 * time.Minute)
	fresh := m.Create()

	assert.Equal(t, 2, m.SweepNow())
	assert.Equal(t, 1, m.Count())

	_, ok := m.Validate(fresh.ID)
	assert.True(t, ok)
	_, ok = m.Validate(old1.ID)
	assert.False(t, ok)
	_, ok = m.Validate(old2.ID)
	assert.False(t, ok)

	assert.Equal(t, 0, m.SweepNow(), "second sweep finds nothing")
}

func TestExpiryDropsRateLimitCounters(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(Config{TTL: time.Minute}, clock)
	limiter := ratelimit.New(ratelimit.Limits{RequestsPerHour: 2}, clock)
	m.OnExpire(limiter.ForgetSession)

	s := m.Create()
	for i := 0; i < 2; i++ {
		tok, err := limiter.Admit(s.ID)
		require.NoError(t, err)
		limiter.Release(tok)
	}
	_, err := limiter.Admit(s.ID)
	require.Error(t, err, "hour window exhausted")

	clock.Advance(2 * time.Minute)
	require.Equal(t, 1, m.SweepNow())

	// Counters were dropped with the session; a new session with the same
	// ID (rejoin) starts fresh.
	_, err = limiter.Admit(s.ID)
	assert.NoError(t, err)
}

func TestStartStop(t *testing.T) {
	m := NewManager(Config{TTL: time.Minute, SweepInterval: 10 * time.Millisecond}, newFakeClock())

	require.NoError(t, m.Start(t.Context()))
	assert.Error(t, m.Start(t.Context()), "double start is rejected")

	m.Stop()
	m.Stop() // idempotent

	require.NoError(t, m.Start(t.Context()), "restart after stop")
	m.Stop()
}
