// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/openchatd/openchatd/services/orchestrator/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes stream events to an HTTP response in SSE wire format.
//
// # Description
//
// Each event goes out as "event: <type>\ndata: <json>\n\n" and is flushed
// immediately. Events are stamped with a UUID and a unix-millisecond
// timestamp at write time. Keepalives are SSE comments (": ping"), invisible
// to event listeners but enough to reset proxy idle timers.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use: the event drain loop and
// the keepalive ticker write from different goroutines.
type SSEWriter interface {
	// WriteEvent stamps, serializes, and writes one event, then flushes.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteKeepAlive writes a comment line to keep the connection alive.
	WriteKeepAlive() error
}

// =============================================================================
// Implementation
// =============================================================================

type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter creates an SSEWriter over the given ResponseWriter. The
// caller must set the SSE headers first via SetSSEHeaders.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event.Stamp()
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures the response headers for SSE streaming. Must be
// called before the first write.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
