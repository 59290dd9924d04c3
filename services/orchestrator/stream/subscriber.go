// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"sync"

	"github.com/openchatd/openchatd/services/orchestrator/datatypes"
)

// DefaultSubscriberQueueSize bounds how far a stream may run ahead of its
// transport. A full queue means the client is not draining; the stream is
// cancelled rather than buffered without bound.
const DefaultSubscriberQueueSize = 256

// Subscriber is the bounded event queue between one stream and its
// transport.
//
// # Description
//
// The orchestrator publishes events; the SSE or WebSocket handler drains
// them from Events(). Delivery is at-most-once to the single live
// connection: publishing never blocks, and a full queue fails the publish
// with ErrSlowConsumer so the orchestrator can cancel the stream.
//
// # Thread Safety
//
// Publish and Close may race; Events is read by one goroutine.
type Subscriber struct {
	mu     sync.Mutex
	ch     chan datatypes.StreamEvent
	closed bool
}

// NewSubscriber creates a subscriber with the given queue capacity.
// size <= 0 takes the default.
func NewSubscriber(size int) *Subscriber {
	if size <= 0 {
		size = DefaultSubscriberQueueSize
	}
	return &Subscriber{ch: make(chan datatypes.StreamEvent, size)}
}

// Events is the channel the transport drains. It is closed after the
// terminal event has been published.
func (s *Subscriber) Events() <-chan datatypes.StreamEvent {
	return s.ch
}

// Publish enqueues one event without blocking.
//
// # Outputs
//
//   - ErrSlowConsumer when the queue is full.
//   - nil on success, and silently drops the event after Close: a late
//     publish racing a disconnect is not an error worth failing the
//     terminal path over.
func (s *Subscriber) Publish(event datatypes.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	select {
	case s.ch <- event:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Close closes the event channel. Idempotent.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
