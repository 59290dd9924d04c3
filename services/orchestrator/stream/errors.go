// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"errors"

	"github.com/openchatd/openchatd/services/llm"
	"github.com/openchatd/openchatd/services/orchestrator/conversation"
	"github.com/openchatd/openchatd/services/orchestrator/observability"
	"github.com/openchatd/openchatd/services/orchestrator/ratelimit"
	"github.com/openchatd/openchatd/services/orchestrator/store"
)

// ErrConversationBusy reports that another stream already owns the
// conversation. No retry happens server-side; the caller resubmits.
var ErrConversationBusy = errors.New("conversation busy: another stream is active")

// ErrSlowConsumer reports that the subscriber queue filled up because the
// transport could not drain events fast enough. Treated as a disconnect.
var ErrSlowConsumer = errors.New("subscriber queue full: client too slow")

// ErrStreamDeadline reports that the stream hit its overall wall-clock cap.
var ErrStreamDeadline = errors.New("stream exceeded maximum duration")

// ClassifyError maps any stream failure onto the wire error code carried on
// the terminal error event and used as the metrics label.
func ClassifyError(err error) observability.ErrorCode {
	var rateLimited *ratelimit.RateLimitedError
	var tooLarge *conversation.ContextTooLargeError
	var fileTooLarge *conversation.FileTooLargeError
	var upstream *llm.UpstreamError
	var conflict *store.SequenceConflictError

	switch {
	case errors.As(err, &rateLimited):
		return observability.ErrorCodeRateLimited
	case errors.Is(err, ErrConversationBusy):
		return observability.ErrorCodeConversationBusy
	case errors.As(err, &tooLarge), errors.As(err, &fileTooLarge):
		return observability.ErrorCodeContextTooLarge
	case errors.Is(err, llm.ErrUpstreamTimeout), errors.Is(err, ErrStreamDeadline):
		return observability.ErrorCodeTimeout
	case errors.As(err, &upstream):
		return observability.ErrorCodeUpstream
	case errors.As(err, &conflict):
		return observability.ErrorCodeSequenceConflict
	case errors.Is(err, store.ErrConversationNotFound):
		return observability.ErrorCodeNotFound
	case errors.Is(err, ErrSlowConsumer):
		return observability.ErrorCodeClientDisconnect
	default:
		return observability.ErrorCodeInternal
	}
}

// PublicMessage returns a client-safe description for the terminal error
// event. Internal details stay in the logs.
func PublicMessage(code observability.ErrorCode) string {
	switch code {
	case observability.ErrorCodeRateLimited:
		return "rate limit exceeded, retry later"
	case observability.ErrorCodeConversationBusy:
		return "conversation has an active stream, resubmit after it finishes"
	case observability.ErrorCodeContextTooLarge:
		return "request exceeds the context budget"
	case observability.ErrorCodeTimeout:
		return "generation timed out"
	case observability.ErrorCodeUpstream:
		return "model backend failed"
	case observability.ErrorCodeSequenceConflict:
		return "conversation was modified concurrently, resubmit"
	case observability.ErrorCodeClientDisconnect:
		return "client connection lost"
	case observability.ErrorCodeNotFound:
		return "conversation not found"
	default:
		return "internal error"
	}
}
