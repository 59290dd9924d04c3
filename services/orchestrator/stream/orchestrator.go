// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package stream coordinates one generation turn from admission to a
// terminal event.
//
// # Description
//
// The Orchestrator drives the per-stream state machine:
//
//	ADMITTED -> ACQUIRING_LOCK -> CONTEXT_BUILT -> STREAMING
//	                                   -> {COMPLETED, CANCELLED, FAILED}
//
// Admission control, the conversation try-lock, prompt assembly, the model
// call, token fan-in to the subscriber, cancellation, and terminal
// persistence all live here. On every terminal state the conversation lock
// is released first and the rate-limit token second, regardless of outcome.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/openchatd/openchatd/services/llm"
	"github.com/openchatd/openchatd/services/orchestrator/conversation"
	"github.com/openchatd/openchatd/services/orchestrator/datatypes"
	"github.com/openchatd/openchatd/services/orchestrator/observability"
	"github.com/openchatd/openchatd/services/orchestrator/ratelimit"
	"github.com/openchatd/openchatd/services/orchestrator/store"
)

var tracer = otel.Tracer("openchatd.orchestrator.stream")

// =============================================================================
// States
// =============================================================================

// State is the lifecycle position of one stream.
type State string

const (
	StateAdmitted      State = "ADMITTED"
	StateAcquiringLock State = "ACQUIRING_LOCK"
	StateContextBuilt  State = "CONTEXT_BUILT"
	StateStreaming     State = "STREAMING"
	StateCompleted     State = "COMPLETED"
	StateCancelled     State = "CANCELLED"
	StateFailed        State = "FAILED"
)

// Terminal reports whether the state ends the stream.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// =============================================================================
// Configuration
// =============================================================================

// Config tunes stream execution.
//
// # Fields
//
//   - MaxStreamDuration: Overall wall-clock cap per stream.
//   - IdleTimeout: Maximum gap between model increments before the stream
//     is failed as timed out.
//   - CancelGrace: How long a cancelled stream waits for the model client
//     to stop before it is abandoned and the buffered snapshot is
//     persisted. Also bounds the partial persist itself.
//   - QueueSize: Subscriber queue capacity; zero takes the default.
//   - Model: Label for token metrics.
//   - Params: Generation parameters forwarded to the model client.
type Config struct {
	MaxStreamDuration time.Duration
	IdleTimeout       time.Duration
	CancelGrace       time.Duration
	QueueSize         int
	Model             string
	Params            llm.GenerationParams
}

func (c Config) withDefaults() Config {
	if c.MaxStreamDuration <= 0 {
		c.MaxStreamDuration = 5 * time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 5 * time.Second
	}
	return c
}

// Request is one admitted generation turn.
//
// # Fields
//
//   - SessionID: Authenticated session the turn belongs to.
//   - ConversationID: Target conversation; empty creates a new one.
//   - UserText: The new user message.
//   - FileRefs: Opaque references persisted on the user message.
//   - Files: Extracted file texts injected into the prompt.
//   - Endpoint: Transport label for metrics.
type Request struct {
	SessionID      string
	ConversationID string
	UserText       string
	FileRefs       []string
	Files          []conversation.FileText
	Endpoint       observability.Endpoint
}

// =============================================================================
// Stream Handle
// =============================================================================

// cancelCause records who flipped the cancellation flag first.
type cancelCause int32

const (
	causeNone cancelCause = iota
	causeClient
	causeSlowConsumer
	causeIdle
)

// Stream is the caller-facing handle for one in-flight generation.
//
// # Thread Safety
//
// Cancel may be called from any goroutine, any number of times; the first
// cause wins. Events is drained by the owning transport goroutine.
type Stream struct {
	ID             string
	ConversationID string
	SessionID      string

	sub        *Subscriber
	state      atomic.Value
	cause      atomic.Int32
	cancelFn   context.CancelFunc
	cancelOnce sync.Once
	done       chan struct{}
}

// Events is the bounded event queue the transport drains. Closed after the
// terminal event.
func (s *Stream) Events() <-chan datatypes.StreamEvent { return s.sub.Events() }

// Done closes when the stream has fully settled: terminal event published,
// persistence finished, locks released.
func (s *Stream) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle position.
func (s *Stream) State() State { return s.state.Load().(State) }

// Cancel flips the cancellation flag. Used for both the explicit stop
// control and transport disconnect; the two are deliberately
// indistinguishable downstream.
func (s *Stream) Cancel() { s.cancelWith(causeClient) }

func (s *Stream) cancelWith(c cancelCause) {
	s.cancelOnce.Do(func() {
		s.cause.Store(int32(c))
		s.cancelFn()
	})
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator runs streams. One instance serves the whole process.
//
// # Thread Safety
//
// Safe for concurrent Start and Stop calls.
type Orchestrator struct {
	store   store.ConversationStore
	limiter *ratelimit.Limiter
	builder *conversation.Builder
	client  llm.Client
	cfg     Config

	mu     sync.Mutex
	active map[string]*Stream
}

// New creates an Orchestrator over its four collaborators.
func New(s store.ConversationStore, limiter *ratelimit.Limiter,
	builder *conversation.Builder, client llm.Client, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:   s,
		limiter: limiter,
		builder: builder,
		client:  client,
		cfg:     cfg.withDefaults(),
		active:  make(map[string]*Stream),
	}
}

// Start admits and launches one stream.
//
// # Description
//
// Runs the synchronous phase of the state machine: admission, conversation
// resolution, try-lock, prompt assembly, and the user-message append. On
// success the generation continues on its own goroutine and the returned
// handle's Events channel carries the wire events, beginning with start.
//
// # Outputs
//
// Pre-stream failures return typed errors for the transport to surface:
// *ratelimit.RateLimitedError, ErrConversationBusy,
// *conversation.ContextTooLargeError, store.ErrConversationNotFound.
func (o *Orchestrator) Start(ctx context.Context, req Request) (*Stream, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.Start")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", req.SessionID))

	token, err := o.limiter.Admit(req.SessionID)
	if err != nil {
		span.SetStatus(codes.Error, "admission refused")
		var limited *ratelimit.RateLimitedError
		if m := observability.DefaultMetrics; m != nil && errors.As(err, &limited) {
			m.RecordRateLimitRejection(limited.Scope)
		}
		return nil, err
	}

	conv, err := o.resolveConversation(ctx, req)
	if err != nil {
		o.limiter.Release(token)
		return nil, err
	}
	span.SetAttributes(attribute.String("conversation.id", conv.ID))

	streamID := uuid.NewString()
	ok, err := o.store.TryAcquire(ctx, conv.ID, streamID)
	if err != nil {
		o.limiter.Release(token)
		return nil, err
	}
	if !ok {
		// Busy is a conflict, not a queueable condition. The caller
		// resubmits after the active stream finishes.
		o.limiter.Release(token)
		span.SetStatus(codes.Error, "conversation busy")
		return nil, ErrConversationBusy
	}

	fail := func(err error) (*Stream, error) {
		if rerr := o.store.Release(context.WithoutCancel(ctx), conv.ID, streamID); rerr != nil {
			slog.Error("Failed to release conversation lock", "conversation_id", conv.ID, "error", rerr)
		}
		o.limiter.Release(token)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	prompt, err := o.builder.Build(ctx, conv.ID, req.UserText, req.Files)
	if err != nil {
		return fail(err)
	}

	userSeq, err := o.store.NextSeq(ctx, conv.ID)
	if err != nil {
		return fail(err)
	}
	userMsg := datatypes.NewMessage(conv.ID, datatypes.RoleUser, req.UserText, datatypes.StatusComplete)
	userMsg.FileRefs = req.FileRefs
	stored, err := o.appendWithRetry(ctx, conv.ID, userSeq, userMsg)
	if err != nil {
		return fail(err)
	}
	assistantSeq := stored.Seq + 1

	acc, err := NewAccumulator()
	if err != nil {
		return fail(err)
	}

	// The run context deliberately detaches from the request: a client
	// disconnect must not abort the terminal persist.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.MaxStreamDuration)

	st := &Stream{
		ID:             streamID,
		ConversationID: conv.ID,
		SessionID:      req.SessionID,
		sub:            NewSubscriber(o.cfg.QueueSize),
		cancelFn:       cancel,
		done:           make(chan struct{}),
	}
	st.state.Store(StateStreaming)

	_ = st.sub.Publish(datatypes.StreamEvent{
		Type:           datatypes.StreamEventStart,
		StreamID:       streamID,
		ConversationID: conv.ID,
	})

	o.mu.Lock()
	o.active[streamID] = st
	o.mu.Unlock()

	slog.Info("Stream started",
		"stream_id", streamID,
		"conversation_id", conv.ID,
		"session_id", req.SessionID,
		"prompt_chars", prompt.Chars,
		"dropped_history", prompt.DroppedHistory,
	)

	go o.run(runCtx, st, token, prompt, acc, assistantSeq, req.Endpoint)
	return st, nil
}

// Stop flips the cancellation flag on an active stream. Returns false when
// the stream is unknown or already settled.
func (o *Orchestrator) Stop(streamID string) bool {
	o.mu.Lock()
	st := o.active[streamID]
	o.mu.Unlock()
	if st == nil {
		return false
	}
	st.Cancel()
	return true
}

// StopOwned is Stop with an ownership check: the stream must belong to the
// given session. Unknown, settled, and foreign streams are deliberately
// indistinguishable to the caller, so stream IDs cannot be probed.
func (o *Orchestrator) StopOwned(streamID, sessionID string) bool {
	o.mu.Lock()
	st := o.active[streamID]
	o.mu.Unlock()
	if st == nil || st.SessionID != sessionID {
		return false
	}
	st.Cancel()
	return true
}

// resolveConversation loads or creates the target conversation. A
// conversation owned by another session is reported as not found rather
// than forbidden, so conversation IDs cannot be probed.
func (o *Orchestrator) resolveConversation(ctx context.Context, req Request) (datatypes.Conversation, error) {
	if req.ConversationID == "" {
		return o.store.CreateConversation(ctx, req.SessionID)
	}
	conv, err := o.store.Conversation(ctx, req.ConversationID)
	if err != nil {
		return datatypes.Conversation{}, err
	}
	if conv.SessionID != req.SessionID {
		return datatypes.Conversation{}, store.ErrConversationNotFound
	}
	return conv, nil
}

// appendWithRetry persists a terminal message, rereading the sequence and
// retrying exactly once on a sequence conflict. The retry covers
// persistence only, never generation.
func (o *Orchestrator) appendWithRetry(ctx context.Context, convID string,
	expectedSeq uint64, msg datatypes.Message) (datatypes.Message, error) {

	stored, err := o.store.AppendFinal(ctx, convID, expectedSeq, msg)
	var conflict *store.SequenceConflictError
	if errors.As(err, &conflict) {
		slog.Warn("Sequence conflict on append, rereading and retrying",
			"conversation_id", convID,
			"expected_seq", conflict.Expected,
			"actual_seq", conflict.Actual,
		)
		next, nerr := o.store.NextSeq(ctx, convID)
		if nerr != nil {
			return datatypes.Message{}, nerr
		}
		return o.store.AppendFinal(ctx, convID, next, msg)
	}
	return stored, err
}

// =============================================================================
// Streaming Phase
// =============================================================================

// modelResult carries the model call's outcome back to the stream goroutine.
type modelResult struct {
	err          error
	finishReason string
	usage        *datatypes.TokenUsage
}

// run owns the STREAMING state and the transition to a terminal one.
func (o *Orchestrator) run(ctx context.Context, st *Stream, token *ratelimit.Token,
	prompt conversation.Prompt, acc Accumulator, assistantSeq uint64,
	endpoint observability.Endpoint) {

	ctx, span := tracer.Start(ctx, "Orchestrator.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("stream.id", st.ID),
		attribute.String("conversation.id", st.ConversationID),
	)

	startTime := time.Now()
	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted(endpoint)
	}

	defer func() {
		// Guaranteed release: conversation lock first, then the admission
		// token, on every exit path.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.store.Release(releaseCtx, st.ConversationID, st.ID); err != nil {
			slog.Error("Failed to release conversation lock",
				"conversation_id", st.ConversationID,
				"stream_id", st.ID,
				"error", err,
			)
		}
		o.limiter.Release(token)

		o.mu.Lock()
		delete(o.active, st.ID)
		o.mu.Unlock()

		acc.Destroy()
		st.sub.Close()
		close(st.done)

		if m := observability.DefaultMetrics; m != nil {
			m.StreamEnded(endpoint)
			m.RecordStreamDuration(endpoint, time.Since(startTime).Seconds(),
				st.State() == StateCompleted)
		}
	}()

	// Idle watchdog: a stalled model is a fault, not a cancellation.
	idleTimer := time.AfterFunc(o.cfg.IdleTimeout, func() {
		st.cancelWith(causeIdle)
	})
	defer idleTimer.Stop()

	firstTokenSeen := false
	var tokenCount atomic.Int64

	// The model call runs on its own goroutine so a cancel can settle the
	// stream even when the client never honors its context. The channel is
	// buffered: an abandoned client still gets to return without leaking.
	resultCh := make(chan modelResult, 1)
	go func() {
		var res modelResult
		res.err = o.client.ChatStream(ctx, prompt.Messages, o.cfg.Params, func(ev llm.StreamEvent) error {
			switch ev.Type {
			case llm.StreamEventToken:
				idleTimer.Reset(o.cfg.IdleTimeout)
				if !firstTokenSeen {
					firstTokenSeen = true
					if m := observability.DefaultMetrics; m != nil {
						m.RecordTimeToFirstToken(endpoint, time.Since(startTime).Seconds())
					}
				}
				if werr := acc.Write(ev.Content); werr != nil {
					return werr
				}
				tokenCount.Add(1)
				if perr := st.sub.Publish(datatypes.StreamEvent{
					Type:    datatypes.StreamEventToken,
					Content: ev.Content,
				}); perr != nil {
					st.cancelWith(causeSlowConsumer)
					return perr
				}
			case llm.StreamEventDone:
				res.finishReason = ev.FinishReason
				res.usage = ev.Usage
			}
			return nil
		})
		resultCh <- res
	}()

	var res modelResult
	select {
	case res = <-resultCh:
	case <-ctx.Done():
		// Cancellation observed while the client is still running. It gets
		// CancelGrace to unwind; past that the stream settles on the
		// buffered snapshot and the client's eventual return is ignored.
		grace := time.NewTimer(o.cfg.CancelGrace)
		select {
		case res = <-resultCh:
			grace.Stop()
		case <-grace.C:
			idleTimer.Stop()
			span.SetAttributes(attribute.Int64("stream.token_count", tokenCount.Load()))
			slog.Warn("Model client did not stop within the cancel grace, abandoning it",
				"stream_id", st.ID,
				"conversation_id", st.ConversationID,
				"grace", o.cfg.CancelGrace.String(),
			)
			snapshot := acc.Snapshot()
			switch cancelCause(st.cause.Load()) {
			case causeIdle:
				o.finishFailed(st, snapshot, assistantSeq,
					fmt.Errorf("%w: no increment within %s", llm.ErrUpstreamTimeout, o.cfg.IdleTimeout),
					endpoint)
			case causeClient, causeSlowConsumer:
				o.finishCancelled(st, snapshot, assistantSeq, endpoint)
			default:
				o.finishFailed(st, snapshot, assistantSeq, ErrStreamDeadline, endpoint)
			}
			return
		}
	}
	idleTimer.Stop()
	err := res.err

	span.SetAttributes(attribute.Int64("stream.token_count", tokenCount.Load()))

	switch {
	case err == nil:
		o.finishCompleted(st, acc, assistantSeq, res.finishReason, res.usage, endpoint)

	case errors.Is(err, context.Canceled), errors.Is(err, ErrSlowConsumer):
		switch cancelCause(st.cause.Load()) {
		case causeIdle:
			o.finishFailed(st, acc.Snapshot(), assistantSeq,
				fmt.Errorf("%w: no increment within %s", llm.ErrUpstreamTimeout, o.cfg.IdleTimeout),
				endpoint)
		default:
			o.finishCancelled(st, acc.Snapshot(), assistantSeq, endpoint)
		}

	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, llm.ErrUpstreamTimeout):
		if cancelCause(st.cause.Load()) == causeClient {
			// Client cancel raced the deadline; honor the cancel.
			o.finishCancelled(st, acc.Snapshot(), assistantSeq, endpoint)
			return
		}
		o.finishFailed(st, acc.Snapshot(), assistantSeq, ErrStreamDeadline, endpoint)

	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.finishFailed(st, acc.Snapshot(), assistantSeq, err, endpoint)
	}
}

// finishCompleted handles the COMPLETED terminal state: finalize the buffer,
// persist with status complete, publish end.
func (o *Orchestrator) finishCompleted(st *Stream, acc Accumulator, seq uint64,
	finishReason string, usage *datatypes.TokenUsage, endpoint observability.Endpoint) {

	content, contentHash, err := acc.Finalize()
	if err != nil {
		o.finishFailed(st, "", seq, fmt.Errorf("finalizing buffer: %w", err), endpoint)
		return
	}

	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	msg := datatypes.NewMessage(st.ConversationID, datatypes.RoleAssistant, content, datatypes.StatusComplete)
	if _, err := o.appendWithRetry(persistCtx, st.ConversationID, seq, msg); err != nil {
		o.finishFailed(st, content, seq, fmt.Errorf("persisting completed stream: %w", err), endpoint)
		return
	}

	st.state.Store(StateCompleted)
	_ = st.sub.Publish(datatypes.StreamEvent{
		Type:           datatypes.StreamEventEnd,
		StreamID:       st.ID,
		ConversationID: st.ConversationID,
		FinishReason:   finishReason,
		Usage:          usage,
	})

	if m := observability.DefaultMetrics; m != nil {
		m.RecordRequest(endpoint, true)
		m.RecordOutcome("completed")
		if usage != nil {
			m.RecordTokens(usage.InputTokens, usage.OutputTokens, o.cfg.Model)
		}
	}
	slog.Info("Stream completed",
		"stream_id", st.ID,
		"conversation_id", st.ConversationID,
		"finish_reason", finishReason,
		"content_length", len(content),
		"content_sha256", contentHash[:16],
	)
}

// finishCancelled handles the CANCELLED terminal state. Whatever was
// buffered is persisted as partial; partial answers are visible in history
// on reload, never discarded.
func (o *Orchestrator) finishCancelled(st *Stream, content string, seq uint64,
	endpoint observability.Endpoint) {

	if content != "" {
		persistCtx, cancel := context.WithTimeout(context.Background(), o.cfg.CancelGrace)
		defer cancel()
		msg := datatypes.NewMessage(st.ConversationID, datatypes.RoleAssistant, content, datatypes.StatusPartial)
		if _, err := o.appendWithRetry(persistCtx, st.ConversationID, seq, msg); err != nil {
			slog.Error("Failed to persist partial message",
				"conversation_id", st.ConversationID,
				"stream_id", st.ID,
				"error", err,
			)
		}
	}

	st.state.Store(StateCancelled)
	_ = st.sub.Publish(datatypes.StreamEvent{
		Type:           datatypes.StreamEventCancelled,
		StreamID:       st.ID,
		ConversationID: st.ConversationID,
	})

	if m := observability.DefaultMetrics; m != nil {
		m.RecordRequest(endpoint, true)
		m.RecordOutcome("cancelled")
		m.RecordClientDisconnect(endpoint)
	}
	slog.Info("Stream cancelled",
		"stream_id", st.ID,
		"conversation_id", st.ConversationID,
		"partial_length", len(content),
	)
}

// finishFailed handles the FAILED terminal state. Buffered content, if any,
// is retained with status failed for operator diagnosis; with nothing
// buffered no message is written.
func (o *Orchestrator) finishFailed(st *Stream, content string, seq uint64,
	cause error, endpoint observability.Endpoint) {

	if content != "" {
		persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		msg := datatypes.NewMessage(st.ConversationID, datatypes.RoleAssistant, content, datatypes.StatusFailed)
		if _, err := o.appendWithRetry(persistCtx, st.ConversationID, seq, msg); err != nil {
			slog.Error("Failed to persist failed-stream message",
				"conversation_id", st.ConversationID,
				"stream_id", st.ID,
				"error", err,
			)
		}
	}

	code := ClassifyError(cause)
	st.state.Store(StateFailed)
	_ = st.sub.Publish(datatypes.StreamEvent{
		Type:           datatypes.StreamEventError,
		StreamID:       st.ID,
		ConversationID: st.ConversationID,
		Code:           string(code),
		Error:          PublicMessage(code),
	})

	if m := observability.DefaultMetrics; m != nil {
		m.RecordRequest(endpoint, false)
		m.RecordOutcome("failed")
		m.RecordError(endpoint, code)
	}
	slog.Error("Stream failed",
		"stream_id", st.ID,
		"conversation_id", st.ConversationID,
		"code", string(code),
		"error", cause,
		"buffered_length", len(content),
	)
}
