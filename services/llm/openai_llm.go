// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/openchatd/openchatd/services/orchestrator/datatypes"
)

var openaiTracer = otel.Tracer("openchatd.llm.openai")

// OpenAIClient streams completions from the OpenAI chat API, or any
// API-compatible endpoint when a base URL is configured.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

var _ Client = (*OpenAIClient)(nil)

// NewOpenAIClient reads OPENAI_API_KEY (falling back to the mounted secret
// file), OPENAI_MODEL, and optionally OPENAI_BASE_URL.
func NewOpenAIClient() (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err != nil {
			slog.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
		apiKey = strings.TrimSpace(string(apiKeyBytes))
		slog.Info("Read the OpenAI API key from mounted secret")
	}
	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	slog.Info("Initializing OpenAI client", "model", model)
	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}, nil
}

// ChatStream implements the Client interface via CreateChatCompletionStream.
//
// # Outputs
//
// Token events per streamed delta, then one done event carrying the finish
// reason and, when the API reports it, token usage.
func (o *OpenAIClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, callback StreamCallback) error {

	ctx, span := openaiTracer.Start(ctx, "OpenAIClient.ChatStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.Int("llm.num_messages", len(messages)),
	)

	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: toOpenAIMessages(messages),
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return mapOpenAIError(ctx, err)
	}
	defer stream.Close()

	finishReason := ""
	var usage *datatypes.TokenUsage
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return mapOpenAIError(ctx, err)
		}
		if resp.Usage != nil {
			usage = &datatypes.TokenUsage{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}
		if choice.Delta.Content == "" {
			continue
		}
		if err := callback(StreamEvent{
			Type:    StreamEventToken,
			Content: choice.Delta.Content,
		}); err != nil {
			return fmt.Errorf("stream callback failed: %w", err)
		}
	}

	if finishReason == "" {
		finishReason = string(openai.FinishReasonStop)
	}
	if err := callback(StreamEvent{
		Type:         StreamEventDone,
		FinishReason: finishReason,
		Usage:        usage,
	}); err != nil {
		return fmt.Errorf("stream callback failed: %w", err)
	}
	return nil
}

// toOpenAIMessages maps the internal message list onto the wire schema,
// dropping everything but role and content.
func toOpenAIMessages(messages []datatypes.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return out
}

// mapOpenAIError classifies a go-openai failure into the package taxonomy.
// Cancellation passes through untouched so the caller can tell a stop apart
// from a fault.
func mapOpenAIError(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &UpstreamError{
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
			Retryable:  retryableStatus(apiErr.HTTPStatusCode),
		}
	}
	return &UpstreamError{Message: err.Error(), Retryable: true}
}
