// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/openchatd/openchatd/services/orchestrator/datatypes"
)

var ollamaTracer = otel.Tracer("openchatd.llm.ollama")

// OllamaClient streams completions from a local Ollama server over its
// native NDJSON chat API.
type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

var _ Client = (*OllamaClient)(nil)

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatChunk struct {
	Message         ollamaChatMessage `json:"message"`
	Done            bool              `json:"done"`
	DoneReason      string            `json:"done_reason"`
	PromptEvalCount int               `json:"prompt_eval_count"`
	EvalCount       int               `json:"eval_count"`
}

// NewOllamaClient reads OLLAMA_BASE_URL (required) and OLLAMA_MODEL.
func NewOllamaClient() (*OllamaClient, error) {
	baseURL := os.Getenv("OLLAMA_BASE_URL")
	model := os.Getenv("OLLAMA_MODEL")
	if baseURL == "" {
		return nil, fmt.Errorf("OLLAMA_BASE_URL environment variable not set")
	}
	if model == "" {
		slog.Warn("OLLAMA_MODEL not set, defaulting to gpt-oss")
		model = "gpt-oss"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	slog.Info("Initializing Ollama client", "base_url", baseURL, "default_model", model)
	return &OllamaClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    baseURL,
		model:      model,
	}, nil
}

// newOllamaClientForURL is the test constructor; no env reads.
func newOllamaClientForURL(baseURL, model string) *OllamaClient {
	return &OllamaClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		model:      model,
	}
}

// ChatStream implements the Client interface over /api/chat with
// stream=true.
//
// # Limitations
//
//   - Malformed NDJSON lines are skipped with a warning rather than failing
//     the stream; Ollama occasionally emits them under load.
func (o *OllamaClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, callback StreamCallback) error {

	ctx, span := ollamaTracer.Start(ctx, "OllamaClient.ChatStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.Int("llm.num_messages", len(messages)),
	)

	wire := make([]ollamaChatMessage, 0, len(messages))
	for _, m := range messages {
		wire = append(wire, ollamaChatMessage{Role: string(m.Role), Content: m.Content})
	}
	payload := ollamaChatRequest{
		Model:    o.model,
		Messages: wire,
		Stream:   true,
		Options:  o.buildOptions(params),
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal chat request to Ollama: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.baseURL+"/api/chat", bytes.NewBuffer(reqBody))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to create chat request to Ollama: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return mapOllamaTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		span.SetStatus(codes.Error, fmt.Sprintf("ollama status %d", resp.StatusCode))
		if resp.StatusCode == http.StatusNotFound && bytes.Contains(respBody, []byte("not found")) {
			slog.Warn("Ollama model not found", "model", o.model)
			return &UpstreamError{
				StatusCode: resp.StatusCode,
				Message:    fmt.Sprintf("model %q not found, run: ollama pull %s", o.model, o.model),
				Retryable:  false,
			}
		}
		slog.Error("Ollama chat returned an error", "status_code", resp.StatusCode,
			"response", string(respBody))
		return &UpstreamError{
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
			Retryable:  retryableStatus(resp.StatusCode),
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			slog.Warn("Skipping malformed NDJSON line from Ollama", "error", err)
			continue
		}
		if chunk.Done {
			finishReason := chunk.DoneReason
			if finishReason == "" {
				finishReason = "stop"
			}
			var usage *datatypes.TokenUsage
			if chunk.PromptEvalCount > 0 || chunk.EvalCount > 0 {
				usage = &datatypes.TokenUsage{
					InputTokens:  chunk.PromptEvalCount,
					OutputTokens: chunk.EvalCount,
				}
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
		if chunk.Message.Content == "" {
			continue
		}
		if err := callback(StreamEvent{
			Type:    StreamEventToken,
			Content: chunk.Message.Content,
		}); err != nil {
			return fmt.Errorf("stream callback failed: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return mapOllamaTransportError(ctx, err)
	}
	// Body ended without a done chunk: the server dropped the stream.
	return &UpstreamError{
		Message:   "ollama stream ended without a done marker",
		Retryable: true,
	}
}

// buildOptions translates GenerationParams into Ollama options, filling the
// same defaults the non-streaming path has always used.
func (o *OllamaClient) buildOptions(params GenerationParams) map[string]any {
	options := make(map[string]any)
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	} else {
		options["temperature"] = float32(0.2)
	}
	if params.TopK != nil {
		options["top_k"] = *params.TopK
	} else {
		options["top_k"] = 20
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	} else {
		options["top_p"] = float32(0.9)
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	} else {
		options["num_predict"] = 8192
	}
	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}
	return options
}

// mapOllamaTransportError distinguishes cancellation and deadline from real
// transport faults.
func mapOllamaTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return context.Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	return &UpstreamError{Message: err.Error(), Retryable: true}
}
