// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// =============================================================================
// WIRE TYPES (OpenAI-compatible chat completions)
// =============================================================================

// chatRequest is the request body for /chat/completions.
type chatRequest struct {
	Model            string         `json:"model"`
	Messages         []Message      `json:"messages"`
	Stream           bool           `json:"stream"`
	StreamOptions    *streamOptions `json:"stream_options,omitempty"`
	Temperature      *float64       `json:"temperature,omitempty"`
	MaxTokens        *int           `json:"max_tokens,omitempty"`
	TopP             *float64       `json:"top_p,omitempty"`
	FrequencyPenalty *float64       `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64       `json:"presence_penalty,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// chatResponse is the response body for non-streaming completions.
type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *wireUsage) toUsage() *Usage {
	if u == nil {
		return nil
	}
	return &Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

// streamChunk is one SSE data payload of a streaming completion.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

// apiErrorResponse is the error envelope used by OpenAI-compatible APIs.
type apiErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// =============================================================================
// API ERROR
// =============================================================================

// APIError is an HTTP-level failure from a provider. Its message keeps the
// numeric status so downstream classification can match on it.
type APIError struct {
	Provider Provider
	Status   int
	Code     string
	Message  string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s error [%s] (HTTP %d): %s", e.Provider, e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("%s error (HTTP %d): %s", e.Provider, e.Status, e.Message)
}

// maxErrorBodySize bounds how much of an error response body is read.
const maxErrorBodySize = 64 * 1024

// decodeAPIError converts a non-200 response into an *APIError.
func decodeAPIError(p Provider, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return &APIError{
			Provider: p,
			Status:   resp.StatusCode,
			Code:     apiErr.Error.Code,
			Message:  apiErr.Error.Message,
		}
	}

	return &APIError{
		Provider: p,
		Status:   resp.StatusCode,
		Message:  strings.TrimSpace(string(body)),
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// openAICompatModel talks to OpenAI-compatible chat completion endpoints
// (Groq, OpenRouter, and self-hosted "other" deployments).
type openAICompatModel struct {
	provider     Provider
	model        string
	baseURL      string
	apiKey       string
	httpClient   *http.Client // request/response calls
	streamClient *http.Client // streaming calls, no timeout (context-controlled)
}

// setHeaders sets the required headers for chat completion requests.
func (c *openAICompatModel) setHeaders(req *http.Request, streaming bool) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")
	}
}

// buildRequest translates messages and settings into the wire request.
// Unset settings are omitted so provider defaults apply; top_k is not part
// of the OpenAI-compatible surface and is dropped.
func (c *openAICompatModel) buildRequest(messages []Message, settings Settings, stream bool) chatRequest {
	req := chatRequest{
		Model:            c.model,
		Messages:         messages,
		Stream:           stream,
		Temperature:      settings.Temperature,
		MaxTokens:        settings.MaxTokens,
		TopP:             settings.TopP,
		FrequencyPenalty: settings.FrequencyPenalty,
		PresencePenalty:  settings.PresencePenalty,
	}
	if stream {
		req.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return req
}

func (c *openAICompatModel) post(ctx context.Context, client *http.Client, body chatRequest, streaming bool) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimSuffix(c.baseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req, streaming)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeAPIError(c.provider, resp)
	}
	return resp, nil
}

// Generate implements ModelHandle.
func (c *openAICompatModel) Generate(ctx context.Context, messages []Message, settings Settings) (*Completion, error) {
	resp, err := c.post(ctx, c.httpClient, c.buildRequest(messages, settings, false), false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := readResponse(resp)
	if err != nil {
		return nil, err
	}

	var chat chatResponse
	if err := json.Unmarshal(body, &chat); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", c.provider)
	}

	out := &Completion{
		Text:         chat.Choices[0].Message.Content,
		FinishReason: chat.Choices[0].FinishReason,
	}
	if u := chat.Usage.toUsage(); u != nil {
		out.Usage = *u
	}
	return out, nil
}

// Stream implements ModelHandle.
func (c *openAICompatModel) Stream(ctx context.Context, messages []Message, settings Settings) (<-chan Chunk, error) {
	resp, err := c.post(ctx, c.streamClient, c.buildRequest(messages, settings, true), true)
	if err != nil {
		return nil, err
	}

	chunks := make(chan Chunk, streamBufferSize)
	go func() {
		defer close(chunks)
		defer resp.Body.Close()

		reader := newSSEReader(resp.Body)
		var finishReason string
		var usage *Usage

		for {
			select {
			case <-ctx.Done():
				chunks <- Chunk{Err: ctx.Err()}
				return
			default:
			}

			_, data, err := reader.ReadEvent()
			if err != nil {
				if err == io.EOF {
					chunks <- Chunk{Done: true, FinishReason: finishReason, Usage: usage}
					return
				}
				chunks <- Chunk{Err: fmt.Errorf("stream read error: %w", err)}
				return
			}

			if bytes.Equal(data, []byte("[DONE]")) {
				chunks <- Chunk{Done: true, FinishReason: finishReason, Usage: usage}
				return
			}

			var chunk streamChunk
			if err := json.Unmarshal(data, &chunk); err != nil {
				// Skip malformed chunks rather than aborting the stream.
				continue
			}

			if chunk.Usage != nil {
				usage = chunk.Usage.toUsage()
			}
			if len(chunk.Choices) > 0 {
				if fr := chunk.Choices[0].FinishReason; fr != "" {
					finishReason = fr
				}
				if text := chunk.Choices[0].Delta.Content; text != "" {
					select {
					case chunks <- Chunk{Text: text}:
					case <-ctx.Done():
						chunks <- Chunk{Err: ctx.Err()}
						return
					}
				}
			}
		}
	}()

	return chunks, nil
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

// userAgent identifies the gateway to providers.
const userAgent = "modelgate/0.1.0"

// streamBufferSize is the capacity of per-stream chunk channels.
const streamBufferSize = 64

// maxResponseSize is the maximum allowed response body size for
// request/response calls. Prevents memory exhaustion on a misbehaving
// provider.
const maxResponseSize = 10 * 1024 * 1024

// readResponse reads a response body with a size limit.
func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) == maxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", maxResponseSize)
	}
	return body, nil
}
