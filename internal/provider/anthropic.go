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
// WIRE TYPES (Anthropic Messages API)
// =============================================================================

// anthropicVersion is the API version header required on every request.
const anthropicVersion = "2023-06-01"

// anthropicDefaultMaxTokens is used when the caller does not set max_tokens;
// the Messages API makes the field mandatory.
const anthropicDefaultMaxTokens = 4096

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Stream      bool               `json:"stream,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	TopK        *int               `json:"top_k,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// anthropicStreamEvent covers the SSE event payloads the gateway consumes:
// content_block_delta carries text, message_delta carries the stop reason and
// output token count, message_stop terminates the stream.
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Message struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// anthropicFinishReason maps Messages API stop reasons onto the common
// finish-reason vocabulary; unmapped values pass through as reported.
func anthropicFinishReason(stop string) string {
	switch stop {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return stop
	}
}

// =============================================================================
// MODEL
// =============================================================================

// anthropicModel talks to the Anthropic Messages API.
type anthropicModel struct {
	model        string
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	streamClient *http.Client
}

// splitSystem separates system messages (joined into the request's system
// field) from the user/assistant turns.
func splitSystem(messages []Message) (string, []anthropicMessage) {
	var system []string
	turns := make([]anthropicMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		turns = append(turns, anthropicMessage{Role: string(m.Role), Content: m.Content})
	}
	return strings.Join(system, "\n\n"), turns
}

func (c *anthropicModel) buildRequest(messages []Message, settings Settings, stream bool) anthropicRequest {
	system, turns := splitSystem(messages)
	req := anthropicRequest{
		Model:       c.model,
		System:      system,
		Messages:    turns,
		MaxTokens:   anthropicDefaultMaxTokens,
		Stream:      stream,
		Temperature: settings.Temperature,
		TopP:        settings.TopP,
		TopK:        settings.TopK,
	}
	if settings.MaxTokens != nil {
		req.MaxTokens = *settings.MaxTokens
	}
	return req
}

func (c *anthropicModel) post(ctx context.Context, client *http.Client, body anthropicRequest, streaming bool) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimSuffix(c.baseURL, "/") + "/v1/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeAPIError(ProviderAnthropic, resp)
	}
	return resp, nil
}

// Generate implements ModelHandle.
func (c *anthropicModel) Generate(ctx context.Context, messages []Message, settings Settings) (*Completion, error) {
	resp, err := c.post(ctx, c.httpClient, c.buildRequest(messages, settings, false), false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := readResponse(resp)
	if err != nil {
		return nil, err
	}

	var msg anthropicResponse
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &Completion{
		Text:         text.String(),
		FinishReason: anthropicFinishReason(msg.StopReason),
		Usage: Usage{
			PromptTokens:     msg.Usage.InputTokens,
			CompletionTokens: msg.Usage.OutputTokens,
			TotalTokens:      msg.Usage.InputTokens + msg.Usage.OutputTokens,
		},
	}, nil
}

// Stream implements ModelHandle.
func (c *anthropicModel) Stream(ctx context.Context, messages []Message, settings Settings) (<-chan Chunk, error) {
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
		usage := &Usage{}

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

			var event anthropicStreamEvent
			if err := json.Unmarshal(data, &event); err != nil {
				continue
			}

			switch event.Type {
			case "message_start":
				usage.PromptTokens = event.Message.Usage.InputTokens
			case "content_block_delta":
				if event.Delta.Text != "" {
					select {
					case chunks <- Chunk{Text: event.Delta.Text}:
					case <-ctx.Done():
						chunks <- Chunk{Err: ctx.Err()}
						return
					}
				}
			case "message_delta":
				if event.Delta.StopReason != "" {
					finishReason = anthropicFinishReason(event.Delta.StopReason)
				}
				if event.Usage.OutputTokens > 0 {
					usage.CompletionTokens = event.Usage.OutputTokens
				}
			case "message_stop":
				usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
				chunks <- Chunk{Done: true, FinishReason: finishReason, Usage: usage}
				return
			case "error":
				chunks <- Chunk{Err: fmt.Errorf("anthropic stream error [%s]: %s", event.Error.Type, event.Error.Message)}
				return
			}
		}
	}()

	return chunks, nil
}
