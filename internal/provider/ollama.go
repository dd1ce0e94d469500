// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// =============================================================================
// WIRE TYPES (Ollama /api/chat)
// =============================================================================

type ollamaRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  *ollamaOptions `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	NumPredict       *int     `json:"num_predict,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	TopK             *int     `json:"top_k,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
}

// ollamaChunk is one NDJSON line of an /api/chat response. The final line has
// done=true and carries the eval statistics.
type ollamaChunk struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
	Error           string `json:"error,omitempty"`
}

func (c *ollamaChunk) usage() *Usage {
	return &Usage{
		PromptTokens:     c.PromptEvalCount,
		CompletionTokens: c.EvalCount,
		TotalTokens:      c.PromptEvalCount + c.EvalCount,
	}
}

// =============================================================================
// MODEL
// =============================================================================

// ollamaModel talks to a local Ollama daemon. No credential is required.
type ollamaModel struct {
	model        string
	baseURL      string
	httpClient   *http.Client
	streamClient *http.Client
}

func ollamaOptionsFrom(settings Settings) *ollamaOptions {
	if settings == (Settings{}) {
		return nil
	}
	return &ollamaOptions{
		Temperature:      settings.Temperature,
		NumPredict:       settings.MaxTokens,
		TopP:             settings.TopP,
		TopK:             settings.TopK,
		FrequencyPenalty: settings.FrequencyPenalty,
		PresencePenalty:  settings.PresencePenalty,
	}
}

func (c *ollamaModel) post(ctx context.Context, client *http.Client, body ollamaRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimSuffix(c.baseURL, "/") + "/api/chat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeAPIError(ProviderOllama, resp)
	}
	return resp, nil
}

// Generate implements ModelHandle.
func (c *ollamaModel) Generate(ctx context.Context, messages []Message, settings Settings) (*Completion, error) {
	resp, err := c.post(ctx, c.httpClient, ollamaRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   false,
		Options:  ollamaOptionsFrom(settings),
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := readResponse(resp)
	if err != nil {
		return nil, err
	}

	var chunk ollamaChunk
	if err := json.Unmarshal(body, &chunk); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if chunk.Error != "" {
		return nil, fmt.Errorf("ollama error: %s", chunk.Error)
	}

	return &Completion{
		Text:         chunk.Message.Content,
		FinishReason: chunk.DoneReason,
		Usage:        *chunk.usage(),
	}, nil
}

// Stream implements ModelHandle. Ollama streams newline-delimited JSON, one
// object per line, with done=true on the final line.
func (c *ollamaModel) Stream(ctx context.Context, messages []Message, settings Settings) (<-chan Chunk, error) {
	resp, err := c.post(ctx, c.streamClient, ollamaRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   true,
		Options:  ollamaOptionsFrom(settings),
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan Chunk, streamBufferSize)
	go func() {
		defer close(chunks)
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)
		for {
			select {
			case <-ctx.Done():
				chunks <- Chunk{Err: ctx.Err()}
				return
			default:
			}

			line, err := reader.ReadBytes('\n')
			if err != nil {
				if err == io.EOF && len(bytes.TrimSpace(line)) == 0 {
					// Stream ended without a done marker; treat as complete.
					chunks <- Chunk{Done: true}
					return
				}
				if err != io.EOF {
					chunks <- Chunk{Err: fmt.Errorf("stream read error: %w", err)}
					return
				}
			}

			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}

			var chunk ollamaChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				// Skip malformed lines.
				continue
			}

			if chunk.Error != "" {
				chunks <- Chunk{Err: fmt.Errorf("ollama error: %s", chunk.Error)}
				return
			}

			if chunk.Message.Content != "" {
				select {
				case chunks <- Chunk{Text: chunk.Message.Content}:
				case <-ctx.Done():
					chunks <- Chunk{Err: ctx.Err()}
					return
				}
			}

			if chunk.Done {
				chunks <- Chunk{Done: true, FinishReason: chunk.DoneReason, Usage: chunk.usage()}
				return
			}
		}
	}()

	return chunks, nil
}
