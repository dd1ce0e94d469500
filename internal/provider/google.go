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
// WIRE TYPES (Gemini generateContent API)
// =============================================================================

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// geminiFinishReason lowercases Gemini's SCREAMING_CASE reasons into the
// common vocabulary; MAX_TOKENS becomes "length".
func geminiFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "":
		return ""
	default:
		return strings.ToLower(reason)
	}
}

// =============================================================================
// MODEL
// =============================================================================

// googleModel talks to the Gemini generateContent API. The API key travels in
// the x-goog-api-key header, never in the URL, so request logs stay clean.
type googleModel struct {
	model        string
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	streamClient *http.Client
}

// toGemini converts the conversation: system turns become the single
// systemInstruction, assistant turns use role "model".
func toGemini(messages []Message) ([]geminiContent, *geminiContent) {
	var system []string
	contents := make([]geminiContent, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}

	var instruction *geminiContent
	if len(system) > 0 {
		instruction = &geminiContent{Parts: []geminiPart{{Text: strings.Join(system, "\n\n")}}}
	}
	return contents, instruction
}

func (c *googleModel) buildRequest(messages []Message, settings Settings) geminiRequest {
	contents, instruction := toGemini(messages)
	req := geminiRequest{
		Contents:          contents,
		SystemInstruction: instruction,
	}
	if settings.Temperature != nil || settings.MaxTokens != nil ||
		settings.TopP != nil || settings.TopK != nil {
		req.GenerationConfig = &generationConfig{
			Temperature:     settings.Temperature,
			MaxOutputTokens: settings.MaxTokens,
			TopP:            settings.TopP,
			TopK:            settings.TopK,
		}
	}
	return req
}

func (c *googleModel) post(ctx context.Context, client *http.Client, body geminiRequest, streaming bool) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	method := "generateContent"
	query := ""
	if streaming {
		method = "streamGenerateContent"
		query = "?alt=sse"
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:%s%s",
		strings.TrimSuffix(c.baseURL, "/"), c.model, method, query)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-goog-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeAPIError(ProviderGoogle, resp)
	}
	return resp, nil
}

// Generate implements ModelHandle.
func (c *googleModel) Generate(ctx context.Context, messages []Message, settings Settings) (*Completion, error) {
	resp, err := c.post(ctx, c.httpClient, c.buildRequest(messages, settings), false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := readResponse(resp)
	if err != nil {
		return nil, err
	}

	var gen geminiResponse
	if err := json.Unmarshal(body, &gen); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(gen.Candidates) == 0 {
		return nil, fmt.Errorf("google returned no candidates")
	}

	var text strings.Builder
	for _, part := range gen.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	out := &Completion{
		Text:         text.String(),
		FinishReason: geminiFinishReason(gen.Candidates[0].FinishReason),
	}
	if gen.UsageMetadata != nil {
		out.Usage = Usage{
			PromptTokens:     gen.UsageMetadata.PromptTokenCount,
			CompletionTokens: gen.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      gen.UsageMetadata.TotalTokenCount,
		}
	}
	return out, nil
}

// Stream implements ModelHandle. Gemini's SSE stream delivers the same JSON
// shape as the batch response, one fragment per event.
func (c *googleModel) Stream(ctx context.Context, messages []Message, settings Settings) (<-chan Chunk, error) {
	resp, err := c.post(ctx, c.streamClient, c.buildRequest(messages, settings), true)
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

			var frag geminiResponse
			if err := json.Unmarshal(data, &frag); err != nil {
				continue
			}

			if frag.UsageMetadata != nil {
				usage = &Usage{
					PromptTokens:     frag.UsageMetadata.PromptTokenCount,
					CompletionTokens: frag.UsageMetadata.CandidatesTokenCount,
					TotalTokens:      frag.UsageMetadata.TotalTokenCount,
				}
			}
			if len(frag.Candidates) == 0 {
				continue
			}
			if fr := frag.Candidates[0].FinishReason; fr != "" {
				finishReason = geminiFinishReason(fr)
			}
			for _, part := range frag.Candidates[0].Content.Parts {
				if part.Text == "" {
					continue
				}
				select {
				case chunks <- Chunk{Text: part.Text}:
				case <-ctx.Done():
					chunks <- Chunk{Err: ctx.Err()}
					return
				}
			}
		}
	}()

	return chunks, nil
}
