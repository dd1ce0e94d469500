// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// =============================================================================
// MODEL (official OpenAI SDK)
// =============================================================================

// openAIModel uses the official OpenAI Go SDK. Only the first-party OpenAI
// API goes through the SDK; OpenAI-compatible third parties (Groq,
// OpenRouter, self-hosted) use the plain HTTP adapter instead so their
// non-standard error envelopes surface unmangled.
type openAIModel struct {
	client *openai.Client
	model  string
}

func newOpenAIModel(cfg Config, opts ...option.RequestOption) *openAIModel {
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")+"/"))
	}
	reqOpts = append(reqOpts, opts...)

	return &openAIModel{
		client: openai.NewClient(reqOpts...),
		model:  cfg.Model,
	}
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// buildParams translates settings into SDK params; unset fields stay unset so
// API defaults apply. The OpenAI API has no top_k, so that setting is dropped.
func (c *openAIModel) buildParams(messages []Message, settings Settings, stream bool) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Messages: openai.F(toOpenAIMessages(messages)),
		Model:    openai.F(c.model),
	}
	if settings.Temperature != nil {
		params.Temperature = openai.Float(*settings.Temperature)
	}
	if settings.MaxTokens != nil {
		params.MaxTokens = openai.Int(int64(*settings.MaxTokens))
	}
	if settings.TopP != nil {
		params.TopP = openai.Float(*settings.TopP)
	}
	if settings.FrequencyPenalty != nil {
		params.FrequencyPenalty = openai.Float(*settings.FrequencyPenalty)
	}
	if settings.PresencePenalty != nil {
		params.PresencePenalty = openai.Float(*settings.PresencePenalty)
	}
	if stream {
		params.StreamOptions = openai.F(openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		})
	}
	return params
}

// Generate implements ModelHandle.
func (c *openAIModel) Generate(ctx context.Context, messages []Message, settings Settings) (*Completion, error) {
	chat, err := c.client.Chat.Completions.New(ctx, c.buildParams(messages, settings, false))
	if err != nil {
		return nil, err
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}

	return &Completion{
		Text:         chat.Choices[0].Message.Content,
		FinishReason: string(chat.Choices[0].FinishReason),
		Usage: Usage{
			PromptTokens:     int(chat.Usage.PromptTokens),
			CompletionTokens: int(chat.Usage.CompletionTokens),
			TotalTokens:      int(chat.Usage.TotalTokens),
		},
	}, nil
}

// Stream implements ModelHandle.
func (c *openAIModel) Stream(ctx context.Context, messages []Message, settings Settings) (<-chan Chunk, error) {
	strm := c.client.Chat.Completions.NewStreaming(ctx, c.buildParams(messages, settings, true))
	if err := strm.Err(); err != nil {
		strm.Close()
		return nil, err
	}

	chunks := make(chan Chunk, streamBufferSize)
	go func() {
		defer close(chunks)
		defer strm.Close()

		var acc openai.ChatCompletionAccumulator
		var finishReason string

		for strm.Next() {
			if err := ctx.Err(); err != nil {
				chunks <- Chunk{Err: err}
				return
			}

			chunk := strm.Current()
			acc.AddChunk(chunk)

			if len(chunk.Choices) == 0 {
				continue
			}
			if fr := chunk.Choices[0].FinishReason; fr != "" {
				finishReason = string(fr)
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

		if err := strm.Err(); err != nil {
			chunks <- Chunk{Err: err}
			return
		}
		if err := ctx.Err(); err != nil {
			chunks <- Chunk{Err: err}
			return
		}

		usage := &Usage{
			PromptTokens:     int(acc.ChatCompletion.Usage.PromptTokens),
			CompletionTokens: int(acc.ChatCompletion.Usage.CompletionTokens),
			TotalTokens:      int(acc.ChatCompletion.Usage.TotalTokens),
		}
		chunks <- Chunk{Done: true, FinishReason: finishReason, Usage: usage}
	}()

	return chunks, nil
}
