// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider implements the model back-end adapters for the gateway.
//
// A ModelHandle is a callable handle for one configured model on one
// provider. Handles are built by the Factory from a resolved configuration;
// construction never performs network I/O. The streaming contract is
// pull-based: Stream returns a channel delivering zero or more text chunks
// followed by exactly one terminal chunk (Done or Err), after which the
// channel is closed.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// PROVIDER VARIANTS
// =============================================================================

// Provider identifies a model back-end. The set is closed: adding a provider
// means adding a constant here plus one branch in the Factory.
type Provider string

const (
	ProviderOpenAI     Provider = "openai"
	ProviderAnthropic  Provider = "anthropic"
	ProviderGoogle     Provider = "google"
	ProviderGroq       Provider = "groq"
	ProviderOllama     Provider = "ollama"
	ProviderOpenRouter Provider = "openrouter"
	ProviderOther      Provider = "other"
)

// Valid reports whether p is one of the known provider constants.
func (p Provider) Valid() bool {
	switch p {
	case ProviderOpenAI, ProviderAnthropic, ProviderGoogle, ProviderGroq,
		ProviderOllama, ProviderOpenRouter, ProviderOther:
		return true
	}
	return false
}

// RequiresCredential reports whether the provider needs an API key. Only a
// local Ollama daemon is exempt.
func (p Provider) RequiresCredential() bool {
	return p != ProviderOllama
}

// Default base URLs per provider. An explicit BaseURL in the configuration
// always wins.
const (
	DefaultOpenAIURL     = "https://api.openai.com/v1"
	DefaultAnthropicURL  = "https://api.anthropic.com"
	DefaultGoogleURL     = "https://generativelanguage.googleapis.com"
	DefaultGroqURL       = "https://api.groq.com/openai/v1"
	DefaultOpenRouterURL = "https://openrouter.ai/api/v1"

	// DefaultOllamaURL uses the explicit IPv4 address instead of localhost to
	// avoid IPv6 resolution issues on Windows.
	DefaultOllamaURL = "http://127.0.0.1:11434"
)

// =============================================================================
// MESSAGES
// =============================================================================

// Role of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the ordered conversation sent to a model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// =============================================================================
// SETTINGS
// =============================================================================

// Settings are optional generation parameters. Nil fields are omitted from
// provider requests so provider defaults apply. Providers that do not support
// a parameter (e.g. top_k on OpenAI-compatible APIs) silently drop it.
type Settings struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	TopK             *int     `json:"top_k,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
}

// ErrInvalidSettings tags settings range violations so transport layers can
// map them onto a client error rather than a server fault.
var ErrInvalidSettings = errors.New("invalid settings")

// Validate checks every set field against its allowed range.
func (s Settings) Validate() error {
	if s.Temperature != nil && (*s.Temperature < 0 || *s.Temperature > 2) {
		return fmt.Errorf("%w: temperature %v must be in [0,2]", ErrInvalidSettings, *s.Temperature)
	}
	if s.MaxTokens != nil && (*s.MaxTokens < 1 || *s.MaxTokens > 1_000_000) {
		return fmt.Errorf("%w: max_tokens %d must be in [1,1000000]", ErrInvalidSettings, *s.MaxTokens)
	}
	if s.TopP != nil && (*s.TopP < 0 || *s.TopP > 1) {
		return fmt.Errorf("%w: top_p %v must be in [0,1]", ErrInvalidSettings, *s.TopP)
	}
	if s.TopK != nil && (*s.TopK < 0 || *s.TopK > 100) {
		return fmt.Errorf("%w: top_k %d must be in [0,100]", ErrInvalidSettings, *s.TopK)
	}
	if s.FrequencyPenalty != nil && (*s.FrequencyPenalty < -2 || *s.FrequencyPenalty > 2) {
		return fmt.Errorf("%w: frequency_penalty %v must be in [-2,2]", ErrInvalidSettings, *s.FrequencyPenalty)
	}
	if s.PresencePenalty != nil && (*s.PresencePenalty < -2 || *s.PresencePenalty > 2) {
		return fmt.Errorf("%w: presence_penalty %v must be in [-2,2]", ErrInvalidSettings, *s.PresencePenalty)
	}
	return nil
}

// Merge overlays the set fields of override onto s and returns the result.
// Used to apply per-request overrides on top of stored model settings.
func (s Settings) Merge(override Settings) Settings {
	out := s
	if override.Temperature != nil {
		out.Temperature = override.Temperature
	}
	if override.MaxTokens != nil {
		out.MaxTokens = override.MaxTokens
	}
	if override.TopP != nil {
		out.TopP = override.TopP
	}
	if override.TopK != nil {
		out.TopK = override.TopK
	}
	if override.FrequencyPenalty != nil {
		out.FrequencyPenalty = override.FrequencyPenalty
	}
	if override.PresencePenalty != nil {
		out.PresencePenalty = override.PresencePenalty
	}
	return out
}

// =============================================================================
// RESULTS
// =============================================================================

// Usage holds provider-reported token counts. The gateway does not compute
// token usage independently.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the result of a batch generation call.
type Completion struct {
	Text         string
	Usage        Usage
	FinishReason string
}

// Chunk is one element of a model stream. Zero or more chunks carry Text;
// exactly one terminal chunk carries Done (with FinishReason and, when the
// provider reports it, Usage) or Err. Nothing follows a terminal chunk.
type Chunk struct {
	Text         string
	Done         bool
	FinishReason string
	Usage        *Usage
	Err          error
}

// =============================================================================
// MODEL HANDLE
// =============================================================================

// Config is a fully resolved model configuration: provider variant, the
// provider's model identifier, an optional base URL override, and the
// decrypted API key. The APIKey must never be logged.
type Config struct {
	Provider Provider
	Model    string
	BaseURL  string
	APIKey   string
}

// ModelHandle is a callable handle for one configured model.
type ModelHandle interface {
	// Generate performs a single request/response completion.
	Generate(ctx context.Context, messages []Message, settings Settings) (*Completion, error)

	// Stream starts a streaming completion. The returned channel follows the
	// Chunk contract; cancelling ctx closes the upstream connection and ends
	// the stream with a terminal Err chunk.
	Stream(ctx context.Context, messages []Message, settings Settings) (<-chan Chunk, error)
}
