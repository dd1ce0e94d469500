// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go/option"
)

// =============================================================================
// HTTP CLIENTS
// =============================================================================

// DefaultTimeout bounds request/response provider calls. Streaming calls
// carry no client timeout; they are controlled through the request context.
const DefaultTimeout = 60 * time.Second

func newTransport() *http.Transport {
	return &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
}

// =============================================================================
// FACTORY
// =============================================================================

// Builder turns a resolved model configuration into a callable handle.
type Builder interface {
	Build(cfg Config) (ModelHandle, error)
}

// Factory builds ModelHandles, dispatching on the provider variant. Build is
// pure construction: no network I/O happens until the handle is invoked.
//
// The two pooled HTTP clients are shared by every handle the factory builds;
// the streaming client has no timeout because stream lifetime is controlled
// by the caller's context.
type Factory struct {
	httpClient   *http.Client
	streamClient *http.Client
}

// NewFactory creates a factory with pooled HTTP clients.
func NewFactory() *Factory {
	return &Factory{
		httpClient: &http.Client{
			Transport: newTransport(),
			Timeout:   DefaultTimeout,
		},
		streamClient: &http.Client{
			Transport: newTransport(),
		},
	}
}

// NewFactoryWithClient creates a factory where every handle uses the given
// HTTP client for both batch and streaming calls. Intended for tests.
func NewFactoryWithClient(client *http.Client) *Factory {
	return &Factory{httpClient: client, streamClient: client}
}

// Build constructs the handle for cfg. Unknown provider values are rejected
// upstream at configuration validation; Build returns an error for them only
// as a backstop.
func (f *Factory) Build(cfg Config) (ModelHandle, error) {
	switch cfg.Provider {
	case ProviderOpenAI:
		return newOpenAIModel(cfg, option.WithHTTPClient(f.httpClient)), nil

	case ProviderGroq:
		return f.compat(cfg, DefaultGroqURL), nil

	case ProviderOpenRouter:
		return f.compat(cfg, DefaultOpenRouterURL), nil

	case ProviderOther:
		// "other" requires an explicit base URL; config validation enforces
		// that, so an empty value here only produces request-time errors.
		return f.compat(cfg, ""), nil

	case ProviderAnthropic:
		return &anthropicModel{
			model:        cfg.Model,
			baseURL:      orDefault(cfg.BaseURL, DefaultAnthropicURL),
			apiKey:       cfg.APIKey,
			httpClient:   f.httpClient,
			streamClient: f.streamClient,
		}, nil

	case ProviderGoogle:
		return &googleModel{
			model:        cfg.Model,
			baseURL:      orDefault(cfg.BaseURL, DefaultGoogleURL),
			apiKey:       cfg.APIKey,
			httpClient:   f.httpClient,
			streamClient: f.streamClient,
		}, nil

	case ProviderOllama:
		return &ollamaModel{
			model:        cfg.Model,
			baseURL:      orDefault(cfg.BaseURL, DefaultOllamaURL),
			httpClient:   f.httpClient,
			streamClient: f.streamClient,
		}, nil
	}

	return nil, fmt.Errorf("unsupported provider: %q", cfg.Provider)
}

func (f *Factory) compat(cfg Config, defaultURL string) *openAICompatModel {
	return &openAICompatModel{
		provider:     cfg.Provider,
		model:        cfg.Model,
		baseURL:      orDefault(cfg.BaseURL, defaultURL),
		apiKey:       cfg.APIKey,
		httpClient:   f.httpClient,
		streamClient: f.streamClient,
	}
}

func orDefault(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
