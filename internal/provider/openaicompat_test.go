// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compatHandle(t *testing.T, serverURL string) *openAICompatModel {
	t.Helper()
	factory := NewFactoryWithClient(&http.Client{Timeout: 5 * time.Second})
	handle, err := factory.Build(Config{
		Provider: ProviderOpenRouter,
		Model:    "test-model",
		BaseURL:  serverURL,
		APIKey:   "sk-or-test-abcdefghijklmnopqrstuvwxyz",
	})
	require.NoError(t, err)
	return handle.(*openAICompatModel)
}

// drain consumes a chunk channel into deltas plus the single terminal chunk.
func drain(t *testing.T, chunks <-chan Chunk) ([]string, Chunk) {
	t.Helper()
	var deltas []string
	var terminal Chunk
	var sawTerminal bool
	for c := range chunks {
		if sawTerminal {
			t.Fatalf("chunk received after terminal: %+v", c)
		}
		if c.Done || c.Err != nil {
			terminal = c
			sawTerminal = true
			continue
		}
		deltas = append(deltas, c.Text)
	}
	require.True(t, sawTerminal, "stream ended without a terminal chunk")
	return deltas, terminal
}

func TestCompat_Generate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-or-test-abcdefghijklmnopqrstuvwxyz", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		assert.Equal(t, "test-model", req.Model)
		// Unset settings must be omitted entirely.
		assert.Nil(t, req.Temperature)
		assert.Nil(t, req.MaxTokens)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "gen-1",
			"model": "test-model",
			"choices": [{"message": {"role": "assistant", "content": "hello there"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 7, "completion_tokens": 3, "total_tokens": 10}
		}`)
	}))
	defer server.Close()

	handle := compatHandle(t, server.URL)
	out, err := handle.Generate(context.Background(), []Message{NewUserMessage("hi")}, Settings{})
	require.NoError(t, err)

	assert.Equal(t, "hello there", out.Text)
	assert.Equal(t, "stop", out.FinishReason)
	assert.Equal(t, 10, out.Usage.TotalTokens)
}

func TestCompat_Generate_SettingsOnWire(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	i := func(v int) *int { return &v }

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		assert.Equal(t, 0.5, raw["temperature"])
		assert.Equal(t, float64(256), raw["max_tokens"])
		assert.Equal(t, 0.9, raw["top_p"])
		// top_k is not part of the OpenAI-compatible surface.
		_, hasTopK := raw["top_k"]
		assert.False(t, hasTopK)

		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`)
	}))
	defer server.Close()

	handle := compatHandle(t, server.URL)
	_, err := handle.Generate(context.Background(), []Message{NewUserMessage("hi")}, Settings{
		Temperature: f(0.5),
		MaxTokens:   i(256),
		TopP:        f(0.9),
		TopK:        i(40),
	})
	require.NoError(t, err)
}

func TestCompat_Stream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		require.NotNil(t, req.StreamOptions)
		assert.True(t, req.StreamOptions.IncludeUsage)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"},\"finish_reason\":\"\"}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"\"}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":2,\"completion_tokens\":3,\"total_tokens\":5}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	handle := compatHandle(t, server.URL)
	chunks, err := handle.Stream(context.Background(), []Message{NewUserMessage("hi")}, Settings{})
	require.NoError(t, err)

	deltas, terminal := drain(t, chunks)
	assert.Equal(t, []string{"Hel", "lo"}, deltas)
	assert.True(t, terminal.Done)
	assert.Equal(t, "stop", terminal.FinishReason)
	require.NotNil(t, terminal.Usage)
	assert.Equal(t, 5, terminal.Usage.TotalTokens)
}

func TestCompat_Stream_SkipsMalformedChunks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: this is not json\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"},\"finish_reason\":\"\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	handle := compatHandle(t, server.URL)
	chunks, err := handle.Stream(context.Background(), []Message{NewUserMessage("hi")}, Settings{})
	require.NoError(t, err)

	deltas, terminal := drain(t, chunks)
	assert.Equal(t, []string{"ok"}, deltas)
	assert.True(t, terminal.Done)
}

func TestCompat_ErrorResponses(t *testing.T) {
	tests := []struct {
		status  int
		body    string
		wantSub string
	}{
		{http.StatusTooManyRequests, `{"error":{"code":"rate_limited","message":"slow down"}}`, "429"},
		{http.StatusUnauthorized, `{"error":{"message":"invalid api key"}}`, "invalid api key"},
		{http.StatusNotFound, `{"error":{"message":"model does not exist"}}`, "404"},
		{http.StatusInternalServerError, `oops`, "500"},
	}

	for _, tt := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			fmt.Fprint(w, tt.body)
		}))

		handle := compatHandle(t, server.URL)
		_, err := handle.Generate(context.Background(), []Message{NewUserMessage("hi")}, Settings{})
		require.Error(t, err)

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, tt.status, apiErr.Status)
		assert.Contains(t, err.Error(), tt.wantSub)

		server.Close()
	}
}

func TestCompat_Stream_ContextCancel(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"},\"finish_reason\":\"\"}]}\n\n")
		flusher.Flush()
		<-release // hold the stream open
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	handle := compatHandle(t, server.URL)
	chunks, err := handle.Stream(ctx, []Message{NewUserMessage("hi")}, Settings{})
	require.NoError(t, err)

	first := <-chunks
	assert.Equal(t, "Hi", first.Text)

	cancel()

	deltas, terminal := drain(t, chunks)
	assert.Empty(t, deltas)
	require.Error(t, terminal.Err)
	assert.True(t, strings.Contains(terminal.Err.Error(), "context canceled") ||
		strings.Contains(terminal.Err.Error(), "canceled"))
}
