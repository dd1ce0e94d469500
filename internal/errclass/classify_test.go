// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package errclass

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// CLASSIFICATION TESTS
// =============================================================================

func TestClassifyMessage_KnownPhrases(t *testing.T) {
	tests := []struct {
		msg  string
		want Kind
	}{
		{"Rate limit exceeded, try later", KindRateLimited},
		{"HTTP 429 Too Many Requests", KindRateLimited},
		{"401 Unauthorized", KindUnauthorized},
		{"provider returned 403 forbidden", KindUnauthorized},
		{"model not found: gpt-5-nano", KindModelNotFound},
		{"status 404 from upstream", KindModelNotFound},
		{"context_length_exceeded", KindContextExceeded},
		{"input exceeds maximum length", KindContextExceeded},
		{"request flagged by moderation", KindContentPolicy},
		{"blocked for safety reasons", KindContentPolicy},
		{"malformed request body", KindInvalidRequest},
		{"validation failed on field messages", KindInvalidRequest},
		{"ECONNREFUSED", KindNetworkError},
		{"dns lookup failed", KindNetworkError},
		{"connection reset by peer", KindNetworkError},
		{"503 Service Unavailable", KindServiceUnavailable},
		{"provider is overloaded", KindServiceUnavailable},
		{"402 payment required", KindPaymentRequired},
		{"billing account suspended", KindPaymentRequired},
		{"something nobody has ever seen", KindUnknown},
		{"", KindUnknown},
	}

	for _, tt := range tests {
		got := ClassifyMessage(tt.msg)
		assert.Equal(t, tt.want, got.Kind, "message: %q", tt.msg)
		assert.Equal(t, tt.want.UserMessage(), got.UserMessage)
	}
}

// TestClassifyMessage_OrderIsContract pins the tie-breaks for phrases that
// match more than one rule group. The declared order of the rules resolves
// them, and that order must not change.
func TestClassifyMessage_OrderIsContract(t *testing.T) {
	// "quota" (rate limited, rule 1) beats "quota exceeded" (payment, rule 9).
	assert.Equal(t, KindRateLimited, ClassifyMessage("monthly quota exceeded").Kind)

	// "invalid api key" carries both "api key" (rule 2) and "invalid"
	// (rule 6); Unauthorized wins.
	assert.Equal(t, KindUnauthorized, ClassifyMessage("invalid api key provided").Kind)

	// "invalid model" carries both "invalid" (rule 6) and "invalid model"
	// (rule 3); ModelNotFound wins.
	assert.Equal(t, KindModelNotFound, ClassifyMessage("invalid model requested").Kind)

	// "too many requests ... connection" hits rules 1 and 7; RateLimited wins.
	assert.Equal(t, KindRateLimited, ClassifyMessage("too many requests on this connection").Kind)

	// "connection timeout" hits only rule 7 keywords but twice; still a
	// single NetworkError classification.
	assert.Equal(t, KindNetworkError, ClassifyMessage("connection timeout").Kind)
}

// TestClassify_Total feeds arbitrary strings and verifies every input maps to
// exactly one kind.
func TestClassify_Total(t *testing.T) {
	inputs := []string{
		"x", " ", "\n", "π∆ƒ", strings.Repeat("a", 10_000),
		"error: error: error", "<nil>", "{}",
	}
	for _, in := range inputs {
		got := ClassifyMessage(in)
		require.NotEmpty(t, got.Kind)
		require.NotEmpty(t, got.UserMessage)
	}
}

func TestClassify_NilError(t *testing.T) {
	got := Classify(nil)
	assert.Equal(t, KindUnknown, got.Kind)
}

// =============================================================================
// SANITIZATION TESTS
// =============================================================================

func TestSanitize_MasksSecretKeys(t *testing.T) {
	in := "invalid api key sk-abcdefghij0123456789XYZZ provided"
	out := Sanitize(in)
	assert.NotContains(t, out, "sk-abcdefghij0123456789XYZZ")
	assert.Contains(t, out, "sk-****")

	// OpenRouter-style keys match too (the charset includes '-').
	in = "bad key: sk-or-v1-0123456789abcdef0123456789abcdef"
	out = Sanitize(in)
	assert.NotContains(t, out, "sk-or-v1")
	assert.Contains(t, out, "sk-****")
}

func TestSanitize_ShortPrefixesUntouched(t *testing.T) {
	// Under 20 trailing characters is not key-like.
	in := "sk-short is fine"
	assert.Equal(t, in, Sanitize(in))
}

// TestClassify_SanitizesBeforeClassifying verifies no secret survives into
// either the detail or the user message.
func TestClassify_SanitizesBeforeClassifying(t *testing.T) {
	err := errors.New("401 unauthorized: sk-abcdefghij0123456789XYZZ is not valid")
	got := Classify(err)
	assert.Equal(t, KindUnauthorized, got.Kind)
	assert.NotContains(t, got.Detail, "sk-abcdefghij0123456789XYZZ")
	assert.NotContains(t, got.UserMessage, "sk-")
}

// =============================================================================
// TYPED ERROR TESTS
// =============================================================================

func TestWrap(t *testing.T) {
	raw := errors.New("429 too many requests")
	err := Wrap(raw)
	require.NotNil(t, err)
	assert.Equal(t, KindRateLimited, err.Kind)
	assert.Equal(t, KindRateLimited.UserMessage(), err.Error())
	assert.ErrorIs(t, err, raw)
	assert.True(t, errors.Is(err, &Error{Kind: KindRateLimited}))

	assert.Nil(t, Wrap(nil))
}

func TestWrap_ErrorNeverLeaksRawText(t *testing.T) {
	raw := errors.New("secret internal state: sk-abcdefghij0123456789XYZZ")
	err := Wrap(raw)
	require.NotNil(t, err)
	assert.NotContains(t, err.Error(), "secret internal state")
	assert.NotContains(t, err.Detail, "sk-abcdefghij0123456789XYZZ")
}
