// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package errclass normalizes provider failures into a fixed error taxonomy.
//
// Every error that crosses the gateway boundary is classified into one of a
// small set of kinds with a pre-written, human-readable message. Raw provider
// text, stack traces, and credentials never reach the caller; the sanitized
// detail is kept for server-side logging only.
package errclass

import (
	"regexp"
	"strings"
)

// =============================================================================
// KINDS
// =============================================================================

// Kind identifies one entry of the error taxonomy.
type Kind string

const (
	KindRateLimited        Kind = "rate_limited"
	KindUnauthorized       Kind = "unauthorized"
	KindModelNotFound      Kind = "model_not_found"
	KindContextExceeded    Kind = "context_exceeded"
	KindContentPolicy      Kind = "content_policy"
	KindInvalidRequest     Kind = "invalid_request"
	KindNetworkError       Kind = "network_error"
	KindServiceUnavailable Kind = "service_unavailable"
	KindPaymentRequired    Kind = "payment_required"
	KindUnknown            Kind = "unknown"
)

// userMessages holds the fixed caller-facing string for each kind.
// These are the only error strings the gateway ever surfaces.
var userMessages = map[Kind]string{
	KindRateLimited:        "Rate limit exceeded. Please wait a moment and try again.",
	KindUnauthorized:       "Authentication with the provider failed. Check the API key configured for this model.",
	KindModelNotFound:      "The requested model was not found. Verify the model identifier.",
	KindContextExceeded:    "The conversation is too long for this model's context window. Start a new chat or shorten the input.",
	KindContentPolicy:      "The request was blocked by the provider's content policy.",
	KindInvalidRequest:     "The provider rejected the request as invalid.",
	KindNetworkError:       "Could not reach the provider. Check your network connection and try again.",
	KindServiceUnavailable: "The provider is temporarily unavailable. Try again shortly.",
	KindPaymentRequired:    "The provider account has a billing problem. Check your plan and payment details.",
	KindUnknown:            "An unexpected error occurred while contacting the provider.",
}

// UserMessage returns the fixed caller-facing string for the kind.
func (k Kind) UserMessage() string {
	if msg, ok := userMessages[k]; ok {
		return msg
	}
	return userMessages[KindUnknown]
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

// Classification is the result of classifying a raw failure.
type Classification struct {
	// Kind is the taxonomy entry the failure mapped to.
	Kind Kind

	// UserMessage is the fixed, human-readable string for Kind. Safe to
	// return to callers.
	UserMessage string

	// Detail is the sanitized raw message. It is intended for server-side
	// logs only and must never be sent to the caller verbatim for any kind
	// other than via explicit operator tooling.
	Detail string
}

// rule is one ordered (keywords, kind) pair. The first rule whose keywords
// match wins, so position in the rules slice is part of the contract:
// overlapping phrases ("invalid" appears in both Unauthorized and
// InvalidRequest wording) are resolved by declared order.
type rule struct {
	kind     Kind
	keywords []string
}

// rules is evaluated top to bottom against the lowercased, sanitized message.
var rules = []rule{
	{KindRateLimited, []string{"rate limit", "429", "quota", "too many requests"}},
	{KindUnauthorized, []string{"api key", "unauthorized", "401", "403", "invalid api key"}},
	{KindModelNotFound, []string{"model not found", "invalid model", "404"}},
	{KindContextExceeded, []string{"context", "tokens", "too long", "exceeds maximum length"}},
	{KindContentPolicy, []string{"content policy", "safety", "moderation"}},
	{KindInvalidRequest, []string{"invalid", "validation", "malformed", "400"}},
	{KindNetworkError, []string{"network", "connection", "econnrefused", "timeout", "dns"}},
	{KindServiceUnavailable, []string{"503", "maintenance", "overloaded"}},
	{KindPaymentRequired, []string{"payment", "billing", "402", "quota exceeded"}},
}

// secretKeyPattern matches secret-key-like substrings (OpenAI-style sk- keys,
// OpenRouter sk-or- keys, and similar).
var secretKeyPattern = regexp.MustCompile(`sk-[A-Za-z0-9-]{20,}`)

// Sanitize masks secret-key-like substrings in a message. Sanitization runs
// before classification and before any logging or surfacing.
func Sanitize(msg string) string {
	return secretKeyPattern.ReplaceAllString(msg, "sk-****")
}

// Classify maps a raw failure into the taxonomy. It is total: every input
// maps to exactly one kind, with unmatched inputs mapping to KindUnknown.
func Classify(err error) Classification {
	if err == nil {
		return Classification{
			Kind:        KindUnknown,
			UserMessage: KindUnknown.UserMessage(),
		}
	}
	return ClassifyMessage(err.Error())
}

// ClassifyMessage classifies a raw error string.
func ClassifyMessage(msg string) Classification {
	sanitized := Sanitize(msg)
	lower := strings.ToLower(sanitized)

	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				return Classification{
					Kind:        r.kind,
					UserMessage: r.kind.UserMessage(),
					Detail:      sanitized,
				}
			}
		}
	}

	// No rule matched: the sanitized message passes through as detail while
	// the caller sees the generic unknown message.
	return Classification{
		Kind:        KindUnknown,
		UserMessage: KindUnknown.UserMessage(),
		Detail:      sanitized,
	}
}

// =============================================================================
// TYPED ERROR
// =============================================================================

// Error is a classified failure, suitable for re-raising to callers of
// request/response operations. The message it exposes is the fixed taxonomy
// string, never the raw provider text.
type Error struct {
	Kind   Kind
	Detail string // sanitized, for logs
	cause  error
}

// Wrap classifies err and returns a typed *Error carrying the original as its
// cause. Returns nil when err is nil.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	c := Classify(err)
	return &Error{Kind: c.Kind, Detail: c.Detail, cause: err}
}

// Error implements the error interface using the fixed user message.
func (e *Error) Error() string {
	return e.Kind.UserMessage()
}

// Unwrap returns the original failure.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target is an *Error with the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}
