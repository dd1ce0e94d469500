// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gateway orchestrates completions: it resolves stored model
// configurations, drives the provider adapters, ties chat persistence to
// the stream outcome, and classifies provider failures.
package gateway

import (
	"github.com/jeranaias/modelgate/internal/errclass"
	"github.com/jeranaias/modelgate/internal/provider"
)

// Event is one element of a completion stream. The union is sealed: only
// TextDelta, Finish and ErrorEvent implement it. A stream carries zero or
// more TextDelta events followed by exactly one terminal event (Finish or
// ErrorEvent); nothing follows the terminal event.
type Event interface {
	// Type returns the wire name of the event.
	Type() string

	streamEvent()
}

// TextDelta carries one incremental chunk of model output.
type TextDelta struct {
	Text string `json:"text"`
}

func (TextDelta) Type() string { return "text-delta" }
func (TextDelta) streamEvent() {}

// Finish terminates a successful stream.
type Finish struct {
	FinishReason string          `json:"finishReason,omitempty"`
	Usage        *provider.Usage `json:"usage,omitempty"`
}

func (Finish) Type() string { return "finish" }
func (Finish) streamEvent() {}

// ErrorEvent terminates a failed stream. Message is always one of the
// classifier's fixed strings, never raw provider output.
type ErrorEvent struct {
	Code    errclass.Kind `json:"code"`
	Message string        `json:"message"`
}

func (ErrorEvent) Type() string { return "error" }
func (ErrorEvent) streamEvent() {}
