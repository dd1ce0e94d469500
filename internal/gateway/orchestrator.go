// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jeranaias/modelgate/internal/errclass"
	"github.com/jeranaias/modelgate/internal/provider"
	"github.com/jeranaias/modelgate/internal/store"
)

// ErrChatNotFound is returned when the request names a chat the caller does
// not own.
var ErrChatNotFound = errors.New("chat not found")

// eventBufferSize is the capacity of per-stream event channels.
const eventBufferSize = 64

// Request describes one completion. ChatID is optional: when set, the chat
// must belong to OwnerID and the turn is persisted; when empty the request
// is transient. Settings are per-request overrides on top of the model
// configuration's stored settings.
type Request struct {
	OwnerID  string
	ChatID   string
	ModelID  string
	Messages []provider.Message
	Settings *provider.Settings
}

// Orchestrator wires resolution, provider invocation and persistence into
// the two completion entry points.
type Orchestrator struct {
	resolver *Resolver
	builder  provider.Builder
	messages MessageStore
	log      zerolog.Logger
}

// New creates an orchestrator.
func New(resolver *Resolver, builder provider.Builder, messages MessageStore, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		resolver: resolver,
		builder:  builder,
		messages: messages,
		log:      log,
	}
}

// prepare resolves the model, builds the provider handle, checks chat
// ownership, and merges settings. Shared by Complete and Stream.
func (o *Orchestrator) prepare(ctx context.Context, req Request) (provider.ModelHandle, provider.Settings, string, error) {
	if req.Settings != nil {
		if err := req.Settings.Validate(); err != nil {
			return nil, provider.Settings{}, "", err
		}
	}

	resolved, err := o.resolver.Resolve(ctx, req.ModelID, req.OwnerID)
	if err != nil {
		return nil, provider.Settings{}, "", err
	}

	handle, err := o.builder.Build(resolved.Config)
	if err != nil {
		return nil, provider.Settings{}, "", err
	}

	var settings provider.Settings
	if resolved.Settings != nil {
		settings = *resolved.Settings
	}
	if req.Settings != nil {
		settings = settings.Merge(*req.Settings)
	}

	if req.ChatID != "" {
		if _, err := o.messages.GetChat(ctx, req.ChatID, req.OwnerID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, provider.Settings{}, "", ErrChatNotFound
			}
			return nil, provider.Settings{}, "", fmt.Errorf("failed to load chat: %w", err)
		}
	}

	return handle, settings, resolved.Config.Model, nil
}

// recordUserTurn persists the trailing user message of the request unless
// the chat's most recent user message already has identical content. Only
// the latest message of the same role is compared; retries after a failed
// stream therefore do not duplicate the user turn.
func (o *Orchestrator) recordUserTurn(ctx context.Context, req Request) {
	if req.ChatID == "" || len(req.Messages) == 0 {
		return
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != provider.RoleUser {
		return
	}

	latest, err := o.messages.LatestMessageByRole(ctx, req.ChatID, provider.RoleUser)
	if err == nil && latest.Content == last.Content {
		return
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		o.log.Error().Err(err).Str("chat_id", req.ChatID).Msg("failed to check latest user message")
		return
	}

	if _, err := o.messages.InsertMessage(ctx, &store.Message{
		ChatID:  req.ChatID,
		Role:    provider.RoleUser,
		Content: last.Content,
	}); err != nil {
		o.log.Error().Err(err).Str("chat_id", req.ChatID).Msg("failed to persist user message")
	}
}

// completionMetadata is the metadata blob stored on assistant messages.
func completionMetadata(model, finishReason string, usage *provider.Usage) map[string]any {
	meta := map[string]any{"model": model}
	if finishReason != "" {
		meta["finishReason"] = finishReason
	}
	if usage != nil {
		meta["tokens"] = usage.TotalTokens
	}
	return meta
}

// =============================================================================
// COMPLETE
// =============================================================================

// Complete performs a batch completion. When the request names a chat, the
// user turn and the assistant reply are appended to it. Provider failures
// come back as *errclass.Error carrying a fixed user-facing message.
func (o *Orchestrator) Complete(ctx context.Context, req Request) (*provider.Completion, error) {
	handle, settings, model, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	o.recordUserTurn(ctx, req)

	out, err := handle.Generate(ctx, req.Messages, settings)
	if err != nil {
		wrapped := errclass.Wrap(err)
		o.log.Warn().
			Str("model", model).
			Str("kind", string(wrapped.Kind)).
			Str("detail", wrapped.Detail).
			Msg("completion failed")
		return nil, wrapped
	}

	if req.ChatID != "" {
		persistCtx := context.WithoutCancel(ctx)
		if _, err := o.messages.InsertMessage(persistCtx, &store.Message{
			ChatID:   req.ChatID,
			Role:     provider.RoleAssistant,
			Content:  out.Text,
			Metadata: completionMetadata(model, out.FinishReason, &out.Usage),
		}); err != nil {
			o.log.Error().Err(err).Str("chat_id", req.ChatID).Msg("failed to persist assistant message")
		} else if err := o.messages.TouchChat(persistCtx, req.ChatID); err != nil {
			o.log.Error().Err(err).Str("chat_id", req.ChatID).Msg("failed to bump chat timestamp")
		}
	}

	return out, nil
}

// =============================================================================
// STREAM
// =============================================================================

// Stream performs a streaming completion. Setup failures (unknown model,
// missing credential, unowned chat) are returned synchronously; once the
// channel is live every failure, including cancellation, arrives as a
// single terminal ErrorEvent.
//
// When the request names a chat, an empty assistant placeholder is created
// before the provider is contacted. A stream that produced text finalizes
// the placeholder, even on mid-stream failure; a stream that produced
// nothing rolls it back.
func (o *Orchestrator) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	handle, settings, model, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	o.recordUserTurn(ctx, req)

	lc := newLifecycle(o.messages, o.log, req.ChatID)
	lc.CreatePlaceholder(ctx)

	events := make(chan Event, eventBufferSize)
	go func() {
		defer close(events)

		// Persistence must survive consumer cancellation: the decision to
		// finalize or roll back is made after the stream ends.
		persistCtx := context.WithoutCancel(ctx)

		chunks, err := handle.Stream(ctx, req.Messages, settings)
		if err != nil {
			sendTerminal(ctx, events, o.failStream(persistCtx, lc, model, err, ""))
			return
		}

		var acc strings.Builder
		for chunk := range chunks {
			switch {
			case chunk.Err != nil:
				sendTerminal(ctx, events, o.failStream(persistCtx, lc, model, chunk.Err, acc.String()))
				return

			case chunk.Done:
				lc.Finalize(persistCtx, acc.String(),
					completionMetadata(model, chunk.FinishReason, chunk.Usage))
				sendTerminal(ctx, events, Finish{FinishReason: chunk.FinishReason, Usage: chunk.Usage})
				return

			default:
				acc.WriteString(chunk.Text)
				select {
				case events <- TextDelta{Text: chunk.Text}:
				case <-ctx.Done():
					sendTerminal(ctx, events, o.failStream(persistCtx, lc, model, ctx.Err(), acc.String()))
					return
				}
			}
		}

		// Provider closed the channel without a terminal chunk. Treat as an
		// abnormal end so the caller still gets exactly one terminal event.
		sendTerminal(ctx, events, o.failStream(persistCtx, lc, model, errors.New("stream ended unexpectedly"), acc.String()))
	}()

	return events, nil
}

// sendTerminal delivers the terminal event without blocking forever on a
// consumer that cancelled and walked away with a full buffer. The placeholder
// has already been settled by the time this runs, so dropping the event for a
// departed consumer loses nothing.
func sendTerminal(ctx context.Context, events chan<- Event, ev Event) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

// failStream classifies the failure, settles the placeholder (rollback when
// nothing accumulated, finalize-partial otherwise) and returns the terminal
// event.
func (o *Orchestrator) failStream(ctx context.Context, lc *lifecycle, model string, err error, partial string) ErrorEvent {
	cls := errclass.Classify(err)
	o.log.Warn().
		Str("model", model).
		Str("kind", string(cls.Kind)).
		Str("detail", cls.Detail).
		Msg("stream failed")

	if partial == "" {
		lc.Rollback(ctx)
	} else {
		lc.Finalize(ctx, partial, completionMetadata(model, "", nil))
	}

	return ErrorEvent{Code: cls.Kind, Message: cls.UserMessage}
}
