// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gateway

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/jeranaias/modelgate/internal/provider"
	"github.com/jeranaias/modelgate/internal/store"
)

// MessageStore is the slice of the persistence layer the orchestrator and
// lifecycle write to.
type MessageStore interface {
	GetChat(ctx context.Context, id, ownerID string) (*store.Chat, error)
	TouchChat(ctx context.Context, id string) error
	InsertMessage(ctx context.Context, m *store.Message) (string, error)
	UpdateMessage(ctx context.Context, id, content string, status store.MessageStatus, meta map[string]any) error
	DeleteMessage(ctx context.Context, id string) error
	LatestMessageByRole(ctx context.Context, chatID string, role provider.Role) (*store.Message, error)
}

// lifecycleState tracks the placeholder through its one-way transitions.
type lifecycleState int

const (
	stateNoPlaceholder lifecycleState = iota
	statePlaceholderCreated
	stateFinalized
	stateRolledBack
)

// lifecycle manages the assistant message placeholder for one stream.
// The placeholder is created before the first provider byte and then either
// finalized once (content written) or rolled back once (row deleted), never
// both and never twice. Persistence failures are logged and swallowed so a
// write problem never corrupts an otherwise healthy stream.
type lifecycle struct {
	store  MessageStore
	log    zerolog.Logger
	chatID string

	placeholderID string
	state         lifecycleState
}

// newLifecycle returns a lifecycle for the chat, or a no-op lifecycle when
// chatID is empty (transient request, nothing persisted).
func newLifecycle(ms MessageStore, log zerolog.Logger, chatID string) *lifecycle {
	return &lifecycle{store: ms, log: log, chatID: chatID}
}

// CreatePlaceholder inserts the empty assistant row. On failure the stream
// continues without persistence.
func (l *lifecycle) CreatePlaceholder(ctx context.Context) {
	if l.chatID == "" || l.state != stateNoPlaceholder {
		return
	}

	id, err := l.store.InsertMessage(ctx, &store.Message{
		ChatID:  l.chatID,
		Role:    provider.RoleAssistant,
		Content: "",
		Status:  store.StatusPending,
	})
	if err != nil {
		l.log.Error().Err(err).Str("chat_id", l.chatID).Msg("failed to create placeholder message")
		return
	}

	l.placeholderID = id
	l.state = statePlaceholderCreated
}

// Finalize writes the accumulated content and metadata into the placeholder
// and bumps the chat. Safe to call regardless of state; only the first
// transition out of PlaceholderCreated does anything.
func (l *lifecycle) Finalize(ctx context.Context, content string, meta map[string]any) {
	if l.state != statePlaceholderCreated {
		return
	}
	l.state = stateFinalized

	if err := l.store.UpdateMessage(ctx, l.placeholderID, content, store.StatusComplete, meta); err != nil {
		l.log.Error().Err(err).Str("chat_id", l.chatID).Msg("failed to finalize message")
		return
	}
	if err := l.store.TouchChat(ctx, l.chatID); err != nil {
		l.log.Error().Err(err).Str("chat_id", l.chatID).Msg("failed to bump chat timestamp")
	}
}

// Rollback deletes the placeholder so an empty stream leaves no trace.
func (l *lifecycle) Rollback(ctx context.Context) {
	if l.state != statePlaceholderCreated {
		return
	}
	l.state = stateRolledBack

	if err := l.store.DeleteMessage(ctx, l.placeholderID); err != nil {
		l.log.Error().Err(err).Str("chat_id", l.chatID).Msg("failed to roll back placeholder message")
	}
}
