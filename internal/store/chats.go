// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/modelgate/internal/provider"
)

// =============================================================================
// CHATS
// =============================================================================

// Chat is a conversation owned by a single caller.
type Chat struct {
	ID        string
	OwnerID   string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateChat inserts a new chat and returns it with its generated ID.
func (s *Store) CreateChat(ctx context.Context, ownerID, title string) (*Chat, error) {
	now := time.Now()
	chat := &Chat{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (id, owner_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		chat.ID, chat.OwnerID, chat.Title, now.Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to insert chat: %w", err)
	}
	return chat, nil
}

// GetChat fetches a chat by ID, scoped to its owner.
func (s *Store) GetChat(ctx context.Context, id, ownerID string) (*Chat, error) {
	var chat Chat
	var created, updated int64
	var title sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, created_at, updated_at
		FROM chats WHERE id = ? AND owner_id = ?`,
		id, ownerID).Scan(&chat.ID, &chat.OwnerID, &title, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query chat: %w", err)
	}

	chat.Title = title.String
	chat.CreatedAt = time.Unix(created, 0)
	chat.UpdatedAt = time.Unix(updated, 0)
	return &chat, nil
}

// TouchChat bumps a chat's updated_at timestamp.
func (s *Store) TouchChat(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chats SET updated_at = ? WHERE id = ?`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to touch chat: %w", err)
	}
	return nil
}

// ListChats returns an owner's chats, most recently updated first.
func (s *Store) ListChats(ctx context.Context, ownerID string) ([]*Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, title, created_at, updated_at
		FROM chats WHERE owner_id = ? ORDER BY updated_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	var chats []*Chat
	for rows.Next() {
		var chat Chat
		var created, updated int64
		var title sql.NullString
		if err := rows.Scan(&chat.ID, &chat.OwnerID, &title, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		chat.Title = title.String
		chat.CreatedAt = time.Unix(created, 0)
		chat.UpdatedAt = time.Unix(updated, 0)
		chats = append(chats, &chat)
	}
	return chats, rows.Err()
}

// DeleteChat removes a chat and, via cascade, its messages.
func (s *Store) DeleteChat(ctx context.Context, id, ownerID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM chats WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// =============================================================================
// MESSAGES
// =============================================================================

// MessageStatus tracks a message through the streaming lifecycle.
type MessageStatus string

const (
	// StatusPending marks an assistant placeholder awaiting stream outcome.
	StatusPending MessageStatus = "pending"
	// StatusComplete marks a finalized message.
	StatusComplete MessageStatus = "complete"
)

// Message is one turn of a chat.
type Message struct {
	ID        string
	ChatID    string
	Role      provider.Role
	Content   string
	Status    MessageStatus
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// InsertMessage appends a message to a chat and returns its generated ID.
func (s *Store) InsertMessage(ctx context.Context, m *Message) (string, error) {
	if m.Status == "" {
		m.Status = StatusComplete
	}

	metadata, err := marshalMetadata(m.Metadata)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	now := time.Now()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, role, content, status, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, m.ChatID, string(m.Role), m.Content, string(m.Status), metadata,
		now.UnixNano(), now.UnixNano())
	if err != nil {
		return "", fmt.Errorf("failed to insert message: %w", err)
	}
	return id, nil
}

// UpdateMessage rewrites a message's content, status and metadata.
func (s *Store) UpdateMessage(ctx context.Context, id, content string, status MessageStatus, meta map[string]any) error {
	metadata, err := marshalMetadata(meta)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET content = ?, status = ?, metadata = ?, updated_at = ?
		WHERE id = ?`,
		content, string(status), metadata, time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMessage removes a message by ID.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMessages returns a chat's messages in insertion order.
func (s *Store) ListMessages(ctx context.Context, chatID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, role, content, status, metadata, created_at, updated_at
		FROM messages WHERE chat_id = ? ORDER BY created_at`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// LatestMessageByRole returns the most recent message of the given role in
// a chat, or ErrNotFound when the chat has none.
func (s *Store) LatestMessageByRole(ctx context.Context, chatID string, role provider.Role) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, chat_id, role, content, status, metadata, created_at, updated_at
		FROM messages WHERE chat_id = ? AND role = ?
		ORDER BY created_at DESC LIMIT 1`, chatID, string(role))
	return scanMessage(row)
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var role, status string
	var metadata sql.NullString
	var created, updated int64

	err := row.Scan(&m.ID, &m.ChatID, &role, &m.Content, &status, &metadata, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}

	m.Role = provider.Role(role)
	m.Status = MessageStatus(status)
	m.CreatedAt = time.Unix(0, created)
	m.UpdatedAt = time.Unix(0, updated)

	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &m.Metadata); err != nil {
			return nil, fmt.Errorf("failed to parse message metadata: %w", err)
		}
	}
	return &m, nil
}

func marshalMetadata(meta map[string]any) (sql.NullString, error) {
	if len(meta) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
