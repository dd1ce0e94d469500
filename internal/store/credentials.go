// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/modelgate/internal/provider"
)

// Credential is an encrypted provider API key. Ciphertext is the AES-GCM
// envelope produced by the secrets manager; the store never sees plaintext.
type Credential struct {
	ID         string
	OwnerID    string
	Provider   provider.Provider
	Ciphertext string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// UpsertCredential stores the ciphertext for an owner/provider pair,
// replacing any previous value. Returns the credential ID.
func (s *Store) UpsertCredential(ctx context.Context, ownerID string, p provider.Provider, ciphertext string) (string, error) {
	now := time.Now().Unix()
	id := uuid.NewString()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (id, owner_id, provider, ciphertext, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, provider) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			updated_at = excluded.updated_at`,
		id, ownerID, string(p), ciphertext, now, now)
	if err != nil {
		return "", fmt.Errorf("failed to upsert credential: %w", err)
	}

	// The upsert may have kept the existing row's id.
	var actual string
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM credentials WHERE owner_id = ? AND provider = ?`,
		ownerID, string(p)).Scan(&actual)
	if err != nil {
		return "", fmt.Errorf("failed to read credential id: %w", err)
	}
	return actual, nil
}

// GetCredential fetches a credential by ID, scoped to its owner.
func (s *Store) GetCredential(ctx context.Context, id, ownerID string) (*Credential, error) {
	var c Credential
	var prov string
	var created, updated int64

	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, provider, ciphertext, created_at, updated_at
		FROM credentials WHERE id = ? AND owner_id = ?`,
		id, ownerID).Scan(&c.ID, &c.OwnerID, &prov, &c.Ciphertext, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query credential: %w", err)
	}

	c.Provider = provider.Provider(prov)
	c.CreatedAt = time.Unix(created, 0)
	c.UpdatedAt = time.Unix(updated, 0)
	return &c, nil
}

// ListCredentialProviders returns the providers an owner has credentials
// for. Ciphertext is deliberately not included.
func (s *Store) ListCredentialProviders(ctx context.Context, ownerID string) ([]provider.Provider, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider FROM credentials WHERE owner_id = ? ORDER BY provider`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var providers []provider.Provider
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		providers = append(providers, provider.Provider(p))
	}
	return providers, rows.Err()
}

// DeleteCredential removes a credential, scoped to its owner.
func (s *Store) DeleteCredential(ctx context.Context, id, ownerID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
