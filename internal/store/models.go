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

// ModelConfig is a stored model configuration. Settings holds optional
// sampling overrides applied to every request through this model.
type ModelConfig struct {
	ID              string
	OwnerID         string
	Provider        provider.Provider
	ProviderModelID string
	BaseURL         string
	CredentialID    string
	Settings        *provider.Settings
	Active          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CreateModelConfig inserts a new model configuration and returns it with
// its generated ID.
func (s *Store) CreateModelConfig(ctx context.Context, mc *ModelConfig) (*ModelConfig, error) {
	if !mc.Provider.Valid() {
		return nil, fmt.Errorf("invalid provider %q", mc.Provider)
	}
	if mc.Settings != nil {
		if err := mc.Settings.Validate(); err != nil {
			return nil, err
		}
	}

	settings, err := marshalSettings(mc.Settings)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	out := *mc
	out.ID = uuid.NewString()
	out.CreatedAt = now
	out.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO models (id, owner_id, provider, provider_model_id, base_url,
			credential_id, settings, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ID, out.OwnerID, string(out.Provider), out.ProviderModelID,
		nullable(out.BaseURL), nullable(out.CredentialID), settings,
		boolInt(out.Active), now.Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to insert model config: %w", err)
	}
	return &out, nil
}

// GetModelConfig fetches a model configuration by ID, scoped to its owner.
func (s *Store) GetModelConfig(ctx context.Context, id, ownerID string) (*ModelConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, provider, provider_model_id, base_url,
			credential_id, settings, active, created_at, updated_at
		FROM models WHERE id = ? AND owner_id = ?`, id, ownerID)
	return scanModelConfig(row)
}

// ListModelConfigs returns all model configurations owned by ownerID.
func (s *Store) ListModelConfigs(ctx context.Context, ownerID string) ([]*ModelConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, provider, provider_model_id, base_url,
			credential_id, settings, active, created_at, updated_at
		FROM models WHERE owner_id = ? ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list model configs: %w", err)
	}
	defer rows.Close()

	var configs []*ModelConfig
	for rows.Next() {
		mc, err := scanModelConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, mc)
	}
	return configs, rows.Err()
}

// SetActiveModel marks one model active and deactivates the owner's others
// in a single transaction.
func (s *Store) SetActiveModel(ctx context.Context, id, ownerID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()

	res, err := tx.ExecContext(ctx,
		`UPDATE models SET active = 1, updated_at = ? WHERE id = ? AND owner_id = ?`,
		now, id, ownerID)
	if err != nil {
		return fmt.Errorf("failed to activate model: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE models SET active = 0, updated_at = ? WHERE owner_id = ? AND id != ? AND active = 1`,
		now, ownerID, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate models: %w", err)
	}

	return tx.Commit()
}

// GetActiveModel returns the owner's active model configuration, if any.
func (s *Store) GetActiveModel(ctx context.Context, ownerID string) (*ModelConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, provider, provider_model_id, base_url,
			credential_id, settings, active, created_at, updated_at
		FROM models WHERE owner_id = ? AND active = 1`, ownerID)
	return scanModelConfig(row)
}

// DeleteModelConfig removes a model configuration, scoped to its owner.
func (s *Store) DeleteModelConfig(ctx context.Context, id, ownerID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM models WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete model config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// =============================================================================
// SCAN HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModelConfig(row rowScanner) (*ModelConfig, error) {
	var mc ModelConfig
	var prov string
	var baseURL, credentialID, settings sql.NullString
	var active int
	var created, updated int64

	err := row.Scan(&mc.ID, &mc.OwnerID, &prov, &mc.ProviderModelID,
		&baseURL, &credentialID, &settings, &active, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan model config: %w", err)
	}

	mc.Provider = provider.Provider(prov)
	mc.BaseURL = baseURL.String
	mc.CredentialID = credentialID.String
	mc.Active = active != 0
	mc.CreatedAt = time.Unix(created, 0)
	mc.UpdatedAt = time.Unix(updated, 0)

	if settings.Valid && settings.String != "" {
		var st provider.Settings
		if err := json.Unmarshal([]byte(settings.String), &st); err != nil {
			return nil, fmt.Errorf("failed to parse stored settings: %w", err)
		}
		mc.Settings = &st
	}
	return &mc, nil
}

func marshalSettings(st *provider.Settings) (sql.NullString, error) {
	if st == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(st)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal settings: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
