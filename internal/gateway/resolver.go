// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeranaias/modelgate/internal/provider"
	"github.com/jeranaias/modelgate/internal/store"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrModelNotFound is returned when no model configuration exists for
	// the given ID under the caller's ownership.
	ErrModelNotFound = errors.New("model configuration not found")

	// ErrCredentialRequired is returned when a non-local provider has no
	// resolvable credential.
	ErrCredentialRequired = errors.New("provider requires a credential")

	// ErrCredentialDecrypt is returned when a stored credential exists but
	// cannot be decrypted.
	ErrCredentialDecrypt = errors.New("failed to decrypt credential")
)

// =============================================================================
// RESOLVER
// =============================================================================

// ConfigStore is the slice of the persistence layer the resolver reads.
type ConfigStore interface {
	GetModelConfig(ctx context.Context, id, ownerID string) (*store.ModelConfig, error)
	GetCredential(ctx context.Context, id, ownerID string) (*store.Credential, error)
}

// Decrypter recovers plaintext API keys from stored ciphertext.
type Decrypter interface {
	Decrypt(blob string) (string, error)
}

// ResolvedModel is everything the factory needs to build a provider handle,
// plus the configuration's default sampling settings.
type ResolvedModel struct {
	Config   provider.Config
	Settings *provider.Settings
}

// Resolver turns a model configuration ID into a ready-to-build model.
// It is read-only: resolution never mutates stored state.
type Resolver struct {
	store     ConfigStore
	decrypter Decrypter
}

// NewResolver creates a resolver over the given store and decrypter.
func NewResolver(cs ConfigStore, d Decrypter) *Resolver {
	return &Resolver{store: cs, decrypter: d}
}

// Resolve loads the model configuration, enforces ownership, and decrypts
// its credential when the provider requires one. The returned plaintext key
// lives only in the provider handle built from it; it is never logged.
func (r *Resolver) Resolve(ctx context.Context, modelID, ownerID string) (*ResolvedModel, error) {
	mc, err := r.store.GetModelConfig(ctx, modelID, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrModelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load model config: %w", err)
	}

	resolved := &ResolvedModel{
		Config: provider.Config{
			Provider: mc.Provider,
			Model:    mc.ProviderModelID,
			BaseURL:  mc.BaseURL,
		},
		Settings: mc.Settings,
	}

	if !mc.Provider.RequiresCredential() {
		return resolved, nil
	}

	if mc.CredentialID == "" {
		return nil, fmt.Errorf("%w: %s", ErrCredentialRequired, mc.Provider)
	}

	cred, err := r.store.GetCredential(ctx, mc.CredentialID, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCredentialRequired, mc.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	key, err := r.decrypter.Decrypt(cred.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredentialDecrypt, err)
	}
	resolved.Config.APIKey = key

	return resolved, nil
}
