// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package secrets

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	salt, err := GenerateSalt()
	require.NoError(t, err)
	m, err := NewManager("test-master-password", salt)
	require.NoError(t, err)
	return m
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	m := newTestManager(t)

	secret := "sk-or-v1-0123456789abcdef0123456789abcdef"
	blob, err := m.Encrypt(secret)
	require.NoError(t, err)

	assert.True(t, IsEncrypted(blob))
	assert.True(t, strings.HasPrefix(blob, EncryptedPrefix))
	// The ciphertext must not contain the plaintext.
	assert.NotContains(t, blob, secret)

	got, err := m.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, secret, got)
}

func TestEncrypt_NonceUnique(t *testing.T) {
	m := newTestManager(t)

	a, err := m.Encrypt("same input")
	require.NoError(t, err)
	b, err := m.Encrypt("same input")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "two encryptions of the same value must differ")
}

func TestDecrypt_WrongKeyFails(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)

	m1, err := NewManager("password-one", salt)
	require.NoError(t, err)
	m2, err := NewManager("password-two", salt)
	require.NoError(t, err)

	blob, err := m1.Encrypt("secret")
	require.NoError(t, err)

	_, err = m2.Decrypt(blob)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecrypt_RejectsMalformedInput(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Decrypt("not encrypted at all")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = m.Decrypt(EncryptedPrefix + "!!!not-base64!!!")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = m.Decrypt(EncryptedPrefix + "AAAA")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestDecrypt_TamperedCiphertextFails(t *testing.T) {
	m := newTestManager(t)

	blob, err := m.Encrypt("secret")
	require.NoError(t, err)

	// Flip a character in the base64 payload.
	raw := []rune(blob)
	last := len(raw) - 5
	if raw[last] == 'A' {
		raw[last] = 'B'
	} else {
		raw[last] = 'A'
	}

	_, err = m.Decrypt(string(raw))
	assert.Error(t, err)
}

func TestNewManager_Validation(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)

	_, err = NewManager("", salt)
	assert.Error(t, err)

	_, err = NewManager("pw", []byte("short"))
	assert.Error(t, err)
}

func TestLoadOrCreateSalt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "salt")

	first, err := LoadOrCreateSalt(path)
	require.NoError(t, err)
	require.Len(t, first, SaltSize)

	second, err := LoadOrCreateSalt(path)
	require.NoError(t, err)
	assert.Equal(t, first, second, "salt must be stable across loads")
}

func TestZeroBytes(t *testing.T) {
	b := []byte{1, 2, 3}
	ZeroBytes(b)
	assert.Equal(t, []byte{0, 0, 0}, b)
}
