// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the HTTP API for the completion gateway.
//
// # Endpoints
//
//   - POST /v1/complete             - Single-response completion
//   - POST /v1/stream               - Streaming completion (SSE)
//   - GET  /v1/models               - List model configurations
//   - POST /v1/models               - Create a model configuration
//   - DELETE /v1/models/{id}        - Delete a model configuration
//   - POST /v1/models/{id}/activate - Mark a model configuration active
//   - POST /v1/credentials          - Store an encrypted provider credential
//   - POST /v1/chats                - Create a chat
//   - GET  /v1/chats                - List chats
//   - GET  /v1/chats/{id}/messages  - List a chat's messages
//   - GET  /health                  - Health check with request counters
//
// # Security Features
//
//   - Bearer token authentication with constant-time comparison
//   - Per-client token-bucket rate limiting
//   - Panic recovery with stack trace logging
//   - Credentials sealed before storage and never echoed back
//
// Caller identity arrives in the X-Owner-ID header, set by a trusted
// fronting proxy; every model, credential and chat operation is scoped to
// that owner.
package server
