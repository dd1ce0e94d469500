// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/modelgate/internal/errclass"
	"github.com/jeranaias/modelgate/internal/gateway"
	"github.com/jeranaias/modelgate/internal/provider"
	"github.com/jeranaias/modelgate/internal/store"
)

// Version is the service version reported by /health.
const Version = "0.1.0"

// ownerHeader carries the caller identity. Authentication itself (the
// bearer token) is a service-level gate; per-owner scoping of models,
// credentials and chats hangs off this header, set by a trusted proxy.
const ownerHeader = "X-Owner-ID"

// ============================================================================
// DEPENDENCY INTERFACES
// ============================================================================

// Completer is the orchestrator surface the server drives.
type Completer interface {
	Complete(ctx context.Context, req gateway.Request) (*provider.Completion, error)
	Stream(ctx context.Context, req gateway.Request) (<-chan gateway.Event, error)
}

// Registry is the persistence surface behind the CRUD endpoints.
type Registry interface {
	CreateModelConfig(ctx context.Context, mc *store.ModelConfig) (*store.ModelConfig, error)
	ListModelConfigs(ctx context.Context, ownerID string) ([]*store.ModelConfig, error)
	DeleteModelConfig(ctx context.Context, id, ownerID string) error
	SetActiveModel(ctx context.Context, id, ownerID string) error
	UpsertCredential(ctx context.Context, ownerID string, p provider.Provider, ciphertext string) (string, error)
	CreateChat(ctx context.Context, ownerID, title string) (*store.Chat, error)
	ListChats(ctx context.Context, ownerID string) ([]*store.Chat, error)
	ListMessages(ctx context.Context, chatID string) ([]*store.Message, error)
	GetChat(ctx context.Context, id, ownerID string) (*store.Chat, error)
	Ping() error
}

// Encrypter seals plaintext API keys before they reach the store.
type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}

// ============================================================================
// SERVER STATS
// ============================================================================

// ServerStats tracks request counters for /health.
type ServerStats struct {
	started     time.Time
	requests    atomic.Int64
	completions atomic.Int64
	streams     atomic.Int64
	errors      atomic.Int64
}

// NewServerStats creates stats anchored at now.
func NewServerStats() *ServerStats {
	return &ServerStats{started: time.Now()}
}

// Uptime returns how long the server has been running.
func (s *ServerStats) Uptime() time.Duration {
	return time.Since(s.started)
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the gateway's HTTP front end.
type Server struct {
	listen    string
	completer Completer
	registry  Registry
	encrypter Encrypter
	auth      *AuthConfig
	limiter   *RateLimiter
	log       zerolog.Logger
	stats     *ServerStats

	router *http.ServeMux
	server *http.Server
}

// NewServer creates a server bound to the given address.
func NewServer(listen string, completer Completer, registry Registry, log zerolog.Logger) *Server {
	s := &Server{
		listen:    listen,
		completer: completer,
		registry:  registry,
		log:       log,
		stats:     NewServerStats(),
		router:    http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

// WithAuth enables bearer token authentication.
func (s *Server) WithAuth(config *AuthConfig) *Server {
	s.auth = config
	return s
}

// WithRateLimiter enables per-client rate limiting.
func (s *Server) WithRateLimiter(limiter *RateLimiter) *Server {
	s.limiter = limiter
	return s
}

// WithEncrypter enables the credential endpoint.
func (s *Server) WithEncrypter(e Encrypter) *Server {
	s.encrypter = e
	return s
}

// Handler returns the fully assembled handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	handler := Chain(s.router,
		RecoveryMiddleware(s.log),
		LoggingMiddleware(s.log),
		RateLimitMiddleware(s.limiter, s.log),
	)
	if s.auth != nil && s.auth.Enabled {
		handler = AuthMiddleware(s.auth, s.log)(handler)
	}
	return handler
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("POST /v1/complete", s.handleComplete)
	s.router.HandleFunc("POST /v1/stream", s.handleStream)
	s.router.HandleFunc("GET /v1/models", s.handleListModels)
	s.router.HandleFunc("POST /v1/models", s.handleCreateModel)
	s.router.HandleFunc("DELETE /v1/models/{id}", s.handleDeleteModel)
	s.router.HandleFunc("POST /v1/models/{id}/activate", s.handleActivateModel)
	s.router.HandleFunc("POST /v1/credentials", s.handleCreateCredential)
	s.router.HandleFunc("POST /v1/chats", s.handleCreateChat)
	s.router.HandleFunc("GET /v1/chats", s.handleListChats)
	s.router.HandleFunc("GET /v1/chats/{id}/messages", s.handleListChatMessages)
	s.router.HandleFunc("GET /health", s.handleHealth)
}

// ============================================================================
// WIRE TYPES
// ============================================================================

// CompletionRequest is the request body shared by /v1/complete and
// /v1/stream.
type CompletionRequest struct {
	ModelID  string             `json:"model_id"`
	ChatID   string             `json:"chat_id,omitempty"`
	Messages []provider.Message `json:"messages"`
	Settings *provider.Settings `json:"settings,omitempty"`
}

// CompletionResponse is the /v1/complete response body.
type CompletionResponse struct {
	Text         string         `json:"text"`
	FinishReason string         `json:"finish_reason"`
	Usage        provider.Usage `json:"usage"`
}

// ModelRequest is the /v1/models request body.
type ModelRequest struct {
	Provider        provider.Provider  `json:"provider"`
	ProviderModelID string             `json:"provider_model_id"`
	BaseURL         string             `json:"base_url,omitempty"`
	CredentialID    string             `json:"credential_id,omitempty"`
	Settings        *provider.Settings `json:"settings,omitempty"`
}

// ModelResponse is a model configuration as returned by the API.
type ModelResponse struct {
	ID              string             `json:"id"`
	Provider        provider.Provider  `json:"provider"`
	ProviderModelID string             `json:"provider_model_id"`
	BaseURL         string             `json:"base_url,omitempty"`
	CredentialID    string             `json:"credential_id,omitempty"`
	Settings        *provider.Settings `json:"settings,omitempty"`
	Active          bool               `json:"active"`
}

// CredentialRequest is the /v1/credentials request body. The key arrives in
// plaintext over the (TLS-terminated) transport and is sealed before it is
// stored; it is never echoed back.
type CredentialRequest struct {
	Provider provider.Provider `json:"provider"`
	APIKey   string            `json:"api_key"`
}

// CredentialResponse acknowledges a stored credential without its key.
type CredentialResponse struct {
	ID       string            `json:"id"`
	Provider provider.Provider `json:"provider"`
}

// ============================================================================
// COMPLETION HANDLERS
// ============================================================================

func (s *Server) decodeCompletion(w http.ResponseWriter, r *http.Request) (gateway.Request, bool) {
	owner := r.Header.Get(ownerHeader)
	if owner == "" {
		s.writeError(w, http.StatusBadRequest, "missing "+ownerHeader+" header")
		return gateway.Request{}, false
	}

	var req CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return gateway.Request{}, false
	}
	if req.ModelID == "" {
		s.writeError(w, http.StatusBadRequest, "model_id is required")
		return gateway.Request{}, false
	}
	if len(req.Messages) == 0 {
		s.writeError(w, http.StatusBadRequest, "messages cannot be empty")
		return gateway.Request{}, false
	}
	for _, m := range req.Messages {
		switch m.Role {
		case provider.RoleSystem, provider.RoleUser, provider.RoleAssistant:
		default:
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid role %q", m.Role))
			return gateway.Request{}, false
		}
	}

	return gateway.Request{
		OwnerID:  owner,
		ChatID:   req.ChatID,
		ModelID:  req.ModelID,
		Messages: req.Messages,
		Settings: req.Settings,
	}, true
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.stats.requests.Add(1)

	req, ok := s.decodeCompletion(w, r)
	if !ok {
		return
	}

	out, err := s.completer.Complete(r.Context(), req)
	if err != nil {
		s.stats.errors.Add(1)
		s.writeGatewayError(w, err)
		return
	}

	s.stats.completions.Add(1)
	s.writeJSON(w, http.StatusOK, CompletionResponse{
		Text:         out.Text,
		FinishReason: out.FinishReason,
		Usage:        out.Usage,
	})
}

// handleStream serves the event stream as SSE. Each event goes out as
// data: {"type":"text-delta","text":...} etc.; the connection closes after
// the terminal event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.stats.requests.Add(1)

	req, ok := s.decodeCompletion(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, err := s.completer.Stream(r.Context(), req)
	if err != nil {
		s.stats.errors.Add(1)
		s.writeGatewayError(w, err)
		return
	}

	s.stats.streams.Add(1)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		payload, err := marshalEvent(ev)
		if err != nil {
			s.log.Error().Err(err).Msg("failed to marshal stream event")
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
}

// marshalEvent wraps an event with its type discriminator.
func marshalEvent(ev gateway.Event) ([]byte, error) {
	switch e := ev.(type) {
	case gateway.TextDelta:
		return json.Marshal(struct {
			Type string `json:"type"`
			gateway.TextDelta
		}{e.Type(), e})
	case gateway.Finish:
		return json.Marshal(struct {
			Type string `json:"type"`
			gateway.Finish
		}{e.Type(), e})
	case gateway.ErrorEvent:
		return json.Marshal(struct {
			Type string `json:"type"`
			gateway.ErrorEvent
		}{e.Type(), e})
	default:
		return nil, fmt.Errorf("unknown event type %T", ev)
	}
}

// ============================================================================
// MODEL AND CREDENTIAL HANDLERS
// ============================================================================

func (s *Server) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := r.Header.Get(ownerHeader)
	if owner == "" {
		s.writeError(w, http.StatusBadRequest, "missing "+ownerHeader+" header")
		return "", false
	}
	return owner, true
}

func modelResponse(mc *store.ModelConfig) ModelResponse {
	return ModelResponse{
		ID:              mc.ID,
		Provider:        mc.Provider,
		ProviderModelID: mc.ProviderModelID,
		BaseURL:         mc.BaseURL,
		CredentialID:    mc.CredentialID,
		Settings:        mc.Settings,
		Active:          mc.Active,
	}
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	configs, err := s.registry.ListModelConfigs(r.Context(), owner)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list models")
		return
	}

	out := make([]ModelResponse, 0, len(configs))
	for _, mc := range configs {
		out = append(out, modelResponse(mc))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"models": out})
}

func (s *Server) handleCreateModel(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	var req ModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Provider.Valid() {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid provider %q", req.Provider))
		return
	}
	if req.ProviderModelID == "" {
		s.writeError(w, http.StatusBadRequest, "provider_model_id is required")
		return
	}

	mc, err := s.registry.CreateModelConfig(r.Context(), &store.ModelConfig{
		OwnerID:         owner,
		Provider:        req.Provider,
		ProviderModelID: req.ProviderModelID,
		BaseURL:         req.BaseURL,
		CredentialID:    req.CredentialID,
		Settings:        req.Settings,
	})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, modelResponse(mc))
}

func (s *Server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	err := s.registry.DeleteModelConfig(r.Context(), r.PathValue("id"), owner)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "model not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to delete model")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivateModel(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	err := s.registry.SetActiveModel(r.Context(), r.PathValue("id"), owner)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "model not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to activate model")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	if s.encrypter == nil {
		s.writeError(w, http.StatusServiceUnavailable, "credential storage is not configured")
		return
	}

	var req CredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Provider.Valid() {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid provider %q", req.Provider))
		return
	}
	if req.APIKey == "" {
		s.writeError(w, http.StatusBadRequest, "api_key is required")
		return
	}

	ciphertext, err := s.encrypter.Encrypt(req.APIKey)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to seal credential")
		return
	}

	id, err := s.registry.UpsertCredential(r.Context(), owner, req.Provider, ciphertext)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to store credential")
		return
	}

	s.writeJSON(w, http.StatusCreated, CredentialResponse{ID: id, Provider: req.Provider})
}

// ============================================================================
// CHAT HANDLERS
// ============================================================================

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	chat, err := s.registry.CreateChat(r.Context(), owner, req.Title)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to create chat")
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"id":    chat.ID,
		"title": chat.Title,
	})
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	chats, err := s.registry.ListChats(r.Context(), owner)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list chats")
		return
	}

	out := make([]map[string]any, 0, len(chats))
	for _, c := range chats {
		out = append(out, map[string]any{
			"id":         c.ID,
			"title":      c.Title,
			"updated_at": c.UpdatedAt.Unix(),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"chats": out})
}

func (s *Server) handleListChatMessages(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	chatID := r.PathValue("id")
	if _, err := s.registry.GetChat(r.Context(), chatID, owner); err != nil {
		s.writeError(w, http.StatusNotFound, "chat not found")
		return
	}

	messages, err := s.registry.ListMessages(r.Context(), chatID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}

	out := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		out = append(out, map[string]any{
			"id":       m.ID,
			"role":     m.Role,
			"content":  m.Content,
			"status":   m.Status,
			"metadata": m.Metadata,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

// ============================================================================
// HEALTH
// ============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.registry.Ping(); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, map[string]any{
		"status":      status,
		"version":     Version,
		"uptime_secs": int64(s.stats.Uptime().Seconds()),
		"requests":    s.stats.requests.Load(),
		"completions": s.stats.completions.Load(),
		"streams":     s.stats.streams.Load(),
		"errors":      s.stats.errors.Load(),
	})
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start starts the HTTP server and blocks until shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.listen,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: SSE streams are long-lived and bounded by the
		// client, not the server.
		IdleTimeout: 120 * time.Second,
	}

	s.log.Info().Str("addr", s.listen).Str("version", Version).Msg("server starting")
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.log.Info().Msg("server shutting down")
	return s.server.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    status,
		},
	})
}

// writeGatewayError maps orchestrator failures onto HTTP statuses. The
// message is always a fixed taxonomy or validation string.
func (s *Server) writeGatewayError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gateway.ErrModelNotFound):
		s.writeError(w, http.StatusNotFound, "model not found")
	case errors.Is(err, gateway.ErrChatNotFound):
		s.writeError(w, http.StatusNotFound, "chat not found")
	case errors.Is(err, gateway.ErrCredentialRequired):
		s.writeError(w, http.StatusBadRequest, "this provider requires a credential")
	case errors.Is(err, gateway.ErrCredentialDecrypt):
		s.writeError(w, http.StatusInternalServerError, "stored credential could not be decrypted")
	case errors.Is(err, provider.ErrInvalidSettings):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		var classified *errclass.Error
		if errors.As(err, &classified) {
			s.writeJSON(w, classifiedStatus(classified.Kind), map[string]any{
				"error": map[string]any{
					"message": classified.Error(),
					"kind":    string(classified.Kind),
				},
			})
			return
		}
		// Anything unrecognized is an internal fault; its text may carry
		// driver or store detail that must not reach the caller.
		s.log.Error().Err(err).Msg("unclassified gateway error")
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// classifiedStatus picks the HTTP status for a classified provider failure.
func classifiedStatus(kind errclass.Kind) int {
	switch kind {
	case errclass.KindRateLimited:
		return http.StatusTooManyRequests
	case errclass.KindUnauthorized:
		return http.StatusBadGateway
	case errclass.KindModelNotFound:
		return http.StatusBadGateway
	case errclass.KindContextExceeded, errclass.KindInvalidRequest, errclass.KindContentPolicy:
		return http.StatusBadRequest
	case errclass.KindPaymentRequired:
		return http.StatusPaymentRequired
	case errclass.KindNetworkError, errclass.KindServiceUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}
