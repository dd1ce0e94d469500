// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/modelgate/internal/errclass"
	"github.com/jeranaias/modelgate/internal/provider"
	"github.com/jeranaias/modelgate/internal/store"
)

// =============================================================================
// FAKES
// =============================================================================

// memStore is an in-memory stand-in for the SQLite store.
type memStore struct {
	mu       sync.Mutex
	models   map[string]*store.ModelConfig
	creds    map[string]*store.Credential
	chats    map[string]*store.Chat
	messages []*store.Message
	touched  int
	nextID   int
}

func newMemStore() *memStore {
	return &memStore{
		models: make(map[string]*store.ModelConfig),
		creds:  make(map[string]*store.Credential),
		chats:  make(map[string]*store.Chat),
	}
}

func (m *memStore) GetModelConfig(_ context.Context, id, ownerID string) (*store.ModelConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.models[id]
	if !ok || mc.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	return mc, nil
}

func (m *memStore) GetCredential(_ context.Context, id, ownerID string) (*store.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[id]
	if !ok || c.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (m *memStore) GetChat(_ context.Context, id, ownerID string) (*store.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[id]
	if !ok || c.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (m *memStore) TouchChat(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched++
	return nil
}

func (m *memStore) InsertMessage(_ context.Context, msg *store.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	stored := *msg
	stored.ID = fmt.Sprintf("msg-%d", m.nextID)
	m.messages = append(m.messages, &stored)
	return stored.ID, nil
}

func (m *memStore) UpdateMessage(_ context.Context, id, content string, status store.MessageStatus, meta map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.ID == id {
			msg.Content = content
			msg.Status = status
			msg.Metadata = meta
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memStore) DeleteMessage(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, msg := range m.messages {
		if msg.ID == id {
			m.messages = append(m.messages[:i], m.messages[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memStore) LatestMessageByRole(_ context.Context, chatID string, role provider.Role) (*store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.messages) - 1; i >= 0; i-- {
		if m.messages[i].ChatID == chatID && m.messages[i].Role == role {
			return m.messages[i], nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) byRole(chatID string, role provider.Role) []*store.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Message
	for _, msg := range m.messages {
		if msg.ChatID == chatID && msg.Role == role {
			out = append(out, msg)
		}
	}
	return out
}

// fakeHandle replays scripted chunks.
type fakeHandle struct {
	completion *provider.Completion
	genErr     error
	chunks     []provider.Chunk
	streamErr  error
}

func (f *fakeHandle) Generate(context.Context, []provider.Message, provider.Settings) (*provider.Completion, error) {
	return f.completion, f.genErr
}

func (f *fakeHandle) Stream(ctx context.Context, _ []provider.Message, _ provider.Settings) (<-chan provider.Chunk, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	out := make(chan provider.Chunk, len(f.chunks))
	for _, c := range f.chunks {
		out <- c
	}
	close(out)
	return out, nil
}

type fakeBuilder struct {
	handle provider.ModelHandle
	built  []provider.Config
}

func (f *fakeBuilder) Build(cfg provider.Config) (provider.ModelHandle, error) {
	f.built = append(f.built, cfg)
	return f.handle, nil
}

// passDecrypter strips the envelope prefix used by the test fixtures.
type passDecrypter struct{ fail bool }

func (d passDecrypter) Decrypt(blob string) (string, error) {
	if d.fail {
		return "", errors.New("cipher: message authentication failed")
	}
	return blob[len("ENC:"):], nil
}

// =============================================================================
// FIXTURES
// =============================================================================

const (
	testOwner = "alice"
	testChat  = "chat-1"
	testModel = "model-1"
)

func fixture(t *testing.T, handle provider.ModelHandle) (*Orchestrator, *memStore) {
	t.Helper()
	ms := newMemStore()
	ms.creds["cred-1"] = &store.Credential{
		ID: "cred-1", OwnerID: testOwner,
		Provider: provider.ProviderOpenRouter, Ciphertext: "ENC:sk-or-key",
	}
	ms.models[testModel] = &store.ModelConfig{
		ID: testModel, OwnerID: testOwner,
		Provider:        provider.ProviderOpenRouter,
		ProviderModelID: "meta-llama/llama-3-70b",
		CredentialID:    "cred-1",
	}
	ms.chats[testChat] = &store.Chat{ID: testChat, OwnerID: testOwner}

	resolver := NewResolver(ms, passDecrypter{})
	o := New(resolver, &fakeBuilder{handle: handle}, ms, zerolog.Nop())
	return o, ms
}

func collect(t *testing.T, events <-chan Event) (deltas []string, terminal Event) {
	t.Helper()
	for ev := range events {
		if terminal != nil {
			t.Fatalf("event received after terminal: %#v", ev)
		}
		switch e := ev.(type) {
		case TextDelta:
			deltas = append(deltas, e.Text)
		default:
			terminal = ev
		}
	}
	require.NotNil(t, terminal, "stream ended without terminal event")
	return deltas, terminal
}

// =============================================================================
// STREAM
// =============================================================================

func TestStream_SuccessFinalizesAccumulatedText(t *testing.T) {
	handle := &fakeHandle{chunks: []provider.Chunk{
		{Text: "Hel"},
		{Text: "lo"},
		{Done: true, FinishReason: "stop", Usage: &provider.Usage{PromptTokens: 2, CompletionTokens: 3, TotalTokens: 5}},
	}}
	o, ms := fixture(t, handle)

	events, err := o.Stream(context.Background(), Request{
		OwnerID: testOwner, ChatID: testChat, ModelID: testModel,
		Messages: []provider.Message{provider.NewUserMessage("hi")},
	})
	require.NoError(t, err)

	deltas, terminal := collect(t, events)
	assert.Equal(t, []string{"Hel", "lo"}, deltas)

	finish, ok := terminal.(Finish)
	require.True(t, ok, "terminal event should be Finish, got %#v", terminal)
	assert.Equal(t, "stop", finish.FinishReason)
	require.NotNil(t, finish.Usage)
	assert.Equal(t, 5, finish.Usage.TotalTokens)

	assistant := ms.byRole(testChat, provider.RoleAssistant)
	require.Len(t, assistant, 1)
	assert.Equal(t, "Hello", assistant[0].Content)
	assert.Equal(t, store.StatusComplete, assistant[0].Status)
	assert.Equal(t, "meta-llama/llama-3-70b", assistant[0].Metadata["model"])
	assert.Equal(t, "stop", assistant[0].Metadata["finishReason"])
	assert.Equal(t, 5, assistant[0].Metadata["tokens"])

	assert.Positive(t, ms.touched, "chat timestamp should be bumped")
}

func TestStream_ErrorBeforeFirstDeltaRollsBack(t *testing.T) {
	handle := &fakeHandle{chunks: []provider.Chunk{
		{Err: errors.New("HTTP 429: rate limit exceeded")},
	}}
	o, ms := fixture(t, handle)

	events, err := o.Stream(context.Background(), Request{
		OwnerID: testOwner, ChatID: testChat, ModelID: testModel,
		Messages: []provider.Message{provider.NewUserMessage("hi")},
	})
	require.NoError(t, err)

	deltas, terminal := collect(t, events)
	assert.Empty(t, deltas)

	errEv, ok := terminal.(ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, errclass.KindRateLimited, errEv.Code)
	assert.Equal(t, errclass.KindRateLimited.UserMessage(), errEv.Message)

	// Empty accumulator: the placeholder must be gone.
	assert.Empty(t, ms.byRole(testChat, provider.RoleAssistant))
}

func TestStream_ErrorAfterDeltaFinalizesPartial(t *testing.T) {
	handle := &fakeHandle{chunks: []provider.Chunk{
		{Text: "Hi"},
		{Err: errors.New("connection reset by peer")},
	}}
	o, ms := fixture(t, handle)

	events, err := o.Stream(context.Background(), Request{
		OwnerID: testOwner, ChatID: testChat, ModelID: testModel,
		Messages: []provider.Message{provider.NewUserMessage("hi")},
	})
	require.NoError(t, err)

	deltas, terminal := collect(t, events)
	assert.Equal(t, []string{"Hi"}, deltas)

	errEv, ok := terminal.(ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, errclass.KindNetworkError, errEv.Code)

	// Partial content survives.
	assistant := ms.byRole(testChat, provider.RoleAssistant)
	require.Len(t, assistant, 1)
	assert.Equal(t, "Hi", assistant[0].Content)
	assert.Equal(t, store.StatusComplete, assistant[0].Status)
}

func TestStream_SetupErrorBeforeChannel(t *testing.T) {
	handle := &fakeHandle{streamErr: errors.New("HTTP 503: service unavailable")}
	o, ms := fixture(t, handle)

	events, err := o.Stream(context.Background(), Request{
		OwnerID: testOwner, ChatID: testChat, ModelID: testModel,
		Messages: []provider.Message{provider.NewUserMessage("hi")},
	})
	require.NoError(t, err)

	deltas, terminal := collect(t, events)
	assert.Empty(t, deltas)
	errEv, ok := terminal.(ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, errclass.KindServiceUnavailable, errEv.Code)

	assert.Empty(t, ms.byRole(testChat, provider.RoleAssistant))
}

func TestStream_TransientRequestPersistsNothing(t *testing.T) {
	handle := &fakeHandle{chunks: []provider.Chunk{
		{Text: "ok"},
		{Done: true, FinishReason: "stop"},
	}}
	o, ms := fixture(t, handle)

	events, err := o.Stream(context.Background(), Request{
		OwnerID: testOwner, ModelID: testModel,
		Messages: []provider.Message{provider.NewUserMessage("hi")},
	})
	require.NoError(t, err)

	_, terminal := collect(t, events)
	_, ok := terminal.(Finish)
	require.True(t, ok)

	assert.Empty(t, ms.messages)
	assert.Zero(t, ms.touched)
}

func TestStream_ChannelClosedWithoutTerminal(t *testing.T) {
	// A provider bug that closes the channel early must still yield exactly
	// one terminal event.
	handle := &fakeHandle{chunks: []provider.Chunk{{Text: "par"}}}
	o, ms := fixture(t, handle)

	events, err := o.Stream(context.Background(), Request{
		OwnerID: testOwner, ChatID: testChat, ModelID: testModel,
		Messages: []provider.Message{provider.NewUserMessage("hi")},
	})
	require.NoError(t, err)

	deltas, terminal := collect(t, events)
	assert.Equal(t, []string{"par"}, deltas)
	_, ok := terminal.(ErrorEvent)
	require.True(t, ok)

	assistant := ms.byRole(testChat, provider.RoleAssistant)
	require.Len(t, assistant, 1)
	assert.Equal(t, "par", assistant[0].Content)
}

func TestStream_CancelledAbandonedConsumerReleasesProducer(t *testing.T) {
	// A client disconnect cancels the context and stops reading, possibly
	// with a full event buffer. The producer must still settle the
	// placeholder and exit instead of blocking on the terminal send.
	chunks := make([]provider.Chunk, 80)
	for i := range chunks {
		chunks[i] = provider.Chunk{Text: "x"}
	}
	handle := &fakeHandle{chunks: chunks}
	o, ms := fixture(t, handle)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := o.Stream(ctx, Request{
		OwnerID: testOwner, ChatID: testChat, ModelID: testModel,
		Messages: []provider.Message{provider.NewUserMessage("hi")},
	})
	require.NoError(t, err)

	cancel()

	// Cancellation degenerates to the normal settle path: text had
	// accumulated, so the placeholder finalizes with the partial.
	require.Eventually(t, func() bool {
		assistant := ms.byRole(testChat, provider.RoleAssistant)
		return len(assistant) == 1 && assistant[0].Status == store.StatusComplete
	}, 2*time.Second, 5*time.Millisecond, "placeholder not settled after cancellation")

	// Only now start draining. The channel must close: the producer may not
	// block forever on a consumer that already left.
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for range events {
		}
	}()
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("event channel never closed after cancel; producer goroutine is stuck")
	}
}

func TestStream_ErrorMessageNeverLeaksKeys(t *testing.T) {
	handle := &fakeHandle{chunks: []provider.Chunk{
		{Err: errors.New("some obscure failure with sk-abcdefghijklmnopqrstuvwxyz123456 inside")},
	}}
	o, _ := fixture(t, handle)

	events, err := o.Stream(context.Background(), Request{
		OwnerID: testOwner, ModelID: testModel,
		Messages: []provider.Message{provider.NewUserMessage("hi")},
	})
	require.NoError(t, err)

	_, terminal := collect(t, events)
	errEv, ok := terminal.(ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, errclass.KindUnknown, errEv.Code)
	assert.NotContains(t, errEv.Message, "sk-abcdefghijklmnop")
	assert.Equal(t, errclass.KindUnknown.UserMessage(), errEv.Message)
}

// =============================================================================
// COMPLETE
// =============================================================================

func TestComplete_PersistsTurn(t *testing.T) {
	handle := &fakeHandle{completion: &provider.Completion{
		Text:         "hello",
		FinishReason: "stop",
		Usage:        provider.Usage{TotalTokens: 9},
	}}
	o, ms := fixture(t, handle)

	out, err := o.Complete(context.Background(), Request{
		OwnerID: testOwner, ChatID: testChat, ModelID: testModel,
		Messages: []provider.Message{provider.NewUserMessage("hi")},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", out.Text)

	users := ms.byRole(testChat, provider.RoleUser)
	require.Len(t, users, 1)
	assert.Equal(t, "hi", users[0].Content)

	assistant := ms.byRole(testChat, provider.RoleAssistant)
	require.Len(t, assistant, 1)
	assert.Equal(t, "hello", assistant[0].Content)
	assert.Equal(t, 9, assistant[0].Metadata["tokens"])
}

func TestComplete_UserMessageIdempotent(t *testing.T) {
	handle := &fakeHandle{completion: &provider.Completion{Text: "hello", FinishReason: "stop"}}
	o, ms := fixture(t, handle)

	req := Request{
		OwnerID: testOwner, ChatID: testChat, ModelID: testModel,
		Messages: []provider.Message{provider.NewUserMessage("same question")},
	}
	_, err := o.Complete(context.Background(), req)
	require.NoError(t, err)
	_, err = o.Complete(context.Background(), req)
	require.NoError(t, err)

	// Identical trailing user content: one row, not two.
	users := ms.byRole(testChat, provider.RoleUser)
	assert.Len(t, users, 1)

	// Different content inserts again.
	req.Messages = []provider.Message{provider.NewUserMessage("new question")}
	_, err = o.Complete(context.Background(), req)
	require.NoError(t, err)
	users = ms.byRole(testChat, provider.RoleUser)
	assert.Len(t, users, 2)
}

func TestComplete_ClassifiesProviderError(t *testing.T) {
	handle := &fakeHandle{genErr: errors.New("invalid api key provided")}
	o, _ := fixture(t, handle)

	_, err := o.Complete(context.Background(), Request{
		OwnerID: testOwner, ModelID: testModel,
		Messages: []provider.Message{provider.NewUserMessage("hi")},
	})
	require.Error(t, err)

	var classified *errclass.Error
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, errclass.KindUnauthorized, classified.Kind)
	assert.Equal(t, errclass.KindUnauthorized.UserMessage(), err.Error())
}

func TestComplete_RejectsInvalidSettings(t *testing.T) {
	handle := &fakeHandle{completion: &provider.Completion{Text: "x"}}
	o, _ := fixture(t, handle)

	temp := 9.0
	_, err := o.Complete(context.Background(), Request{
		OwnerID: testOwner, ModelID: testModel,
		Messages: []provider.Message{provider.NewUserMessage("hi")},
		Settings: &provider.Settings{Temperature: &temp},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "temperature")
}

// =============================================================================
// OWNERSHIP AND RESOLUTION
// =============================================================================

func TestStream_UnownedChatRejected(t *testing.T) {
	handle := &fakeHandle{}
	o, ms := fixture(t, handle)
	ms.chats["other"] = &store.Chat{ID: "other", OwnerID: "bob"}

	_, err := o.Stream(context.Background(), Request{
		OwnerID: testOwner, ChatID: "other", ModelID: testModel,
		Messages: []provider.Message{provider.NewUserMessage("hi")},
	})
	assert.ErrorIs(t, err, ErrChatNotFound)
}

func TestComplete_UnknownModel(t *testing.T) {
	o, _ := fixture(t, &fakeHandle{})

	_, err := o.Complete(context.Background(), Request{
		OwnerID: testOwner, ModelID: "missing",
		Messages: []provider.Message{provider.NewUserMessage("hi")},
	})
	assert.ErrorIs(t, err, ErrModelNotFound)
}
