package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companion.chat/relay/internal/apperrors"
	"companion.chat/relay/internal/llm"
	"companion.chat/relay/internal/logging"
	"companion.chat/relay/internal/store"
)

const testModel = "llama-3.3-70b-versatile"

// stubProvider records every request and answers with reply or err.
type stubProvider struct {
	mu       sync.Mutex
	requests []llm.Request
	reply    string
	err      error
	delay    time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) CreateChatCompletion(ctx context.Context, req llm.Request) (llm.Response, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		seen := p.maxInFlight.Load()
		if n <= seen || p.maxInFlight.CompareAndSwap(seen, n) {
			break
		}
	}

	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return llm.Response{}, ctx.Err()
		}
	}
	if p.err != nil {
		return llm.Response{}, p.err
	}
	return llm.Response{Content: p.reply, Model: req.Model}, nil
}

func (p *stubProvider) calls() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Request(nil), p.requests...)
}

// steppingClock advances one second per call so every write gets a distinct
// timestamp.
func steppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	n := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return start.Add(time.Duration(n) * time.Second)
	}
}

type fixture struct {
	db       *store.MemoryStore
	users    *UserDirectory
	chat     *ChatService
	provider *stubProvider
}

func newFixture(t *testing.T, provider *stubProvider, mutate func(*ChatOptions)) *fixture {
	t.Helper()
	db := store.NewMemoryStore()
	db.SetClock(steppingClock(time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)))

	opts := DefaultChatOptions(testModel)
	if mutate != nil {
		mutate(&opts)
	}
	log := logging.Discard()
	users := NewUserDirectory(db, log, nil)
	return &fixture{
		db:       db,
		users:    users,
		chat:     NewChatService(db, users, provider, opts, log, nil),
		provider: provider,
	}
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t, &stubProvider{}, nil)
	ctx := context.Background()

	_, err := f.users.Register(ctx, "", 30)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	_, err = f.users.Register(ctx, "Ana", 0)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
	assert.EqualError(t, err, "Username and age are required")
}

func TestRegisterCreatesFreshUsers(t *testing.T) {
	f := newFixture(t, &stubProvider{}, nil)
	ctx := context.Background()

	a, err := f.users.Register(ctx, "Ana", 30)
	require.NoError(t, err)
	b, err := f.users.Register(ctx, "Ana", 30)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "Ana", a.Username)

	stored, err := f.users.GetUser(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, stored.ID)
	assert.False(t, stored.PersonaCompleted)
	assert.Empty(t, stored.Preferences)
	assert.EqualValues(t, 30, stored.Age)
	assert.NotNil(t, stored.CreatedAt)
}

func TestSetPreferences(t *testing.T) {
	f := newFixture(t, &stubProvider{}, nil)
	ctx := context.Background()
	user, err := f.users.Register(ctx, "Ana", 30)
	require.NoError(t, err)

	require.NoError(t, f.users.SetPreferences(ctx, user.ID, map[string]string{"hobby": "chess"}))

	stored, err := f.users.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, stored.PersonaCompleted)
	assert.Equal(t, map[string]string{"hobby": "chess"}, stored.Preferences)
	assert.Equal(t, "Ana", stored.Username)
}

func TestSetPreferencesValidationAndMissingUser(t *testing.T) {
	f := newFixture(t, &stubProvider{}, nil)
	ctx := context.Background()

	err := f.users.SetPreferences(ctx, "", map[string]string{"hobby": "chess"})
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	err = f.users.SetPreferences(ctx, "u-1", map[string]string{})
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	err = f.users.SetPreferences(ctx, "nobody", map[string]string{"hobby": "chess"})
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestGetUserNotFound(t *testing.T) {
	f := newFixture(t, &stubProvider{}, nil)

	_, err := f.users.GetUser(context.Background(), "nobody")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
	assert.EqualError(t, err, "User not found")
}

func TestGetMessagesSortsByTimestamp(t *testing.T) {
	f := newFixture(t, &stubProvider{}, nil)
	ctx := context.Background()
	for _, m := range []struct {
		role string
		sec  int
	}{{"assistant", 3}, {"user", 1}, {"assistant", 2}} {
		_, err := f.db.CreateDocument(ctx, store.MessagesCollection, "", store.Document{
			store.FieldUserID:    "u-1",
			store.FieldRole:      m.role,
			store.FieldContent:   m.role,
			store.FieldTimestamp: *at(m.sec),
		})
		require.NoError(t, err)
	}

	messages, err := f.chat.GetMessages(ctx, "u-1")
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, at(1), messages[0].Timestamp)
	assert.Equal(t, at(2), messages[1].Timestamp)
	assert.Equal(t, at(3), messages[2].Timestamp)
	assert.Equal(t, store.RoleUser, messages[0].Role)
}

func TestHandleTurnEndToEnd(t *testing.T) {
	provider := &stubProvider{reply: "hello Ana"}
	f := newFixture(t, provider, nil)
	ctx := context.Background()

	user, err := f.users.Register(ctx, "Ana", 30)
	require.NoError(t, err)
	require.NoError(t, f.users.SetPreferences(ctx, user.ID, map[string]string{"mood": "happy"}))

	result, err := f.chat.HandleTurn(ctx, user.ID, "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello Ana", result.Reply)
	assert.Equal(t, testModel, result.Model)

	calls := provider.calls()
	require.Len(t, calls, 1)
	req := calls[0]
	assert.Equal(t, testModel, req.Model)
	assert.Equal(t, 0.7, req.Temperature)
	assert.Equal(t, 1024, req.MaxTokens)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, "- Mood: happy")
	assert.Equal(t, llm.Message{Role: "user", Content: "hi"}, req.Messages[1])

	messages, err := f.chat.GetMessages(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, store.RoleUser, messages[0].Role)
	assert.Equal(t, "hi", messages[0].Content)
	assert.Equal(t, store.RoleAssistant, messages[1].Role)
	assert.Equal(t, "hello Ana", messages[1].Content)
	assert.True(t, messages[0].Timestamp.Before(*messages[1].Timestamp))
}

func TestHandleTurnSendsHistoryWindow(t *testing.T) {
	provider := &stubProvider{reply: "ok"}
	f := newFixture(t, provider, nil)
	ctx := context.Background()
	user, err := f.users.Register(ctx, "Ana", 30)
	require.NoError(t, err)

	// 25 earlier messages, all older than anything the store clock hands out.
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		_, err := f.db.CreateDocument(ctx, store.MessagesCollection, "", store.Document{
			store.FieldUserID:    user.ID,
			store.FieldRole:      role,
			store.FieldContent:   string(rune('A' + i)),
			store.FieldTimestamp: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	_, err = f.chat.HandleTurn(ctx, user.ID, "latest")
	require.NoError(t, err)

	calls := provider.calls()
	require.Len(t, calls, 1)
	sent := calls[0].Messages
	require.Len(t, sent, 21)
	assert.Equal(t, "system", sent[0].Role)
	// Stored messages A..Y: the oldest six drop out to make room for "latest".
	assert.Equal(t, "G", sent[1].Content)
	assert.Equal(t, "Y", sent[19].Content)
	assert.Equal(t, "latest", sent[20].Content)

	messages, err := f.chat.GetMessages(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, messages, 27)
	assert.Equal(t, "A", messages[0].Content)
}

func TestHandleTurnUnknownUser(t *testing.T) {
	provider := &stubProvider{reply: "unused"}
	f := newFixture(t, provider, nil)
	ctx := context.Background()

	_, err := f.chat.HandleTurn(ctx, "nobody", "hi")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
	assert.Empty(t, provider.calls())

	messages, err := f.chat.GetMessages(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestHandleTurnValidation(t *testing.T) {
	provider := &stubProvider{reply: "unused"}
	f := newFixture(t, provider, nil)

	_, err := f.chat.HandleTurn(context.Background(), "u-1", "")
	assert.EqualError(t, err, "User ID and message are required")
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	_, err = f.chat.HandleTurn(context.Background(), "", "hi")
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
	assert.Empty(t, provider.calls())
}

func TestHandleTurnProviderFailureKeepsUserMessage(t *testing.T) {
	provider := &stubProvider{err: errors.New("groq non-success status=503 body=overloaded")}
	f := newFixture(t, provider, nil)
	ctx := context.Background()
	user, err := f.users.Register(ctx, "Ana", 30)
	require.NoError(t, err)

	_, err = f.chat.HandleTurn(ctx, user.ID, "hi")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrUpstream))
	assert.Contains(t, err.Error(), "status=503")

	messages, err := f.chat.GetMessages(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, store.RoleUser, messages[0].Role)
}

func TestHandleTurnProviderTimeout(t *testing.T) {
	provider := &stubProvider{reply: "late", delay: time.Second}
	f := newFixture(t, provider, func(o *ChatOptions) { o.ProviderTimeout = 20 * time.Millisecond })
	ctx := context.Background()
	user, err := f.users.Register(ctx, "Ana", 30)
	require.NoError(t, err)

	_, err = f.chat.HandleTurn(ctx, user.ID, "hi")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrUpstream))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Contains(t, err.Error(), "timed out")
}

func TestHandleTurnIgnoresCallerCancellation(t *testing.T) {
	provider := &stubProvider{reply: "still here"}
	f := newFixture(t, provider, nil)
	user, err := f.users.Register(context.Background(), "Ana", 30)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := f.chat.HandleTurn(ctx, user.ID, "hi")
	require.NoError(t, err)
	assert.Equal(t, "still here", result.Reply)
}

func TestHandleTurnSerializesPerUser(t *testing.T) {
	provider := &stubProvider{reply: "ok", delay: 20 * time.Millisecond}
	f := newFixture(t, provider, func(o *ChatOptions) { o.SerializeTurns = true })
	ctx := context.Background()
	user, err := f.users.Register(ctx, "Ana", 30)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.chat.HandleTurn(ctx, user.ID, "hi")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, provider.maxInFlight.Load())
	assert.Len(t, provider.calls(), 5)

	messages, err := f.chat.GetMessages(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, messages, 10)
	for i, m := range messages {
		if i%2 == 0 {
			assert.Equal(t, store.RoleUser, m.Role)
		} else {
			assert.Equal(t, store.RoleAssistant, m.Role)
		}
	}
}

func TestHandleTurnLocksAreScopedToOneUser(t *testing.T) {
	provider := &stubProvider{reply: "ok"}
	f := newFixture(t, provider, func(o *ChatOptions) { o.SerializeTurns = true })
	ctx := context.Background()
	ana, err := f.users.Register(ctx, "Ana", 30)
	require.NoError(t, err)
	ben, err := f.users.Register(ctx, "Ben", 41)
	require.NoError(t, err)

	f.chat.locks.Lock(ana.ID)

	done := make(chan error, 1)
	go func() {
		_, err := f.chat.HandleTurn(ctx, ben.ID, "hi")
		done <- err
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("turn for Ben blocked behind Ana")
	}
	require.NoError(t, f.chat.locks.Unlock(ana.ID))

	_, err = f.chat.HandleTurn(ctx, ana.ID, "hi")
	assert.NoError(t, err)
}
