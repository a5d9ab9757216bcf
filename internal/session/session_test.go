package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ai-character-runtime/backend/internal/character"
	"ai-character-runtime/backend/internal/llm"
	"ai-character-runtime/backend/internal/memory"
	"ai-character-runtime/backend/internal/models"
	"ai-character-runtime/backend/internal/nonce"
	"ai-character-runtime/backend/internal/runtime"
	"ai-character-runtime/backend/internal/store"
	"ai-character-runtime/backend/internal/store/storetest"
	"ai-character-runtime/backend/pkg/logger"
	"ai-character-runtime/backend/pkg/resilience"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingFactory struct {
	mu      sync.Mutex
	keys    []string
	prompts []string
	reply   func(ctx context.Context, call int) (string, error)
	calls   int
}

func (f *recordingFactory) build(_ llm.Provider, apiKey, _ string) (llm.TextGenerator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, apiKey)
	return llm.GeneratorFunc(func(ctx context.Context, req llm.Request) (string, error) {
		f.mu.Lock()
		f.calls++
		call := f.calls
		f.prompts = append(f.prompts, req.Prompt)
		f.mu.Unlock()
		if f.reply == nil {
			return "Pixel: Hi Sam!", nil
		}
		return f.reply(ctx, call)
	}), nil
}

func (f *recordingFactory) builds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

type fixture struct {
	svc       *Service
	adapter   *store.Adapter
	repo      *character.Repository
	factory   *recordingFactory
	character *models.Character
}

func newFixture(t *testing.T, mutate func(*Options), secrets map[string]string) *fixture {
	t.Helper()
	ctx := context.Background()

	adapter := storetest.NewAdapter(t)
	repo := character.NewRepository(adapter, character.NewSecretsCodec("test-master-key"), logger.Nop())
	c, err := repo.Upsert(ctx, "author", &models.Character{
		Name:          "Pixel",
		ModelProvider: "openai",
		Bio:           "A retro gaming companion.",
		Lore:          []string{"Born in an arcade"},
	}, secrets)
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.SweepInterval = 0
	opts.Retry = resilience.RetryPolicy{MaxAttempts: 1}
	opts.DefaultSecrets = map[string]string{"OPENAI_API_KEY": "server-key"}
	if mutate != nil {
		mutate(&opts)
	}

	factory := &recordingFactory{}
	svc, err := NewService(Deps{
		Adapter:    adapter,
		Characters: repo,
		Nonces:     nonce.NewManager(nonce.NewGormStore(adapter), logger.Nop(), nil),
		Generators: factory.build,
		Logger:     logger.Nop(),
	}, opts)
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	return &fixture{svc: svc, adapter: adapter, repo: repo, factory: factory, character: c}
}

func (f *fixture) roomMessages(t *testing.T, roomID string) []models.Memory {
	t.Helper()
	return f.svc.Memory().GetMemories(context.Background(), memory.GetOptions{
		RoomID:  roomID,
		AgentID: f.character.ID,
		Count:   50,
	})
}

func TestNewServiceRequiresStores(t *testing.T) {
	_, err := NewService(Deps{}, DefaultOptions())
	assert.ErrorIs(t, err, ErrMissingStore)
}

func TestNonceChainAndReplay(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	init, err := f.svc.InitializeSession(ctx, "author", "pixel", "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", init.RoomID)
	assert.NotEmpty(t, init.SessionID)
	assert.NotEmpty(t, init.Nonce)
	assert.Equal(t, "Pixel", init.Config.Name)

	first, err := f.svc.SendMessage(ctx, SendRequest{SessionID: init.SessionID, Text: "hello", UserID: "user-1", UserName: "Sam"})
	require.NoError(t, err)
	assert.Equal(t, "Hi Sam!", first.Text)
	assert.Equal(t, "r1", first.RoomID)
	n1 := first.Nonce
	require.NotEmpty(t, n1)

	second, err := f.svc.SendMessage(ctx, SendRequest{SessionID: init.SessionID, Text: "how are you?", Nonce: n1, UserID: "user-1", UserName: "Sam"})
	require.NoError(t, err)
	n2 := second.Nonce
	require.NotEmpty(t, n2)
	assert.NotEqual(t, n1, n2)

	_, err = f.svc.SendMessage(ctx, SendRequest{SessionID: init.SessionID, Text: "again", Nonce: n1, UserID: "user-1"})
	require.ErrorIs(t, err, ErrNonceRejected)
	var rejected *NonceRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, init.SessionID, rejected.SessionID)
	assert.Equal(t, "r1", rejected.RoomID)

	// the rejection did not rotate the session's nonce
	third, err := f.svc.SendMessage(ctx, SendRequest{SessionID: init.SessionID, Text: "sorry", Nonce: n2, UserID: "user-1", UserName: "Sam"})
	require.NoError(t, err)
	assert.NotEmpty(t, third.Nonce)

	mems := f.roomMessages(t, "r1")
	require.Len(t, mems, 6)
	assert.Equal(t, "hello", mems[5].Content.Text)
	require.NotNil(t, mems[4].UserID)
	assert.Equal(t, f.character.ID, *mems[4].UserID)
	assert.Equal(t, runtime.RespondActionName, mems[4].Content.Action)
	assert.Equal(t, mems[5].ID, mems[4].Content.InReplyTo)

	f.factory.mu.Lock()
	prompt := f.factory.prompts[1]
	f.factory.mu.Unlock()
	assert.Contains(t, prompt, "Sam: hello\nPixel: Hi Sam!")
	assert.Contains(t, prompt, "Sam: how are you?")
}

func TestNoncelessMessageOnlyBeforeFirstTurn(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	init, err := f.svc.InitializeSession(ctx, "author", "pixel", "")
	require.NoError(t, err)
	assert.NotEmpty(t, init.RoomID)

	_, err = f.svc.SendMessage(ctx, SendRequest{SessionID: init.SessionID, Text: "hello"})
	require.NoError(t, err)

	_, err = f.svc.SendMessage(ctx, SendRequest{SessionID: init.SessionID, Text: "hello again"})
	assert.ErrorIs(t, err, ErrNonceRejected)
	assert.Len(t, f.roomMessages(t, init.RoomID), 2)
}

func TestTimeoutCommitsNothing(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.LLMTimeout = 50 * time.Millisecond }, nil)
	f.factory.reply = func(ctx context.Context, call int) (string, error) {
		if call == 1 {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "Back online.", nil
	}
	ctx := context.Background()

	init, err := f.svc.InitializeSession(ctx, "author", "pixel", "r1")
	require.NoError(t, err)

	reply, err := f.svc.SendMessage(ctx, SendRequest{SessionID: init.SessionID, Text: "hello", Nonce: init.Nonce})
	require.ErrorIs(t, err, llm.ErrResponseTimeout)
	require.NotNil(t, reply)
	assert.Equal(t, runtime.DefaultApology, reply.Text)
	assert.NotEmpty(t, reply.Nonce)
	assert.Empty(t, f.roomMessages(t, "r1"))

	retried, err := f.svc.SendMessage(ctx, SendRequest{SessionID: init.SessionID, Text: "hello", Nonce: reply.Nonce})
	require.NoError(t, err)
	assert.Equal(t, "Back online.", retried.Text)
	assert.Len(t, f.roomMessages(t, "r1"), 2)
}

func TestCancelledTurnCommitsNothing(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.factory.reply = func(context.Context, int) (string, error) {
		// the caller walks away while the model is answering
		cancel()
		return "Too late.", nil
	}

	init, err := f.svc.InitializeSession(context.Background(), "author", "pixel", "r1")
	require.NoError(t, err)

	reply, err := f.svc.SendMessage(ctx, SendRequest{SessionID: init.SessionID, Text: "hello", Nonce: init.Nonce})
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, reply)
	assert.Equal(t, runtime.DefaultApology, reply.Text)
	require.NotEmpty(t, reply.Nonce)
	assert.Empty(t, f.roomMessages(t, "r1"))

	f.factory.reply = nil
	next, err := f.svc.SendMessage(context.Background(), SendRequest{SessionID: init.SessionID, Text: "hello", Nonce: reply.Nonce})
	require.NoError(t, err)
	assert.Equal(t, "Hi Sam!", next.Text)
	assert.Len(t, f.roomMessages(t, "r1"), 2)
}

func TestSecretsFallbackToServerDefaults(t *testing.T) {
	f := newFixture(t, nil, map[string]string{"OPENAI_API_KEY": "character-key"})
	ctx := context.Background()

	_, err := f.svc.InitializeSession(ctx, "author", "pixel", "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"character-key"}, f.factory.builds())

	require.NoError(t, f.adapter.DB().Model(&models.CharacterSecret{}).
		Where("character_id = ?", f.character.ID).
		Update("signature", "00").Error)
	f.svc.Invalidate(f.character.ID)

	_, err = f.svc.InitializeSession(ctx, "author", "pixel", "r2")
	require.NoError(t, err)
	assert.Equal(t, []string{"character-key", "server-key"}, f.factory.builds())
}

func TestLiveRuntimeIsReusedPerRoom(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	a, err := f.svc.InitializeSession(ctx, "author", "pixel", "r1")
	require.NoError(t, err)
	b, err := f.svc.InitializeSession(ctx, "author", "pixel", "r1")
	require.NoError(t, err)
	assert.NotEqual(t, a.SessionID, b.SessionID)
	assert.Len(t, f.factory.builds(), 1)

	var room models.Room
	require.NoError(t, f.adapter.DB().Where("id = ?", "r1").First(&room).Error)
	require.NotNil(t, room.CurrentSessionID)
	assert.Equal(t, b.SessionID, *room.CurrentSessionID)

	_, err = f.svc.SendMessage(ctx, SendRequest{SessionID: a.SessionID, Text: "old session still talks", Nonce: a.Nonce})
	require.NoError(t, err)
	assert.Len(t, f.factory.builds(), 1)
}

func TestIdleSessionsRehydrate(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.IdleTimeout = 20 * time.Millisecond }, nil)
	ctx := context.Background()

	init, err := f.svc.InitializeSession(ctx, "author", "pixel", "r1")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	reply, err := f.svc.SendMessage(ctx, SendRequest{SessionID: init.SessionID, Text: "still there?", Nonce: init.Nonce})
	require.NoError(t, err)
	assert.Equal(t, "Hi Sam!", reply.Text)
	assert.Len(t, f.factory.builds(), 2)
}

func TestSenderJoinsRoomWithRelationship(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	init, err := f.svc.InitializeSession(ctx, "author", "pixel", "r1")
	require.NoError(t, err)
	_, err = f.svc.SendMessage(ctx, SendRequest{SessionID: init.SessionID, Text: "hi", Nonce: init.Nonce, UserID: "user-1", UserName: "Sam"})
	require.NoError(t, err)

	var participants int64
	require.NoError(t, f.adapter.DB().Model(&models.Participant{}).
		Where("room_id = ? AND user_id IN ?", "r1", []string{"user-1", f.character.ID}).
		Count(&participants).Error)
	assert.Equal(t, int64(2), participants)

	var relationships int64
	require.NoError(t, f.adapter.DB().Model(&models.Relationship{}).Count(&relationships).Error)
	assert.Equal(t, int64(1), relationships)
}

func TestSessionErrors(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	_, err := f.svc.InitializeSession(ctx, "author", "missing", "r1")
	assert.ErrorIs(t, err, character.ErrNotFound)

	_, err = f.svc.SendMessage(ctx, SendRequest{SessionID: "nope", Text: "hi"})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	init, err := f.svc.InitializeSession(ctx, "author", "pixel", "r1")
	require.NoError(t, err)
	_, err = f.svc.SendMessage(ctx, SendRequest{SessionID: init.SessionID, Text: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = f.repo.Upsert(ctx, "author", &models.Character{Name: "Byte", ModelProvider: "anthropic"}, nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err = f.svc.InitializeSession(ctx, "author", "byte", "r1")
		assert.ErrorIs(t, err, ErrRoomOwned)
	}
	assert.Equal(t, resilience.StateClosed, f.adapter.Breaker().GetState(), "ownership conflicts are not store failures")

	reply, err := f.svc.SendMessage(ctx, SendRequest{SessionID: init.SessionID, Text: "still there?", Nonce: init.Nonce})
	require.NoError(t, err)
	assert.NotEmpty(t, reply.Nonce)
}

func TestReplayedNonceNeverYieldsAToken(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	init, err := f.svc.InitializeSession(ctx, "author", "pixel", "r1")
	require.NoError(t, err)
	first, err := f.svc.SendMessage(ctx, SendRequest{SessionID: init.SessionID, Text: "hello", Nonce: init.Nonce})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		reply, err := f.svc.SendMessage(ctx, SendRequest{SessionID: init.SessionID, Text: "let me in", Nonce: init.Nonce})
		assert.ErrorIs(t, err, ErrNonceRejected)
		assert.Nil(t, reply)
	}
	_, err = f.svc.SendMessage(ctx, SendRequest{SessionID: init.SessionID, Text: "let me in"})
	assert.ErrorIs(t, err, ErrNonceRejected, "a token-less message is refused once a turn was committed")

	assert.Len(t, f.roomMessages(t, "r1"), 2, "rejected messages are never committed")

	next, err := f.svc.SendMessage(ctx, SendRequest{SessionID: init.SessionID, Text: "back again", Nonce: first.Nonce})
	require.NoError(t, err)
	assert.NotEqual(t, first.Nonce, next.Nonce)
}

func TestExecSerializesPerCharacter(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	var (
		mu      sync.Mutex
		running int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.svc.Exec(ctx, f.character.ID, func(context.Context) error {
				mu.Lock()
				running++
				if running > maxSeen {
					maxSeen = running
				}
				mu.Unlock()
				time.Sleep(2 * time.Millisecond)
				mu.Lock()
				running--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)

	f.svc.Close()
	assert.ErrorIs(t, f.svc.Exec(ctx, f.character.ID, func(context.Context) error { return nil }), ErrClosed)
}
