package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ai-character-runtime/backend/internal/character"
	"ai-character-runtime/backend/internal/llm"
	"ai-character-runtime/backend/internal/nonce"
	"ai-character-runtime/backend/internal/runtime"
	"ai-character-runtime/backend/internal/session"
	"ai-character-runtime/backend/internal/store/storetest"
	"ai-character-runtime/backend/pkg/errors"
	"ai-character-runtime/backend/pkg/jwt"
	"ai-character-runtime/backend/pkg/logger"
	"ai-character-runtime/backend/pkg/middleware"
	"ai-character-runtime/backend/pkg/resilience"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	engine *gin.Engine
	tokens *jwt.Service
	reply  func(ctx context.Context) (string, error)
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	adapter := storetest.NewAdapter(t)
	repo := character.NewRepository(adapter, character.NewSecretsCodec("test-master-key"), logger.Nop())

	ts := &testServer{tokens: jwt.NewService("test-secret", time.Hour)}
	generators := func(llm.Provider, string, string) (llm.TextGenerator, error) {
		return llm.GeneratorFunc(func(ctx context.Context, _ llm.Request) (string, error) {
			if ts.reply != nil {
				return ts.reply(ctx)
			}
			return "Pixel: Hi Sam!", nil
		}), nil
	}

	opts := session.DefaultOptions()
	opts.SweepInterval = 0
	opts.LLMTimeout = 100 * time.Millisecond
	opts.Retry = resilience.RetryPolicy{MaxAttempts: 1}
	svc, err := session.NewService(session.Deps{
		Adapter:    adapter,
		Characters: repo,
		Nonces:     nonce.NewManager(nonce.NewGormStore(adapter), logger.Nop(), nil),
		Generators: generators,
		Logger:     logger.Nop(),
	}, opts)
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	engine := gin.New()
	engine.Use(logger.Middleware(logger.Nop()), errors.ErrorHandler())
	auth := middleware.JWTAuth(ts.tokens, logger.Nop())

	sessions := NewSessionHandler(svc, repo)
	engine.POST("/sessions", middleware.OptionalJWTAuth(ts.tokens, logger.Nop()), sessions.Initialize)
	engine.POST("/sessions/:sessionId/messages", middleware.OptionalJWTAuth(ts.tokens, logger.Nop()), sessions.SendMessage)

	characters := NewCharacterHandler(repo, svc)
	memories := NewMemoryHandler(repo, svc.Memory())
	g := engine.Group("/characters", auth)
	g.PUT("", characters.Upsert)
	g.GET("", characters.List)
	g.GET("/:slug", characters.Get)
	g.DELETE("/:slug", characters.Delete)
	g.POST("/:slug/memories", memories.Create)
	g.GET("/:slug/memories", memories.List)
	g.GET("/:slug/memories/search", memories.Search)
	g.GET("/:slug/memories/all", memories.All)
	g.POST("/:slug/memories/rooms", memories.ByRooms)
	g.GET("/:slug/memories/:memoryId", memories.Get)
	g.PUT("/:slug/memories/:memoryId", memories.Update)
	g.DELETE("/:slug/memories/:memoryId", memories.Delete)

	ts.engine = engine
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		token, err := ts.tokens.GenerateToken(user, user)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (ts *testServer) createPixel(t *testing.T, status string) {
	t.Helper()
	w := ts.do(t, http.MethodPut, "/characters", "author", gin.H{
		"name":          "Pixel",
		"modelProvider": "openai",
		"bio":           "A retro gaming companion.",
		"status":        status,
		"lore":          []string{"Born in an arcade"},
		"secrets":       gin.H{"OPENAI_API_KEY": "sk-test"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

type errorBody struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func TestCharacterLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ts.createPixel(t, "private")

	w := ts.do(t, http.MethodGet, "/characters/pixel", "author", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[map[string]any](t, w)
	assert.Equal(t, "Pixel", got["name"])
	assert.NotContains(t, w.Body.String(), "sk-test")

	w = ts.do(t, http.MethodGet, "/characters", "author", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Characters []map[string]any `json:"characters"`
	}](t, w)
	assert.Len(t, list.Characters, 1)

	// other authors never see it
	w = ts.do(t, http.MethodGet, "/characters/pixel", "intruder", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, errors.CodeCharacterMissing, decode[errorBody](t, w).Error.Code)

	w = ts.do(t, http.MethodGet, "/characters/pixel", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodPut, "/characters", "author", gin.H{"name": "Broken", "modelProvider": "nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, errors.CodeValidation, decode[errorBody](t, w).Error.Code)

	w = ts.do(t, http.MethodDelete, "/characters/pixel", "author", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = ts.do(t, http.MethodDelete, "/characters/pixel", "author", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestChatOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	ts.createPixel(t, "public")

	w := ts.do(t, http.MethodPost, "/sessions", "", gin.H{"author": "author", "characterSlug": "pixel", "roomId": "r1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	init := decode[session.Initialized](t, w)
	assert.Equal(t, "r1", init.RoomID)
	require.NotEmpty(t, init.Nonce)

	path := "/sessions/" + init.SessionID + "/messages"
	w = ts.do(t, http.MethodPost, path, "sam", gin.H{"message": "hello", "nonce": init.Nonce})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	reply := decode[session.Reply](t, w)
	assert.Equal(t, "Hi Sam!", reply.Text)
	assert.NotEqual(t, init.Nonce, reply.Nonce)

	// replaying a spent nonce is rejected without handing out a usable one
	w = ts.do(t, http.MethodPost, path, "sam", gin.H{"message": "again", "nonce": init.Nonce})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	body := decode[errorBody](t, w)
	assert.Equal(t, errors.CodeNonceInvalid, body.Error.Code)
	assert.Equal(t, init.SessionID, body.Error.Details["sessionId"])
	assert.Equal(t, "r1", body.Error.Details["roomId"])
	assert.NotContains(t, body.Error.Details, "nonce")

	// the client re-initializes in the same room and carries on
	w = ts.do(t, http.MethodPost, "/sessions", "", gin.H{"author": "author", "characterSlug": "pixel", "roomId": "r1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	again := decode[session.Initialized](t, w)
	assert.Equal(t, "r1", again.RoomID)
	path2 := "/sessions/" + again.SessionID + "/messages"
	w = ts.do(t, http.MethodPost, path2, "sam", gin.H{"message": "again", "nonce": again.Nonce})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPost, "/sessions/missing/messages", "", gin.H{"message": "hi", "nonce": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPost, path, "", gin.H{"nonce": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPrivateCharacterSessionsAreOwnerOnly(t *testing.T) {
	ts := newTestServer(t)
	ts.createPixel(t, "private")

	req := gin.H{"author": "author", "characterSlug": "pixel"}
	w := ts.do(t, http.MethodPost, "/sessions", "", req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPost, "/sessions", "author", req)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestFailedTurnReturnsApology(t *testing.T) {
	ts := newTestServer(t)
	ts.createPixel(t, "public")
	ts.reply = func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}

	w := ts.do(t, http.MethodPost, "/sessions", "", gin.H{"author": "author", "characterSlug": "pixel"})
	require.Equal(t, http.StatusCreated, w.Code)
	init := decode[session.Initialized](t, w)

	w = ts.do(t, http.MethodPost, "/sessions/"+init.SessionID+"/messages", "", gin.H{"message": "hello", "nonce": init.Nonce})
	require.Equal(t, http.StatusGatewayTimeout, w.Code, w.Body.String())
	failure := decode[ChatFailure](t, w)
	assert.Equal(t, runtime.DefaultApology, failure.Text)
	assert.NotEmpty(t, failure.Nonce)
	assert.Equal(t, errors.CodeResponseTimeout, failure.Error["code"])
}

func TestMemoryEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.createPixel(t, "private")
	base := "/characters/pixel/memories"

	w := ts.do(t, http.MethodPost, base, "author", gin.H{
		"roomId":  "r1",
		"type":    "fact",
		"content": gin.H{"text": "Sam collects cartridges"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[map[string]any](t, w)
	id := created["id"].(string)

	w = ts.do(t, http.MethodGet, base+"?roomId=r1", "author", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Sam collects cartridges")

	w = ts.do(t, http.MethodGet, base+"/search?q=cartridges", "author", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)

	w = ts.do(t, http.MethodPost, base+"/rooms", "author", gin.H{"roomIds": []string{"r1", "r2"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)

	w = ts.do(t, http.MethodGet, base+"/all?type=fact", "author", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)

	w = ts.do(t, http.MethodPut, base+"/"+id, "author", gin.H{"content": gin.H{"text": "Sam sold the cartridges"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = ts.do(t, http.MethodGet, base+"/"+id, "author", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Sam sold the cartridges")

	// another author cannot reach the character, so not its memories either
	w = ts.do(t, http.MethodGet, base+"/"+id, "intruder", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, base, "author", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodDelete, base+"/"+id, "author", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = ts.do(t, http.MethodGet, base+"/"+id, "author", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, errors.CodeMemoryMissing, decode[errorBody](t, w).Error.Code)
}
