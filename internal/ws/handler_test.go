package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"ai-character-runtime/backend/internal/llm"
	"ai-character-runtime/backend/internal/session"
	apperrors "ai-character-runtime/backend/pkg/errors"
	"ai-character-runtime/backend/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu       sync.Mutex
	requests []session.SendRequest
}

func (f *fakeSender) SendMessage(_ context.Context, req session.SendRequest) (*session.Reply, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	switch req.Nonce {
	case "stale":
		return nil, &session.NonceRejectedError{SessionID: req.SessionID, RoomID: "r1"}
	case "slow":
		return &session.Reply{Text: "Sorry, I lost my train of thought.", Nonce: "retry", SessionID: req.SessionID, RoomID: "r1"}, llm.ErrResponseTimeout
	}
	return &session.Reply{Text: "echo: " + req.Text, Nonce: req.Nonce + "+1", SessionID: req.SessionID, RoomID: "r1"}, nil
}

func dial(t *testing.T, hub *Hub, query string) *websocket.Conn {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(apperrors.ErrorHandler())
	engine.GET("/ws", hub.ServeWs)

	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, in Inbound) Outbound {
	t.Helper()
	require.NoError(t, conn.WriteJSON(in))
	var out Outbound
	require.NoError(t, conn.ReadJSON(&out))
	return out
}

func TestChatFrames(t *testing.T) {
	sender := &fakeSender{}
	hub := NewHub(sender, nil, logger.Nop())
	conn := dial(t, hub, "?sessionId=s1")

	out := roundTrip(t, conn, Inbound{Message: "hello", Nonce: "n1"})
	assert.Equal(t, Outbound{Type: TypeReply, Text: "echo: hello", Nonce: "n1+1", SessionID: "s1", RoomID: "r1"}, out)

	out = roundTrip(t, conn, Inbound{Type: TypePing})
	assert.Equal(t, TypePong, out.Type)

	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 10*time.Millisecond)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.requests, 1)
	assert.Equal(t, "websocket", sender.requests[0].Source)
	assert.Equal(t, "s1", sender.requests[0].SessionID)
}

func TestErrorFrames(t *testing.T) {
	hub := NewHub(&fakeSender{}, nil, logger.Nop())
	conn := dial(t, hub, "?sessionId=s1")

	out := roundTrip(t, conn, Inbound{Message: "hello", Nonce: "stale"})
	assert.Equal(t, TypeError, out.Type)
	assert.Equal(t, apperrors.CodeNonceInvalid, out.Code)
	assert.Equal(t, "r1", out.RoomID)
	assert.Empty(t, out.Nonce, "a rejected nonce is never exchanged for a new one")

	out = roundTrip(t, conn, Inbound{Message: "hello", Nonce: "slow"})
	assert.Equal(t, TypeError, out.Type)
	assert.Equal(t, apperrors.CodeResponseTimeout, out.Code)
	assert.Equal(t, "Sorry, I lost my train of thought.", out.Text)
	assert.Equal(t, "retry", out.Nonce)

	out = roundTrip(t, conn, Inbound{Type: "dance"})
	assert.Equal(t, apperrors.CodeValidation, out.Code)
}

func TestCloseDisconnectsClients(t *testing.T) {
	hub := NewHub(&fakeSender{}, nil, logger.Nop())
	conn := dial(t, hub, "?sessionId=s1")
	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 10*time.Millisecond)

	hub.Close()
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, hub.Count())
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example"})
	req := httptest.NewRequest("GET", "/ws", nil)
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://app.example")
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, check(req))

	assert.True(t, originChecker([]string{"*"})(req))
}
