// Package ws serves chat sessions over websockets. One socket carries one
// session: the client sends {message, nonce} frames and receives the reply
// with the nonce for its next message.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"ai-character-runtime/backend/internal/llm"
	"ai-character-runtime/backend/internal/session"
	apperrors "ai-character-runtime/backend/pkg/errors"
	"ai-character-runtime/backend/pkg/logger"
	"ai-character-runtime/backend/pkg/middleware"
	"ai-character-runtime/backend/pkg/resilience"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024
)

// Frame types
const (
	TypeChat  = "chat"
	TypePing  = "ping"
	TypeReply = "reply"
	TypeError = "error"
	TypePong  = "pong"
)

// Inbound is a frame sent by the client
type Inbound struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
	Nonce   string `json:"nonce"`
}

// Outbound is a frame sent to the client. Error frames carry the apology
// text and, when one was issued, the nonce to retry with.
type Outbound struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	RoomID    string `json:"roomId,omitempty"`
	Code      string `json:"code,omitempty"`
}

// Sender is the part of the session service the socket needs
type Sender interface {
	SendMessage(ctx context.Context, req session.SendRequest) (*session.Reply, error)
}

// Client is one connected socket
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan Outbound
	sessionID string
	userID    string
	userName  string
	log       *logger.Logger
}

// Hub tracks connected clients so they can be closed on shutdown
type Hub struct {
	sessions Sender
	upgrader websocket.Upgrader
	log      *logger.Logger

	mu      sync.Mutex
	clients map[*Client]bool
	closed  bool
}

// NewHub creates a hub. allowedOrigins empty or containing "*" accepts any origin.
func NewHub(sessions Sender, allowedOrigins []string, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.GetGlobal()
	}
	return &Hub{
		sessions: sessions,
		upgrader: websocket.Upgrader{
			CheckOrigin:      originChecker(allowedOrigins),
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		log:     log.With("component", "ws"),
		clients: make(map[*Client]bool),
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// Count returns the number of connected clients
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = c.conn.Close()
	}
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = true
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// ServeWs handles GET /ws?sessionId=... Runs behind OptionalJWTAuth so
// authenticated senders are attributed to their account.
func (h *Hub) ServeWs(c *gin.Context) {
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		_ = c.Error(apperrors.NewBadRequestError(apperrors.CodeValidation, "sessionId is required"))
		c.Abort()
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("Websocket upgrade failed", "error", err.Error())
		return
	}

	client := &Client{
		hub:       h,
		conn:      conn,
		send:      make(chan Outbound, 16),
		sessionID: sessionID,
		userID:    middleware.UserID(c),
		userName:  middleware.UserName(c),
		log:       h.log.With("session_id", sessionID),
	}
	if !h.register(client) {
		_ = conn.Close()
		return
	}
	client.log.Info("Websocket connected", "user_id", client.userID)

	go client.writePump()
	go client.readPump()
}

// readPump handles frames one at a time, since each message needs the
// nonce issued by the previous reply
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		close(c.send)
		c.log.Info("Websocket disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame Inbound
		if err := c.conn.ReadJSON(&frame); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				c.send <- Outbound{Type: TypeError, Code: apperrors.CodeValidation, Text: "frames must be JSON"}
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("Websocket read failed", "error", err.Error())
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch frame.Type {
		case TypePing:
			c.send <- Outbound{Type: TypePong}
		case "", TypeChat:
			c.send <- c.chat(frame)
		default:
			c.send <- Outbound{Type: TypeError, Code: apperrors.CodeValidation, Text: "unknown frame type " + frame.Type}
		}
	}
}

func (c *Client) chat(frame Inbound) Outbound {
	reply, err := c.hub.sessions.SendMessage(context.Background(), session.SendRequest{
		SessionID: c.sessionID,
		Text:      frame.Message,
		Nonce:     frame.Nonce,
		UserID:    c.userID,
		UserName:  c.userName,
		Source:    "websocket",
	})
	if err == nil {
		return Outbound{Type: TypeReply, Text: reply.Text, Nonce: reply.Nonce, SessionID: reply.SessionID, RoomID: reply.RoomID}
	}

	out := Outbound{Type: TypeError, SessionID: c.sessionID, Code: codeOf(err)}
	var rejected *session.NonceRejectedError
	switch {
	case reply != nil:
		out.Text, out.Nonce, out.RoomID = reply.Text, reply.Nonce, reply.RoomID
	case errors.As(err, &rejected):
		out.Text, out.RoomID = "Nonce is invalid, expired or exhausted; initialize a new session in the room", rejected.RoomID
	default:
		out.Text = err.Error()
	}
	return out
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func codeOf(err error) string {
	switch {
	case errors.Is(err, session.ErrNonceRejected):
		return apperrors.CodeNonceInvalid
	case errors.Is(err, session.ErrSessionNotFound):
		return apperrors.CodeSessionMissing
	case errors.Is(err, session.ErrEmptyMessage):
		return apperrors.CodeValidation
	case errors.Is(err, llm.ErrResponseTimeout):
		return apperrors.CodeResponseTimeout
	case errors.Is(err, resilience.ErrCircuitOpen):
		return apperrors.CodeCircuitOpen
	case errors.Is(err, resilience.ErrRetriesExhausted):
		return apperrors.CodeRetriesExhausted
	}
	return apperrors.CodeInternal
}
