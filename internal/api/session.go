package api

import (
	"net/http"

	"ai-character-runtime/backend/internal/character"
	"ai-character-runtime/backend/internal/models"
	"ai-character-runtime/backend/internal/session"
	"ai-character-runtime/backend/pkg/errors"
	"ai-character-runtime/backend/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// SessionHandler serves the chat endpoints
type SessionHandler struct {
	sessions   *session.Service
	characters *character.Repository
}

// NewSessionHandler creates a session handler
func NewSessionHandler(sessions *session.Service, characters *character.Repository) *SessionHandler {
	return &SessionHandler{sessions: sessions, characters: characters}
}

// InitializeRequest opens a session with a character
type InitializeRequest struct {
	Author        string `json:"author" binding:"required"`
	CharacterSlug string `json:"characterSlug" binding:"required"`
	RoomID        string `json:"roomId"`
}

// MessageRequest is one chat message
type MessageRequest struct {
	Message string `json:"message" binding:"required"`
	Nonce   string `json:"nonce"`
}

// ChatFailure is the body of a failed turn: an in-character apology plus
// the nonce to retry with
type ChatFailure struct {
	Error     gin.H  `json:"error"`
	Text      string `json:"text"`
	Nonce     string `json:"nonce"`
	SessionID string `json:"sessionId"`
	RoomID    string `json:"roomId"`
}

// Initialize handles POST /api/v1/sessions
func (h *SessionHandler) Initialize(c *gin.Context) {
	var req InitializeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errors.NewBadRequestError(errors.CodeValidation, err.Error()))
		return
	}

	// private characters are only visible to their author
	ch, err := h.characters.Get(c.Request.Context(), req.Author, req.CharacterSlug)
	if err != nil {
		fail(c, err)
		return
	}
	if ch == nil || (ch.Status != models.StatusPublic && middleware.UserID(c) != ch.Author) {
		fail(c, character.ErrNotFound)
		return
	}

	out, err := h.sessions.InitializeSession(c.Request.Context(), req.Author, req.CharacterSlug, req.RoomID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

// SendMessage handles POST /api/v1/sessions/:sessionId/messages
func (h *SessionHandler) SendMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errors.NewBadRequestError(errors.CodeValidation, err.Error()))
		return
	}

	reply, err := h.sessions.SendMessage(c.Request.Context(), session.SendRequest{
		SessionID: c.Param("sessionId"),
		Text:      req.Message,
		Nonce:     req.Nonce,
		UserID:    middleware.UserID(c),
		UserName:  middleware.UserName(c),
		Source:    "api",
	})
	if err != nil {
		if reply == nil {
			fail(c, err)
			return
		}
		appErr := toAppError(err)
		c.AbortWithStatusJSON(appErr.StatusCode, ChatFailure{
			Error:     gin.H{"code": appErr.Code, "message": appErr.Message},
			Text:      reply.Text,
			Nonce:     reply.Nonce,
			SessionID: reply.SessionID,
			RoomID:    reply.RoomID,
		})
		return
	}
	c.JSON(http.StatusOK, reply)
}
