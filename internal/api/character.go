package api

import (
	"net/http"

	"ai-character-runtime/backend/internal/character"
	"ai-character-runtime/backend/internal/models"
	"ai-character-runtime/backend/internal/session"
	"ai-character-runtime/backend/pkg/errors"
	"ai-character-runtime/backend/pkg/logger"
	"ai-character-runtime/backend/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// CharacterHandler serves the owner's character management endpoints.
// Every route runs behind JWTAuth; the caller is the author.
type CharacterHandler struct {
	characters *character.Repository
	sessions   *session.Service
}

// NewCharacterHandler creates a character handler
func NewCharacterHandler(characters *character.Repository, sessions *session.Service) *CharacterHandler {
	return &CharacterHandler{characters: characters, sessions: sessions}
}

// CharacterRequest is a character definition with its optional secrets.
// Secrets are sealed before storage and never returned.
type CharacterRequest struct {
	models.Character
	Secrets map[string]string `json:"secrets,omitempty"`
}

// Upsert handles PUT /api/v1/characters
func (h *CharacterHandler) Upsert(c *gin.Context) {
	var req CharacterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errors.NewBadRequestError(errors.CodeValidation, err.Error()))
		return
	}

	saved, err := h.characters.Upsert(c.Request.Context(), middleware.UserID(c), &req.Character, req.Secrets)
	if err != nil {
		fail(c, err)
		return
	}
	h.sessions.Invalidate(saved.ID)
	c.JSON(http.StatusOK, saved)
}

// List handles GET /api/v1/characters
func (h *CharacterHandler) List(c *gin.Context) {
	list, err := h.characters.List(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	if list == nil {
		list = []models.Character{}
	}
	c.JSON(http.StatusOK, gin.H{"characters": list})
}

// Get handles GET /api/v1/characters/:slug
func (h *CharacterHandler) Get(c *gin.Context) {
	ch, ok := resolveOwned(c, h.characters)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, ch)
}

// Delete handles DELETE /api/v1/characters/:slug
func (h *CharacterHandler) Delete(c *gin.Context) {
	id, err := h.characters.Delete(c.Request.Context(), middleware.UserID(c), c.Param("slug"))
	if err != nil {
		fail(c, err)
		return
	}
	h.sessions.Forget(c.Request.Context(), id)

	logger.FromContext(c).WithCharacter(id).Info("Character deleted")
	c.Status(http.StatusNoContent)
}

// resolveOwned loads the caller's character named by the slug parameter. It
// writes the error response itself and reports false when there is none.
func resolveOwned(c *gin.Context, characters *character.Repository) (*models.Character, bool) {
	ch, err := characters.Get(c.Request.Context(), middleware.UserID(c), c.Param("slug"))
	if err != nil {
		fail(c, err)
		return nil, false
	}
	if ch == nil {
		fail(c, character.ErrNotFound)
		return nil, false
	}
	return ch, true
}
