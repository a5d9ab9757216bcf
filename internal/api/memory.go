package api

import (
	"net/http"
	"strconv"

	"ai-character-runtime/backend/internal/character"
	"ai-character-runtime/backend/internal/memory"
	"ai-character-runtime/backend/internal/models"
	"ai-character-runtime/backend/pkg/errors"

	"github.com/gin-gonic/gin"
)

const defaultMemoryCount = 20

// MemoryHandler serves the memory operations of one owned character,
// mounted under /api/v1/characters/:slug/memories
type MemoryHandler struct {
	characters *character.Repository
	memory     *memory.Store
}

// NewMemoryHandler creates a memory handler
func NewMemoryHandler(characters *character.Repository, store *memory.Store) *MemoryHandler {
	return &MemoryHandler{characters: characters, memory: store}
}

// CreateMemoryRequest is the body of a new memory
type CreateMemoryRequest struct {
	RoomID   string         `json:"roomId" binding:"required"`
	Type     string         `json:"type"`
	UserID   *string        `json:"userId"`
	UserName string         `json:"userName"`
	Content  models.Content `json:"content"`
	Unique   bool           `json:"unique"`
}

// UpdateMemoryRequest replaces the content of a memory
type UpdateMemoryRequest struct {
	Type     string         `json:"type"`
	Content  models.Content `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

// RoomsRequest selects memories across rooms
type RoomsRequest struct {
	RoomIDs []string `json:"roomIds" binding:"required"`
	Count   int      `json:"count"`
}

// Create handles POST .../memories
func (h *MemoryHandler) Create(c *gin.Context) {
	ch, ok := resolveOwned(c, h.characters)
	if !ok {
		return
	}
	var req CreateMemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errors.NewBadRequestError(errors.CodeValidation, err.Error()))
		return
	}
	if req.Content.Text == "" {
		fail(c, errors.NewBadRequestError(errors.CodeValidation, "content.text is required"))
		return
	}
	if req.Type == "" {
		req.Type = models.MemoryTypeMessage
	}

	m := &models.Memory{
		Type:     req.Type,
		Content:  req.Content,
		UserID:   req.UserID,
		UserName: req.UserName,
		RoomID:   req.RoomID,
		AgentID:  ch.ID,
	}
	if err := h.memory.CreateMemory(c.Request.Context(), m, req.Unique); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

// List handles GET .../memories?roomId=&count=&type=&unique=
func (h *MemoryHandler) List(c *gin.Context) {
	ch, ok := resolveOwned(c, h.characters)
	if !ok {
		return
	}
	roomID := c.Query("roomId")
	if roomID == "" {
		fail(c, errors.NewBadRequestError(errors.CodeValidation, "roomId is required"))
		return
	}

	memories := h.memory.GetMemories(c.Request.Context(), memory.GetOptions{
		RoomID:  roomID,
		AgentID: ch.ID,
		Count:   queryInt(c, "count", defaultMemoryCount),
		Type:    c.Query("type"),
		Unique:  c.Query("unique") == "true",
	})
	c.JSON(http.StatusOK, gin.H{"memories": orEmpty(memories)})
}

// ByRooms handles POST .../memories/rooms
func (h *MemoryHandler) ByRooms(c *gin.Context) {
	ch, ok := resolveOwned(c, h.characters)
	if !ok {
		return
	}
	var req RoomsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errors.NewBadRequestError(errors.CodeValidation, err.Error()))
		return
	}
	if req.Count <= 0 {
		req.Count = defaultMemoryCount
	}

	memories := h.memory.GetMemoriesByRoomIDs(c.Request.Context(), ch.ID, req.RoomIDs, req.Count)
	c.JSON(http.StatusOK, gin.H{"memories": orEmpty(memories)})
}

// Search handles GET .../memories/search?q=&count=&userId=
func (h *MemoryHandler) Search(c *gin.Context) {
	ch, ok := resolveOwned(c, h.characters)
	if !ok {
		return
	}
	query := c.Query("q")
	if query == "" {
		fail(c, errors.NewBadRequestError(errors.CodeValidation, "q is required"))
		return
	}

	memories := h.memory.FindMemories(c.Request.Context(), query, memory.FindOptions{
		AgentID: ch.ID,
		UserID:  c.Query("userId"),
		Count:   queryInt(c, "count", defaultMemoryCount),
	})
	c.JSON(http.StatusOK, gin.H{"memories": orEmpty(memories)})
}

// All handles GET .../memories/all?type=
func (h *MemoryHandler) All(c *gin.Context) {
	ch, ok := resolveOwned(c, h.characters)
	if !ok {
		return
	}
	memories := h.memory.GetAllMemoriesByCharacter(c.Request.Context(), ch.ID, c.Query("type"))
	c.JSON(http.StatusOK, gin.H{"memories": orEmpty(memories)})
}

// Get handles GET .../memories/:memoryId
func (h *MemoryHandler) Get(c *gin.Context) {
	m, ok := h.ownedMemory(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, m)
}

// Update handles PUT .../memories/:memoryId
func (h *MemoryHandler) Update(c *gin.Context) {
	m, ok := h.ownedMemory(c)
	if !ok {
		return
	}
	var req UpdateMemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errors.NewBadRequestError(errors.CodeValidation, err.Error()))
		return
	}
	if req.Content.Text == "" {
		fail(c, errors.NewBadRequestError(errors.CodeValidation, "content.text is required"))
		return
	}

	m.Content = req.Content
	if req.Type != "" {
		m.Type = req.Type
	}
	for k, v := range req.Metadata {
		m.Metadata[k] = v
	}
	if !h.memory.UpdateMemory(c.Request.Context(), m) {
		fail(c, errors.NewServiceUnavailableError(errors.CodeInternal, "Memory could not be updated"))
		return
	}
	c.JSON(http.StatusOK, m)
}

// Delete handles DELETE .../memories/:memoryId
func (h *MemoryHandler) Delete(c *gin.Context) {
	m, ok := h.ownedMemory(c)
	if !ok {
		return
	}
	if !h.memory.DeleteMemory(c.Request.Context(), m.ID) {
		fail(c, errors.NewServiceUnavailableError(errors.CodeInternal, "Memory could not be deleted"))
		return
	}
	c.Status(http.StatusNoContent)
}

// ownedMemory loads the memory named by the path when it belongs to the
// caller's character. Memories of other characters read as missing.
func (h *MemoryHandler) ownedMemory(c *gin.Context) (*models.Memory, bool) {
	ch, ok := resolveOwned(c, h.characters)
	if !ok {
		return nil, false
	}
	m := h.memory.GetMemoryByID(c.Request.Context(), c.Param("memoryId"))
	if m == nil || m.AgentID != ch.ID {
		fail(c, errors.NewNotFoundError(errors.CodeMemoryMissing, "Memory not found"))
		return nil, false
	}
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	return m, true
}

func queryInt(c *gin.Context, key string, fallback int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func orEmpty(memories []models.Memory) []models.Memory {
	if memories == nil {
		return []models.Memory{}
	}
	return memories
}
