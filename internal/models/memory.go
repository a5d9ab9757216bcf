package models

import (
	"encoding/json"
	"strings"

	"gorm.io/gorm"
)

// Memory types
const (
	MemoryTypeMessage  = "message"
	MemoryTypeFact     = "fact"
	MemoryTypeDocument = "document"
)

// Content is the structured payload of a memory
type Content struct {
	Text      string         `json:"text"`
	Action    string         `json:"action,omitempty"`
	Source    string         `json:"source,omitempty"`
	InReplyTo string         `json:"inReplyTo,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// Memory is one durable, typed record of an exchanged message or event
type Memory struct {
	ID           string         `json:"id" gorm:"primaryKey;size:36"`
	Type         string         `json:"type" gorm:"size:32;not null;index:idx_memories_room_type"`
	Content      Content        `json:"content" gorm:"-"`
	RawContent   string         `json:"-" gorm:"column:content;type:text;not null"`
	Text         string         `json:"-" gorm:"type:text"`
	UserID       *string        `json:"userId,omitempty" gorm:"size:64;index"`
	UserName     string         `json:"userName,omitempty"`
	RoomID       string         `json:"roomId" gorm:"size:64;not null;index:idx_memories_room_type"`
	AgentID      string         `json:"agentId" gorm:"size:36;not null;index"`
	Unique       bool           `json:"unique" gorm:"column:is_unique;not null;default:false"`
	CreatedAt    int64          `json:"createdAt" gorm:"autoCreateTime:milli;index"`
	Importance   float64        `json:"importance"`
	AccessCount  int            `json:"accessCount" gorm:"not null;default:0"`
	LastAccessed int64          `json:"lastAccessed"`
	Metadata     map[string]any `json:"metadata,omitempty" gorm:"serializer:json;type:text"`
	Similarity   float32        `json:"similarity,omitempty" gorm:"-"`
}

// BeforeSave serializes the structured content and keeps the searchable text column in sync
func (m *Memory) BeforeSave(*gorm.DB) error {
	raw, err := json.Marshal(m.Content)
	if err != nil {
		return err
	}
	m.RawContent = string(raw)
	m.Text = strings.ToLower(m.Content.Text)
	return nil
}

// AfterFind restores the structured content
func (m *Memory) AfterFind(*gorm.DB) error {
	m.Content = DecodeContent(m.RawContent)
	return nil
}

// DecodeContent parses a stored content value. Legacy rows stored the text
// itself (or a bare JSON string) instead of an object; those become Content{Text: raw}.
func DecodeContent(raw string) Content {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		var c Content
		if err := json.Unmarshal([]byte(trimmed), &c); err == nil {
			return c
		}
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal([]byte(trimmed), &s); err == nil {
			return Content{Text: s}
		}
	}
	return Content{Text: raw}
}
