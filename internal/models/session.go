package models

// Room groups every session and memory of one ongoing conversation
type Room struct {
	ID               string  `json:"id" gorm:"primaryKey;size:64"`
	CharacterID      string  `json:"characterId" gorm:"size:36;index"`
	CurrentSessionID *string `json:"currentSessionId" gorm:"size:36"`
	LastActive       int64   `json:"lastActive"`
	CreatedAt        int64   `json:"createdAt" gorm:"autoCreateTime:milli"`
}

// Session binds a character to a room for one stretch of conversational continuity
type Session struct {
	ID          string `json:"id" gorm:"primaryKey;size:36"`
	CharacterID string `json:"characterId" gorm:"size:36;not null;index"`
	RoomID      string `json:"roomId" gorm:"size:64;not null;index"`
	// Turns counts committed exchanges; a token-less message is only accepted before the first
	Turns      int   `json:"turns" gorm:"not null;default:0"`
	CreatedAt  int64 `json:"createdAt" gorm:"autoCreateTime:milli"`
	LastActive int64 `json:"lastActive"`
}

// Nonce is the single current token of a session. Timestamps are unix milliseconds.
type Nonce struct {
	SessionID    string `gorm:"primaryKey;size:36"`
	RoomID       string `gorm:"size:64;not null"`
	Token        string `gorm:"size:64;not null"`
	ExpiresAt    int64  `gorm:"not null;index"`
	RequestCount int    `gorm:"not null;default:0"`
	CreatedAt    int64  `gorm:"autoCreateTime:milli"`
}
