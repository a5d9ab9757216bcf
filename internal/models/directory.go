package models

// Goal statuses
const (
	GoalInProgress = "IN_PROGRESS"
	GoalDone       = "DONE"
	GoalFailed     = "FAILED"
)

// Account is an actor identity (user or agent)
type Account struct {
	ID        string         `json:"id" gorm:"primaryKey;size:64"`
	Name      string         `json:"name"`
	Username  string         `json:"username"`
	Details   map[string]any `json:"details,omitempty" gorm:"serializer:json;type:text"`
	CreatedAt int64          `json:"createdAt" gorm:"autoCreateTime:milli"`
}

// Participant records that an account takes part in a room
type Participant struct {
	ID        string `gorm:"primaryKey;size:36"`
	UserID    string `gorm:"size:64;not null;uniqueIndex:idx_participant_user_room"`
	RoomID    string `gorm:"size:64;not null;uniqueIndex:idx_participant_user_room;index"`
	CreatedAt int64  `gorm:"autoCreateTime:milli"`
}

// Objective is one step of a goal
type Objective struct {
	Description string `json:"description"`
	Completed   bool   `json:"completed"`
}

// Goal is a room/user scoped named objective list
type Goal struct {
	ID         string      `json:"id" gorm:"primaryKey;size:36"`
	RoomID     string      `json:"roomId" gorm:"size:64;not null;index"`
	UserID     *string     `json:"userId,omitempty" gorm:"size:64"`
	Name       string      `json:"name"`
	Status     string      `json:"status" gorm:"size:16;not null;index"`
	Objectives []Objective `json:"objectives" gorm:"serializer:json;type:text"`
	CreatedAt  int64       `json:"createdAt" gorm:"autoCreateTime:milli"`
}

// Relationship is an undirected pairing of two identities. UserA sorts before UserB.
type Relationship struct {
	ID        string `json:"id" gorm:"primaryKey;size:36"`
	UserA     string `json:"userA" gorm:"size:64;not null;uniqueIndex:idx_relationship_pair"`
	UserB     string `json:"userB" gorm:"size:64;not null;uniqueIndex:idx_relationship_pair"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt" gorm:"autoCreateTime:milli"`
}

// All returns every model for AutoMigrate
func All() []any {
	return []any{
		&Character{}, &CharacterEntry{}, &CharacterSecret{},
		&Room{}, &Session{}, &Nonce{}, &Memory{},
		&Account{}, &Participant{}, &Goal{}, &Relationship{},
	}
}
