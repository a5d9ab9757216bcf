package runtime

import (
	"context"
	"fmt"

	"ai-character-runtime/backend/internal/models"
	"ai-character-runtime/backend/internal/store"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Actor is a participant of a room as shown to the model
type Actor struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Username string         `json:"username"`
	Details  map[string]any `json:"details,omitempty"`
}

// ActorDirectory resolves the participants of rooms
type ActorDirectory struct {
	adapter *store.Adapter
}

// NewActorDirectory creates a directory over the store
func NewActorDirectory(adapter *store.Adapter) *ActorDirectory {
	return &ActorDirectory{adapter: adapter}
}

// GetActorDetails lists the accounts participating in a room
func (d *ActorDirectory) GetActorDetails(ctx context.Context, roomID string) ([]Actor, error) {
	var accounts []models.Account
	err := d.adapter.Do(ctx, func(db *gorm.DB) error {
		return db.Where("id IN (SELECT user_id FROM participants WHERE room_id = ?)", roomID).
			Order("created_at ASC").
			Find(&accounts).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load actors of room %s: %w", roomID, err)
	}

	actors := make([]Actor, 0, len(accounts))
	for _, a := range accounts {
		actors = append(actors, Actor{ID: a.ID, Name: a.Name, Username: a.Username, Details: a.Details})
	}
	return actors, nil
}

// SharedRooms lists the rooms in which both accounts participate
func (d *ActorDirectory) SharedRooms(ctx context.Context, userA, userB string) ([]string, error) {
	var rooms []string
	err := d.adapter.Do(ctx, func(db *gorm.DB) error {
		return db.Model(&models.Participant{}).
			Where("user_id = ? AND room_id IN (SELECT room_id FROM participants WHERE user_id = ?)", userA, userB).
			Pluck("room_id", &rooms).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load shared rooms: %w", err)
	}
	return rooms, nil
}

// Join ensures the account exists and participates in the room
func (d *ActorDirectory) Join(ctx context.Context, account *models.Account, roomID, characterID string) error {
	return d.adapter.Transaction(ctx, func(tx *gorm.DB) error {
		return JoinTx(tx, account, roomID, characterID)
	})
}

// JoinTx is Join inside the caller's transaction
func JoinTx(tx *gorm.DB, account *models.Account, roomID, characterID string) error {
	if err := store.EnsureAccount(tx, account); err != nil {
		return fmt.Errorf("failed to ensure account: %w", err)
	}
	if err := store.EnsureRoom(tx, roomID, characterID); err != nil {
		return fmt.Errorf("failed to ensure room: %w", err)
	}
	if err := store.EnsureParticipant(tx, participantID(account.ID, roomID), account.ID, roomID); err != nil {
		return fmt.Errorf("failed to ensure participant: %w", err)
	}
	return nil
}

// participantID is stable per (user, room) so repeated joins are idempotent
func participantID(userID, roomID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(userID+"/"+roomID)).String()
}

// GoalManager reads and writes room goals
type GoalManager struct {
	adapter *store.Adapter
}

// NewGoalManager creates a goal manager over the store
func NewGoalManager(adapter *store.Adapter) *GoalManager {
	return &GoalManager{adapter: adapter}
}

// GoalQuery selects goals of a room
type GoalQuery struct {
	RoomID         string
	UserID         string
	OnlyInProgress bool
	Count          int
}

// GetGoals returns goals of a room, in-progress ones first
func (g *GoalManager) GetGoals(ctx context.Context, q GoalQuery) ([]models.Goal, error) {
	var goals []models.Goal
	err := g.adapter.Do(ctx, func(db *gorm.DB) error {
		query := db.Where("room_id = ?", q.RoomID)
		if q.UserID != "" {
			query = query.Where("user_id = ?", q.UserID)
		}
		if q.OnlyInProgress {
			query = query.Where("status = ?", models.GoalInProgress)
		} else {
			query = query.Where("status IN ?", []string{models.GoalInProgress, models.GoalDone})
		}
		if q.Count > 0 {
			query = query.Limit(q.Count)
		}
		return query.
			Order("CASE WHEN status = '" + models.GoalInProgress + "' THEN 0 ELSE 1 END, created_at DESC").
			Find(&goals).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load goals: %w", err)
	}
	return goals, nil
}

// UpdateGoal replaces the status and objectives of a goal
func (g *GoalManager) UpdateGoal(ctx context.Context, goal *models.Goal) error {
	if !validGoalStatus(goal.Status) {
		return fmt.Errorf("invalid goal status %q", goal.Status)
	}
	return g.adapter.Do(ctx, func(db *gorm.DB) error {
		res := db.Model(goal).Select("status", "objectives", "name").Updates(goal)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

func validGoalStatus(status string) bool {
	switch status {
	case models.GoalInProgress, models.GoalDone, models.GoalFailed:
		return true
	}
	return false
}

// RelationshipManager tracks undirected pairings between identities
type RelationshipManager struct {
	adapter *store.Adapter
}

// NewRelationshipManager creates a relationship manager over the store
func NewRelationshipManager(adapter *store.Adapter) *RelationshipManager {
	return &RelationshipManager{adapter: adapter}
}

// Ensure creates the pairing of a and b when it does not exist
func (r *RelationshipManager) Ensure(ctx context.Context, a, b, status string) error {
	userA, userB := orderPair(a, b)
	rel := models.Relationship{
		ID:     uuid.NewSHA1(uuid.NameSpaceOID, []byte(userA+"|"+userB)).String(),
		UserA:  userA,
		UserB:  userB,
		Status: status,
	}
	return r.adapter.Do(ctx, func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rel).Error
	})
}

func orderPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}
