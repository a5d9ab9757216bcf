package store

import (
	"errors"
	"time"

	"ai-character-runtime/backend/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EnsureRoom inserts the room if it does not exist. Safe inside a transaction.
func EnsureRoom(tx *gorm.DB, roomID, characterID string) error {
	room := models.Room{
		ID:          roomID,
		CharacterID: characterID,
		LastActive:  time.Now().UnixMilli(),
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&room).Error
}

// ErrRoomOwned is returned when a room already belongs to another character
var ErrRoomOwned = errors.New("room belongs to another character")

// ClaimRoom ensures the room exists and belongs to characterID. A room
// created without an owner is accepted. A conflict is returned rejected, so
// it rolls the transaction back without counting against the breaker.
func ClaimRoom(tx *gorm.DB, roomID, characterID string) error {
	if err := EnsureRoom(tx, roomID, characterID); err != nil {
		return err
	}
	var room models.Room
	if err := tx.Select("character_id").Where("id = ?", roomID).First(&room).Error; err != nil {
		return err
	}
	if room.CharacterID != "" && room.CharacterID != characterID {
		return Reject(ErrRoomOwned)
	}
	return nil
}

// EnsureAccount inserts the account if it does not exist
func EnsureAccount(tx *gorm.DB, account *models.Account) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(account).Error
}

// EnsureParticipant adds the account to the room if it is not already a participant
func EnsureParticipant(tx *gorm.DB, id, userID, roomID string) error {
	p := models.Participant{ID: id, UserID: userID, RoomID: roomID}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&p).Error
}

// TouchRoom records activity and, when sessionID is set, makes it the room's current session
func TouchRoom(tx *gorm.DB, roomID string, sessionID *string) error {
	updates := map[string]any{"last_active": time.Now().UnixMilli()}
	if sessionID != nil {
		updates["current_session_id"] = *sessionID
	}
	return tx.Model(&models.Room{}).Where("id = ?", roomID).Updates(updates).Error
}
