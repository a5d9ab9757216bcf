package nonce

import (
	"context"

	"ai-character-runtime/backend/internal/models"
	"ai-character-runtime/backend/internal/store"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore keeps nonces in the relational store
type GormStore struct {
	adapter *store.Adapter
}

// NewGormStore creates a nonce store over the durable-store adapter
func NewGormStore(adapter *store.Adapter) *GormStore {
	return &GormStore{adapter: adapter}
}

// Upsert implements Store
func (s *GormStore) Upsert(ctx context.Context, n *models.Nonce) error {
	return s.adapter.Do(ctx, func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"room_id", "token", "expires_at", "request_count"}),
		}).Create(n).Error
	})
}

// Consume implements Store with a single conditional UPDATE, so two
// concurrent requests can never both take the last slot.
func (s *GormStore) Consume(ctx context.Context, sessionID, token string, nowMillis int64, max int) (bool, error) {
	var affected int64
	err := s.adapter.Do(ctx, func(db *gorm.DB) error {
		res := db.Model(&models.Nonce{}).
			Where("session_id = ? AND token = ? AND expires_at > ? AND request_count < ?", sessionID, token, nowMillis, max).
			UpdateColumn("request_count", gorm.Expr("request_count + 1"))
		affected = res.RowsAffected
		return res.Error
	})
	return affected == 1, err
}

// ConsumeUnused implements Store
func (s *GormStore) ConsumeUnused(ctx context.Context, sessionID string, nowMillis int64) (bool, error) {
	var affected int64
	err := s.adapter.Do(ctx, func(db *gorm.DB) error {
		res := db.Model(&models.Nonce{}).
			Where("session_id = ? AND expires_at > ? AND request_count = 0", sessionID, nowMillis).
			UpdateColumn("request_count", gorm.Expr("request_count + 1"))
		affected = res.RowsAffected
		return res.Error
	})
	return affected == 1, err
}

// DeleteExpired implements Store
func (s *GormStore) DeleteExpired(ctx context.Context, nowMillis int64) (int64, error) {
	var removed int64
	err := s.adapter.Do(ctx, func(db *gorm.DB) error {
		res := db.Where("expires_at <= ?", nowMillis).Delete(&models.Nonce{})
		removed = res.RowsAffected
		return res.Error
	})
	return removed, err
}
