package nonce

import (
	"context"
	"testing"
	"time"

	"ai-character-runtime/backend/internal/models"
	"ai-character-runtime/backend/internal/store/storetest"
	"ai-character-runtime/backend/pkg/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newGormManager(t *testing.T) (*Manager, *GormStore) {
	t.Helper()
	s := NewGormStore(storetest.NewAdapter(t))
	return NewManager(s, logger.Nop(), nil), s
}

func newRedisManager(t *testing.T) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewManager(NewRedisStore(client), logger.Nop(), nil)
}

func managers(t *testing.T) map[string]*Manager {
	m, _ := newGormManager(t)
	return map[string]*Manager{
		"gorm":  m,
		"redis": newRedisManager(t),
	}
}

func TestValidateSucceedsExactlyMaxRequestsTimes(t *testing.T) {
	for name, m := range managers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			token, err := m.CreateNonce(ctx, "room-1", "session-1", time.Minute)
			require.NoError(t, err)
			require.NotEmpty(t, token)

			for i := 0; i < 3; i++ {
				assert.True(t, m.ValidateNonce(ctx, "session-1", token, 3), "attempt %d", i+1)
			}
			assert.False(t, m.ValidateNonce(ctx, "session-1", token, 3), "exhausted")
		})
	}
}

func TestValidateRejectsReplayedToken(t *testing.T) {
	for name, m := range managers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first, err := m.CreateNonce(ctx, "room-1", "session-1", time.Minute)
			require.NoError(t, err)
			second, err := m.CreateNonce(ctx, "room-1", "session-1", time.Minute)
			require.NoError(t, err)
			require.NotEqual(t, first, second)

			assert.False(t, m.ValidateNonce(ctx, "session-1", first, 5))
			assert.True(t, m.ValidateNonce(ctx, "session-1", second, 5))
		})
	}
}

func TestValidateRejectsUnknownSessionAndEmptyToken(t *testing.T) {
	for name, m := range managers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			token, err := m.CreateNonce(ctx, "room-1", "session-1", time.Minute)
			require.NoError(t, err)

			assert.False(t, m.ValidateNonce(ctx, "session-2", token, 5))
			assert.False(t, m.ValidateNonce(ctx, "session-1", "", 5))
		})
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	for name, m := range managers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			token, err := m.CreateNonce(ctx, "room-1", "session-1", time.Minute)
			require.NoError(t, err)

			m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
			assert.False(t, m.ValidateNonce(ctx, "session-1", token, 5))
		})
	}
}

func TestClaimUnusedOnlyOnce(t *testing.T) {
	for name, m := range managers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			token, err := m.CreateNonce(ctx, "room-1", "session-1", time.Minute)
			require.NoError(t, err)

			assert.True(t, m.ClaimUnused(ctx, "session-1"))
			assert.False(t, m.ClaimUnused(ctx, "session-1"))
			assert.True(t, m.ValidateNonce(ctx, "session-1", token, 5), "the token itself stays valid")
		})
	}
}

func TestCreateNonceReplacesRow(t *testing.T) {
	m, s := newGormManager(t)
	ctx := context.Background()

	_, err := m.CreateNonce(ctx, "room-1", "session-1", time.Minute)
	require.NoError(t, err)
	_, err = m.CreateNonce(ctx, "room-1", "session-1", time.Minute)
	require.NoError(t, err)

	var count int64
	require.NoError(t, s.adapter.Do(ctx, func(db *gorm.DB) error {
		return db.Model(&models.Nonce{}).Where("session_id = ?", "session-1").Count(&count).Error
	}))
	assert.Equal(t, int64(1), count)
}

func TestCleanupExpiredNonces(t *testing.T) {
	m, s := newGormManager(t)
	ctx := context.Background()

	_, err := m.CreateNonce(ctx, "room-1", "old", time.Second)
	require.NoError(t, err)
	_, err = m.CreateNonce(ctx, "room-1", "fresh", time.Hour)
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(time.Minute) }
	m.CleanupExpiredNonces(ctx)

	var sessions []string
	require.NoError(t, s.adapter.Do(ctx, func(db *gorm.DB) error {
		return db.Model(&models.Nonce{}).Pluck("session_id", &sessions).Error
	}))
	assert.Equal(t, []string{"fresh"}, sessions)
}
